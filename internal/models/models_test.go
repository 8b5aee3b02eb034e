package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDeriveDirectRoomID_OrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"carol@example.com", "dave@example.com"},
		{"", "x"},
		{"same", "same"},
		{"a:b", "c"},
	}

	for _, p := range pairs {
		ab := DeriveDirectRoomID(p[0], p[1])
		ba := DeriveDirectRoomID(p[1], p[0])
		if ab != ba {
			t.Errorf("DeriveDirectRoomID(%q, %q) = %q, reversed = %q", p[0], p[1], ab, ba)
		}
	}
}

func TestDeriveDirectRoomID_Injective(t *testing.T) {
	// Identities chosen so that naive "a:b" or "a_b" joins would collide
	identities := []string{"a", "b", "a:b", "b:c", "c", "a_b", "", ":", "::", "a:", ":b", "ab"}

	seen := make(map[string][2]string)
	for i, a := range identities {
		for _, b := range identities[i:] {
			id := DeriveDirectRoomID(a, b)
			pair := [2]string{a, b}
			if b < a {
				pair = [2]string{b, a}
			}
			if prev, ok := seen[id]; ok && prev != pair {
				t.Fatalf("collision: %v and %v both map to %q", prev, pair, id)
			}
			seen[id] = pair
		}
	}
}

func TestParseDirectRoomID_RoundTrip(t *testing.T) {
	id := DeriveDirectRoomID("zed:1", "amy")
	a, b, err := ParseDirectRoomID(id)
	if err != nil {
		t.Fatalf("ParseDirectRoomID() error = %v", err)
	}
	if a != "amy" || b != "zed:1" {
		t.Errorf("ParseDirectRoomID() = %q, %q", a, b)
	}

	for _, bad := range []string{"general", "dm:", "dm:x:a:b", "dm:9:a:b", "dm:1:ab"} {
		if IsDirectRoomID(bad) {
			t.Errorf("IsDirectRoomID(%q) = true, want false", bad)
		}
	}
}

func TestRoomKind_RequiresMembership(t *testing.T) {
	tests := []struct {
		kind RoomKind
		want bool
	}{
		{RoomKindPublic, false},
		{RoomKindPrivate, true},
		{RoomKindPremium, true},
		{RoomKindDirect, true},
	}

	for _, tt := range tests {
		if got := tt.kind.RequiresMembership(); got != tt.want {
			t.Errorf("%s.RequiresMembership() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestNewRoom_SystemCreatorIsNotMember(t *testing.T) {
	now := time.Now()

	general := NewRoom("general", "General", "", RoomKindPublic, SystemCreator, now)
	if len(general.Members) != 0 {
		t.Errorf("expected no members for system room, got %v", general.Members)
	}

	lounge := NewRoom("r1", "Lounge", "", RoomKindPrivate, "alice", now)
	if !lounge.HasMember("alice") {
		t.Error("expected creator to be a member")
	}
}

func TestNewDirectRoom(t *testing.T) {
	room := NewDirectRoom("bob", "alice", time.Now())
	if room.ID != DeriveDirectRoomID("alice", "bob") {
		t.Errorf("unexpected direct room id %q", room.ID)
	}
	if room.Kind != RoomKindDirect {
		t.Errorf("expected direct kind, got %s", room.Kind)
	}
	if !room.HasMember("alice") || !room.HasMember("bob") {
		t.Errorf("expected both participants as members, got %v", room.Members)
	}
}

func TestRoom_Validate(t *testing.T) {
	tests := []struct {
		name    string
		room    *Room
		wantErr error
	}{
		{"valid", &Room{ID: "r", Name: "Room", Kind: RoomKindPublic}, nil},
		{"missing id", &Room{Name: "Room", Kind: RoomKindPublic}, ErrInvalidRoomID},
		{"blank name", &Room{ID: "r", Name: "  ", Kind: RoomKindPublic}, ErrInvalidRoomName},
		{"bad kind", &Room{ID: "r", Name: "Room", Kind: "secret"}, ErrInvalidRoomKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.room.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Room.Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessage_Validate(t *testing.T) {
	sender := Identity{Key: "alice@example.com", Handle: "alice"}
	msg := NewRoomMessage("m1", sender, "general", "hi", time.Now(), nil)
	if err := msg.Validate(); err != nil {
		t.Errorf("expected valid message, got %v", err)
	}
	if msg.SenderHandle != "alice" || msg.Kind != MessageKindRoom {
		t.Errorf("unexpected message fields: %+v", msg)
	}

	empty := NewRoomMessage("m2", sender, "general", "   ", time.Now(), nil)
	if !errors.Is(empty.Validate(), ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", empty.Validate())
	}

	dm := NewDirectMessage("m3", sender, "bob@example.com", "yo", time.Now())
	if dm.RoomID != DeriveDirectRoomID("bob@example.com", "alice@example.com") {
		t.Errorf("unexpected direct message room %q", dm.RoomID)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrRoomNotFound, KindRoomNotFound},
		{fmt.Errorf("join general: %w", ErrRoomNotFound), KindRoomNotFound},
		{fmt.Errorf("%w: %w", ErrPersistenceFailure, errors.New("disk full")), KindPersistenceFailure},
		{ErrEmptyMessage, KindInvalidRequest},
		{errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRoomSlug(t *testing.T) {
	cases := map[string]string{
		"  Secret Club! ": "secret-club",
		"Go 1.24":         "go-1-24",
		"general":         "general",
		"!!!":             "",
	}
	for name, want := range cases {
		if got := RoomSlug(name); got != want {
			t.Errorf("RoomSlug(%q) = %q, want %q", name, got, want)
		}
	}
}
