package session

import (
	"context"
	"testing"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomDirectory_EnsureRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, created, err := h.directory.EnsureRoom(ctx, models.NewRoom("general", "General", "", models.RoomKindPublic, alice.Key, time.Now()))
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, h.directory.AddMember(ctx, "general", bob.Key))

	again, created, err := h.directory.EnsureRoom(ctx, models.NewRoom("general", "Renamed", "", models.RoomKindPrivate, carol.Key, time.Now()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Name, again.Name)
	assert.Equal(t, models.RoomKindPublic, again.Kind)
	assert.ElementsMatch(t, []string{alice.Key, bob.Key}, again.Members)

	rooms, err := h.directory.Rooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestRoomDirectory_EnsureRoomRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.directory.EnsureRoom(context.Background(), &models.Room{ID: "x", Name: " ", Kind: models.RoomKindPublic})
	assert.ErrorIs(t, err, models.ErrInvalidRoomName)
}

func TestRoomDirectory_MembershipOnUnknownRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.ErrorIs(t, h.directory.AddMember(ctx, "nope", alice.Key), models.ErrRoomNotFound)
	_, err := h.directory.LiveMembers(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestRoomDirectory_RemoveMember(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "team", models.RoomKindPrivate, alice.Key)
	require.NoError(t, h.directory.AddMember(ctx, "team", bob.Key))

	require.NoError(t, h.directory.RemoveMember(ctx, "team", bob.Key))
	room, err := h.directory.Room(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.Key}, room.Members)
}

func TestRoomDirectory_LiveMembersPublicFollowsSubscriptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	a := h.login(t, "c-alice", alice)
	h.login(t, "c-bob", bob)
	h.directory.Subscribe(a.ID(), "general")

	live, err := h.directory.LiveMembers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []models.Identity{alice}, live)

	// Anonymous subscribers are not live members
	anon := newTestEndpoint("c-anon")
	h.coordinator.Connect(anon)
	h.directory.Subscribe(anon.ID(), "general")
	live, err = h.directory.LiveMembers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []models.Identity{alice}, live)
}

func TestRoomDirectory_LiveMembersPrivateFollowsDurableMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "team", models.RoomKindPrivate, alice.Key)
	require.NoError(t, h.directory.AddMember(ctx, "team", bob.Key))

	h.login(t, "c-alice", alice)
	h.login(t, "c-carol", carol)

	live, err := h.directory.LiveMembers(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, []models.Identity{alice}, live)

	h.login(t, "c-bob", bob)
	live, err = h.directory.LiveMembers(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, []models.Identity{alice, bob}, live)
}

func TestRoomDirectory_Subscriptions(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.directory.Subscribe("c1", "b"))
	assert.False(t, h.directory.Subscribe("c1", "b"))
	assert.True(t, h.directory.Subscribe("c1", "a"))
	assert.Equal(t, []string{"a", "b"}, h.directory.JoinedRooms("c1"))
	assert.Equal(t, 2, h.directory.SubscriptionCount())

	assert.True(t, h.directory.Unsubscribe("c1", "a"))
	assert.False(t, h.directory.Unsubscribe("c1", "a"))
	assert.True(t, h.directory.IsSubscribed("c1", "b"))

	moved := h.directory.Transfer("c1", "c2")
	assert.Equal(t, []string{"b"}, moved)
	assert.Empty(t, h.directory.JoinedRooms("c1"))
	assert.Equal(t, []string{"c2"}, h.directory.Subscribers("b"))

	assert.Equal(t, []string{"b"}, h.directory.UnsubscribeAll("c2"))
	assert.Equal(t, 0, h.directory.SubscriptionCount())
}

func TestDeriveDirectRoomID_SymmetricAndInjective(t *testing.T) {
	identities := []string{"a", "b", "a:b", "b:a", "ab", "", "1:a", "a:1", "alice@example.com"}

	seen := make(map[string][2]string)
	for _, x := range identities {
		for _, y := range identities {
			id := models.DeriveDirectRoomID(x, y)
			assert.Equal(t, id, models.DeriveDirectRoomID(y, x))

			p := pair(x, y)
			if prev, exists := seen[id]; exists {
				assert.Equal(t, prev, p, "collision on %q", id)
			}
			seen[id] = p
		}
	}
}

func TestRoomDirectory_CreateRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	room, err := h.directory.CreateRoom(ctx, "Book Club", "weekly reads", "", alice)
	require.NoError(t, err)
	assert.Equal(t, "book-club", room.ID)
	assert.Equal(t, models.RoomKindPublic, room.Kind)
	assert.Equal(t, []string{alice.Key}, room.Members)

	_, err = h.directory.CreateRoom(ctx, "book club", "", models.RoomKindPrivate, bob)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = h.directory.CreateRoom(ctx, "dm", "", models.RoomKindDirect, bob)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = h.directory.CreateRoom(ctx, "room", "", models.RoomKind("secret"), bob)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = h.directory.CreateRoom(ctx, "???", "", models.RoomKindPublic, bob)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestRoomDirectory_VisibleRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)
	h.room(t, "vip", models.RoomKindPremium, models.SystemCreator)
	h.room(t, "secret", models.RoomKindPrivate, alice.Key)

	ids := func(identity models.Identity) []string {
		rooms, err := h.directory.VisibleRooms(ctx, identity)
		require.NoError(t, err)
		out := make([]string, 0, len(rooms))
		for _, room := range rooms {
			out = append(out, room.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"general", "vip", "secret"}, ids(alice))
	assert.ElementsMatch(t, []string{"general", "vip"}, ids(bob))
	assert.ElementsMatch(t, []string{"general", "vip"}, ids(models.Identity{}))
}
