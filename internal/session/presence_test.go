package session

import (
	"context"
	"testing"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_StateMachine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	conn := newTestEndpoint("c1")
	assert.Equal(t, StateDisconnected, h.coordinator.State("c1"))

	h.coordinator.Connect(conn)
	assert.Equal(t, StateAnonymous, h.coordinator.State("c1"))

	_, _, err := h.coordinator.Join(ctx, "c1", "general")
	assert.ErrorIs(t, err, models.ErrSessionRequired)
	_, err = h.coordinator.Require("c1")
	assert.ErrorIs(t, err, models.ErrSessionRequired)

	require.NoError(t, h.coordinator.Authenticate(ctx, "c1", alice))
	assert.Equal(t, StateAuthenticated, h.coordinator.State("c1"))

	h.join(t, conn, "general")
	assert.Equal(t, StateJoined, h.coordinator.State("c1"))

	h.coordinator.Disconnect(ctx, "c1")
	assert.Equal(t, StateDisconnected, h.coordinator.State("c1"))
}

func TestCoordinator_AuthenticateRejectsInvalidIdentity(t *testing.T) {
	h := newHarness(t)
	h.coordinator.Connect(newTestEndpoint("c1"))
	err := h.coordinator.Authenticate(context.Background(), "c1", models.Identity{Key: "k"})
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
}

func TestCoordinator_ReauthenticateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	notifier := &recordingNotifier{}
	h.coordinator.SetNotifier(notifier)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	conn := h.login(t, "c1", alice)
	h.join(t, conn, "general")
	require.NoError(t, h.coordinator.Authenticate(ctx, "c1", alice))

	assert.Equal(t, StateJoined, h.coordinator.State("c1"))
	assert.False(t, conn.isClosed())
	assert.Equal(t, []string{alice.Key}, notifier.online)
}

func TestCoordinator_JoinUnknownRoom(t *testing.T) {
	h := newHarness(t)
	conn := h.login(t, "c1", alice)

	_, _, err := h.coordinator.Join(context.Background(), "c1", "nope")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	assert.Empty(t, h.directory.JoinedRooms("c1"))
	assert.Empty(t, conn.named(EventRoomJoined))
}

func TestCoordinator_JoinNotifiesOtherLiveMembers(t *testing.T) {
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	a := h.login(t, "c-alice", alice)
	b := h.login(t, "c-bob", bob)
	h.join(t, a, "general")
	h.join(t, b, "general")

	joined := b.named(EventRoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, []string{"alice", "bob"}, joined[0].Payload.(RoomJoined).Members)

	updates := a.named(EventUserJoined)
	require.Len(t, updates, 1)
	update := updates[0].Payload.(MembershipUpdate)
	assert.Equal(t, "general", update.Room)
	assert.Equal(t, "bob", update.Username)
	assert.Equal(t, []string{"alice", "bob"}, update.Members)

	// The joiner is not told about itself
	assert.Empty(t, b.named(EventUserJoined))

	// Joining again does not notify anyone
	h.join(t, b, "general")
	assert.Len(t, a.named(EventUserJoined), 1)

	room, err := h.directory.Room(context.Background(), "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.Key, bob.Key}, room.Members)
}

func TestCoordinator_PresenceInvariantOnDisconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)
	h.room(t, "random", models.RoomKindPublic, models.SystemCreator)

	a := h.login(t, "c-alice", alice)
	b := h.login(t, "c-bob", bob)
	c := h.login(t, "c-carol", carol)
	h.join(t, a, "general")
	h.join(t, a, "random")
	h.join(t, b, "general")
	h.join(t, b, "random")
	h.join(t, c, "general")

	live, err := h.directory.LiveMembers(ctx, "general")
	require.NoError(t, err)
	assert.Contains(t, live, alice)

	b.reset()
	c.reset()
	h.coordinator.Disconnect(ctx, "c-alice")

	live, err = h.directory.LiveMembers(ctx, "general")
	require.NoError(t, err)
	assert.NotContains(t, live, alice)

	// Exactly one notification per remaining live member per room
	bobLeft := b.named(EventUserLeft)
	require.Len(t, bobLeft, 2)
	assert.ElementsMatch(t, []string{"general", "random"}, []string{
		bobLeft[0].Payload.(MembershipUpdate).Room,
		bobLeft[1].Payload.(MembershipUpdate).Room,
	})
	carolLeft := c.named(EventUserLeft)
	require.Len(t, carolLeft, 1)
	update := carolLeft[0].Payload.(MembershipUpdate)
	assert.Equal(t, "alice", update.Username)
	assert.Equal(t, []string{"bob", "carol"}, update.Members)

	// Durable membership survives the disconnect
	room, err := h.directory.Room(ctx, "general")
	require.NoError(t, err)
	assert.True(t, room.HasMember(alice.Key))

	// A second disconnect is a no-op
	h.coordinator.Disconnect(ctx, "c-alice")
	assert.Len(t, c.named(EventUserLeft), 1)
}

func TestCoordinator_LeaveKeepsMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	a := h.login(t, "c-alice", alice)
	b := h.login(t, "c-bob", bob)
	h.join(t, a, "general")
	h.join(t, b, "general")

	require.NoError(t, h.coordinator.Leave(ctx, "c-bob", "general"))
	assert.Empty(t, h.directory.JoinedRooms("c-bob"))

	updates := a.named(EventRoomMembersUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"alice"}, updates[0].Payload.(MembershipUpdate).Members)

	room, err := h.directory.Room(ctx, "general")
	require.NoError(t, err)
	assert.True(t, room.HasMember(bob.Key))

	// Leaving a room that was not joined is a no-op
	require.NoError(t, h.coordinator.Leave(ctx, "c-bob", "general"))
	assert.Len(t, a.named(EventRoomMembersUpdated), 1)
}

func TestCoordinator_DoubleLoginSupersedes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	notifier := &recordingNotifier{}
	h.coordinator.SetNotifier(notifier)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	b := h.login(t, "c-bob", bob)
	c1 := h.login(t, "C1", alice)
	h.join(t, b, "general")
	h.join(t, c1, "general")
	b.reset()

	c2 := h.login(t, "C2", alice)

	connectionID, online := h.registry.LookupConnection(alice.Key)
	require.True(t, online)
	assert.Equal(t, "C2", connectionID)

	assert.True(t, c1.isClosed())
	superseded := c1.named(EventSessionSuperseded)
	require.Len(t, superseded, 1)
	assert.Equal(t, models.KindDuplicateBinding, superseded[0].Payload.(Superseded).Kind)

	// The new connection inherits the room and nobody saw alice leave
	assert.Equal(t, []string{"general"}, h.directory.JoinedRooms("C2"))
	assert.Empty(t, b.named(EventUserLeft))

	// The transport reports the old socket gone later
	h.coordinator.Disconnect(ctx, "C1")
	assert.True(t, h.registry.IsOnline(alice.Key))
	assert.Empty(t, b.named(EventUserLeft))
	assert.Equal(t, []string{bob.Key, alice.Key}, notifier.online)
	assert.Empty(t, notifier.offline)

	// Direct delivery reaches C2, not C1
	h.gates.befriend(alice.Key, bob.Key)
	msg, err := h.router.PostDirectMessage(ctx, bob, alice, "ping")
	require.NoError(t, err)
	got := c2.named(EventPrivateMessage)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].Payload.(*models.Message).ID)
	assert.Empty(t, c1.named(EventPrivateMessage))
}

func TestCoordinator_SupersededNoticeFailureIsCounted(t *testing.T) {
	h := newHarness(t)

	c1 := h.login(t, "C1", alice)
	c1.fail = true
	dropped := counterValue(t, deliveries.WithLabelValues("dropped"))

	h.login(t, "C2", alice)

	assert.True(t, c1.isClosed())
	assert.Empty(t, c1.named(EventSessionSuperseded))
	assert.Equal(t, dropped+1, counterValue(t, deliveries.WithLabelValues("dropped")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCoordinator_SwitchingAccountsLeavesRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "general", models.RoomKindPublic, models.SystemCreator)

	b := h.login(t, "c-bob", bob)
	conn := h.login(t, "c1", alice)
	h.join(t, b, "general")
	h.join(t, conn, "general")

	require.NoError(t, h.coordinator.Authenticate(ctx, "c1", carol))
	assert.False(t, h.registry.IsOnline(alice.Key))
	assert.Empty(t, h.directory.JoinedRooms("c1"))
	require.Len(t, b.named(EventUserLeft), 1)
}

func TestCoordinator_LogoutReturnsToAnonymous(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	notifier := &recordingNotifier{}
	h.coordinator.SetNotifier(notifier)

	h.login(t, "c1", alice)
	h.coordinator.Logout(ctx, "c1")

	assert.Equal(t, StateAnonymous, h.coordinator.State("c1"))
	assert.Equal(t, []string{alice.Key}, notifier.offline)
}

func TestCoordinator_JoinPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.room(t, "team", models.RoomKindPrivate, alice.Key)
	h.room(t, "vip", models.RoomKindPremium, alice.Key)

	h.login(t, "c-alice", alice)
	h.login(t, "c-bob", bob)

	_, _, err := h.coordinator.Join(ctx, "c-bob", "team")
	assert.ErrorIs(t, err, models.ErrNotAMember)
	_, _, err = h.coordinator.Join(ctx, "c-alice", "team")
	assert.NoError(t, err)

	_, _, err = h.coordinator.Join(ctx, "c-bob", "vip")
	assert.ErrorIs(t, err, models.ErrNotAMember)
	h.gates.premium[bob.Key] = true
	room, _, err := h.coordinator.Join(ctx, "c-bob", "vip")
	require.NoError(t, err)
	assert.True(t, room.HasMember(bob.Key))
}

func TestCoordinator_JoinDirectRoomNeedsFriendship(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gates.befriend(alice.Key, bob.Key)

	a := h.login(t, "c-alice", alice)
	b := h.login(t, "c-bob", bob)
	h.login(t, "c-carol", carol)
	_, err := h.router.PostDirectMessage(ctx, alice, bob, "hello")
	require.NoError(t, err)

	roomID := models.DeriveDirectRoomID(alice.Key, bob.Key)
	h.join(t, a, roomID)
	h.join(t, b, roomID)

	_, _, err = h.coordinator.Join(ctx, "c-carol", roomID)
	assert.ErrorIs(t, err, models.ErrNotAMember)
}
