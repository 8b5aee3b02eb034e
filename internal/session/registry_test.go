package session

import (
	"testing"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRegistry_AdmitBindUnbind(t *testing.T) {
	registry := NewConnectionRegistry()
	conn := newTestEndpoint("conn-1")

	registry.Admit(conn)
	assert.Equal(t, 1, registry.Count())
	assert.False(t, registry.IsOnline(alice.Key))

	superseded, online, ok := registry.Bind("conn-1", alice)
	require.True(t, ok)
	assert.True(t, online)
	assert.Nil(t, superseded)

	connectionID, found := registry.LookupConnection(alice.Key)
	require.True(t, found)
	assert.Equal(t, "conn-1", connectionID)

	identity, bound := registry.IdentityOf("conn-1")
	require.True(t, bound)
	assert.Equal(t, alice, identity)

	identity, offline := registry.Unbind("conn-1")
	assert.Equal(t, alice, identity)
	assert.True(t, offline)
	assert.False(t, registry.IsOnline(alice.Key))
	assert.Equal(t, 0, registry.Count())

	// Idempotent
	identity, offline = registry.Unbind("conn-1")
	assert.True(t, identity.IsZero())
	assert.False(t, offline)
}

func TestConnectionRegistry_BindUnknownConnection(t *testing.T) {
	registry := NewConnectionRegistry()
	_, _, ok := registry.Bind("missing", alice)
	assert.False(t, ok)
}

func TestConnectionRegistry_SecondBindSupersedes(t *testing.T) {
	registry := NewConnectionRegistry()
	c1 := newTestEndpoint("c1")
	c2 := newTestEndpoint("c2")
	registry.Admit(c1)
	registry.Admit(c2)

	_, _, ok := registry.Bind("c1", alice)
	require.True(t, ok)

	superseded, online, ok := registry.Bind("c2", alice)
	require.True(t, ok)
	assert.False(t, online)
	assert.Equal(t, c1, superseded)

	connectionID, _ := registry.LookupConnection(alice.Key)
	assert.Equal(t, "c2", connectionID)
	_, bound := registry.IdentityOf("c1")
	assert.False(t, bound)

	// Removing the stale connection keeps the newer binding
	_, offline := registry.Unbind("c1")
	assert.False(t, offline)
	assert.True(t, registry.IsOnline(alice.Key))
	assert.Equal(t, 1, registry.OnlineCount())
}

func TestConnectionRegistry_RebindSameIdentityIsIdempotent(t *testing.T) {
	registry := NewConnectionRegistry()
	registry.Admit(newTestEndpoint("c1"))

	_, online, _ := registry.Bind("c1", alice)
	assert.True(t, online)
	superseded, online, ok := registry.Bind("c1", alice)
	require.True(t, ok)
	assert.False(t, online)
	assert.Nil(t, superseded)
	assert.Equal(t, 1, registry.OnlineCount())
}

func TestConnectionRegistry_RebindOtherIdentityReleasesFirst(t *testing.T) {
	registry := NewConnectionRegistry()
	registry.Admit(newTestEndpoint("c1"))

	registry.Bind("c1", alice)
	registry.Bind("c1", bob)

	assert.False(t, registry.IsOnline(alice.Key))
	assert.True(t, registry.IsOnline(bob.Key))
}

func TestConnectionRegistry_Release(t *testing.T) {
	registry := NewConnectionRegistry()
	registry.Admit(newTestEndpoint("c1"))
	registry.Bind("c1", alice)

	identity, offline := registry.Release("c1")
	assert.Equal(t, alice, identity)
	assert.True(t, offline)
	assert.Equal(t, 1, registry.Count())
	_, bound := registry.IdentityOf("c1")
	assert.False(t, bound)
}

func TestConnectionRegistry_OnlineIdentitiesSorted(t *testing.T) {
	registry := NewConnectionRegistry()
	for i, identity := range []models.Identity{carol, alice, bob} {
		id := string(rune('a' + i))
		registry.Admit(newTestEndpoint(id))
		registry.Bind(id, identity)
	}
	assert.Equal(t, []models.Identity{alice, bob, carol}, registry.OnlineIdentities())
}

func TestConnectionRegistry_Stale(t *testing.T) {
	registry := NewConnectionRegistry()
	now := time.Now()
	registry.now = func() time.Time { return now }

	registry.Admit(newTestEndpoint("old"))
	now = now.Add(time.Minute)
	registry.Admit(newTestEndpoint("fresh"))

	stale := registry.Stale(30 * time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID())

	registry.Touch("old")
	assert.Empty(t, registry.Stale(30*time.Second))
}
