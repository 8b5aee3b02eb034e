package wsgateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnection_SendQueuesEnvelope(t *testing.T) {
	conn := NewConnection("conn-1", nil, 4)

	require.NoError(t, conn.Send("pong", map[string]string{"ok": "yes"}))

	var msg struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-conn.send, &msg))
	assert.Equal(t, "pong", msg.Event)
	assert.Equal(t, "yes", msg.Data["ok"])
}

func TestConnection_SendDropsWhenFull(t *testing.T) {
	conn := NewConnection("conn-1", nil, 1)

	require.NoError(t, conn.Send("a", nil))
	assert.ErrorIs(t, conn.Send("b", nil), ErrSendBufferFull)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn := NewConnection("conn-1", nil, 1)

	conn.Close()
	conn.Close()

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection to be closing")
	}
	assert.ErrorIs(t, conn.Send("a", nil), ErrConnectionClosed)
}

func TestConnection_SendError(t *testing.T) {
	conn := NewConnection("conn-1", nil, 1)
	require.NoError(t, conn.SendError("join_room", "room_not_found", "room not found"))

	var msg struct {
		Event string       `json:"event"`
		Data  ErrorPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-conn.send, &msg))
	assert.Equal(t, "join_room_error", msg.Event)
	assert.Equal(t, "room_not_found", msg.Data.Kind)
}

func TestConnection_Token(t *testing.T) {
	conn := NewConnection("conn-1", nil, 1)
	assert.Empty(t, conn.Token())
	conn.SetToken("abc")
	assert.Equal(t, "abc", conn.Token())
}
