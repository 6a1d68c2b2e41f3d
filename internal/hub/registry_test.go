package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeer(clientID, deviceID string, buffer int) *Peer {
	return newPeer(nil, Identity{ClientID: clientID, UserID: clientID}, deviceID, buffer)
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry(nil)
	a1 := testPeer("alice", "laptop", 4)
	a2 := testPeer("alice", "laptop", 4)
	a3 := testPeer("alice", "phone", 4)
	b1 := testPeer("bob", "phone", 4)

	for _, p := range []*Peer{a1, a2, a3, b1} {
		r.Add(p)
	}

	assert.Equal(t, 4, r.Total())
	assert.Equal(t, []DeviceInfo{{"laptop", 2}, {"phone", 1}}, r.Devices("alice"))

	r.Remove(a1)
	assert.Equal(t, []DeviceInfo{{"laptop", 1}, {"phone", 1}}, r.Devices("alice"))

	r.Remove(a2)
	r.Remove(a3)
	assert.Empty(t, r.Devices("alice"))
	assert.Equal(t, 1, r.Total())

	// Removing twice is harmless.
	r.Remove(a3)
	assert.Equal(t, 1, r.Total())
}

func TestRegistry_Notify(t *testing.T) {
	r := NewRegistry(nil)
	a1 := testPeer("alice", "laptop", 4)
	a2 := testPeer("alice", "phone", 4)
	b1 := testPeer("bob", "phone", 4)
	for _, p := range []*Peer{a1, a2, b1} {
		r.Add(p)
	}

	assert.Equal(t, 2, r.Notify("alice", map[string]string{"type": "message"}))
	assert.Equal(t, 0, r.Notify("carol", map[string]string{"type": "message"}))
	assert.Equal(t, 1, r.NotifyDevice("alice", "phone", map[string]string{"type": "message"}))
	assert.Equal(t, 0, r.NotifyDevice("alice", "tablet", map[string]string{"type": "message"}))
	assert.Equal(t, 3, r.Broadcast(map[string]string{"type": "announcement"}))
	assert.Equal(t, 1, r.BroadcastExcept("alice", map[string]string{"type": "typing"}))

	assert.Len(t, a1.send, 2)
	assert.Len(t, a2.send, 3)
	assert.Len(t, b1.send, 2)
	assert.JSONEq(t, `{"type":"message"}`, string(<-a1.send))
}

func TestRegistry_SkipsFullAndClosedPeers(t *testing.T) {
	r := NewRegistry(nil)
	full := testPeer("alice", "laptop", 1)
	gone := testPeer("alice", "phone", 1)
	r.Add(full)
	r.Add(gone)

	require.True(t, full.Send([]byte(`{}`)))
	gone.close()

	assert.Equal(t, 0, r.Notify("alice", map[string]string{"type": "message"}))
}

func TestRegistry_UnmarshalableValue(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(testPeer("alice", "laptop", 1))

	assert.Equal(t, 0, r.Notify("alice", func() {}))
}

func TestStaticAuthenticator(t *testing.T) {
	ctx := context.Background()

	id, err := StaticAuthenticator(nil).Authenticate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Identity{ClientID: "alice", UserID: "alice"}, id)

	guest := "0b9e7f1c-3c1a-4b7e-9d2a-6f5c4e3b2a10"
	id, err = StaticAuthenticator(nil).Authenticate(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, Identity{ClientID: guest, GuestID: guest}, id)

	auth := StaticAuthenticator{"tok-a": "alice"}
	id, err = auth.Authenticate(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = auth.Authenticate(ctx, "tok-b")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = StaticAuthenticator(nil).Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
