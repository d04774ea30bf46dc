package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/pairing"
	"github.com/proxipair/pairing-server/internal/protocol"
	"github.com/proxipair/pairing-server/internal/ratelimit"
	"github.com/proxipair/pairing-server/internal/session"
)

type outbox struct {
	byConn map[string][]map[string]interface{}
}

func (o *outbox) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.byConn[connID] = append(o.byConn[connID], m)
	return nil
}

func (o *outbox) last(connID string) map[string]interface{} {
	msgs := o.byConn[connID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func position(id string, lat, lon, heading float64) protocol.PositionMsg {
	acc := 4.0
	return protocol.PositionMsg{DeviceID: id, Latitude: &lat, Longitude: &lon, Heading: &heading, Accuracy: &acc}
}

type testRig struct {
	engine  *pairing.Engine
	handler *reportHandler
	out     *outbox
	store   *session.Store
	mr      *miniredis.Miniredis
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	engine := pairing.NewEngine(pairing.DefaultConfig(), zap.NewNop())
	out := &outbox{byConn: make(map[string][]map[string]interface{})}
	store := session.NewStore(client, "test")

	h := newReportHandler(engine, out, zap.NewNop())
	h.presence = store
	h.limiter = ratelimit.NewLimiter(client, zap.NewNop())
	h.rule = ratelimit.NewReportRule(100, time.Minute)
	return &testRig{engine: engine, handler: h, out: out, store: store, mr: mr}
}

func (r *testRig) connect(t *testing.T, connID string) {
	t.Helper()
	r.engine.Connect(connID)
	require.NoError(t, r.store.Create(context.Background(), connID))
}

func TestHandler_SearchingThenPaired(t *testing.T) {
	rig := newTestRig(t)
	rig.connect(t, "c-b")
	rig.connect(t, "c-a")

	rig.handler.handle("c-b", position("b", 44.99973, 21, 0))
	msg := rig.out.last("c-b")
	assert.Equal(t, protocol.TypeSearching, msg["type"])
	assert.Contains(t, msg, "api_time")

	rig.handler.handle("c-a", position("a", 45, 21, 0))
	msg = rig.out.last("c-a")
	require.Equal(t, protocol.TypePaired, msg["type"])
	data := msg["pairing_data"].(map[string]interface{})
	assert.Equal(t, "b", data["device_id"])

	// The peer receives the reporter's position.
	msg = rig.out.last("c-b")
	require.Equal(t, protocol.TypePeerUpdate, msg["type"])
	assert.Equal(t, "a", msg["peer"].(map[string]interface{})["device_id"])

	ctx := context.Background()
	pa, err := rig.store.Get(ctx, "c-a")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaired, pa.Status)
	assert.Equal(t, "b", pa.PeerID)
	assert.Equal(t, "a", pa.DeviceID)
	pb, err := rig.store.Get(ctx, "c-b")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaired, pb.Status)
	assert.Equal(t, "a", pb.PeerID)
}

func TestHandler_CooldownSendsPeerUpdate(t *testing.T) {
	rig := newTestRig(t)
	rig.connect(t, "c-b")
	rig.connect(t, "c-a")
	rig.handler.handle("c-b", position("b", 44.99973, 21, 0))
	rig.handler.handle("c-a", position("a", 45, 21, 0))

	rig.handler.handle("c-a", position("a", 45, 21, 0))
	msg := rig.out.last("c-a")
	require.Equal(t, protocol.TypePeerUpdate, msg["type"])
	assert.Equal(t, "b", msg["peer"].(map[string]interface{})["device_id"])
	assert.InDelta(t, 30, msg["distance"].(float64), 0.5)
}

func TestHandler_DisconnectReleasesPeerPresence(t *testing.T) {
	rig := newTestRig(t)
	rig.connect(t, "c-b")
	rig.connect(t, "c-a")
	rig.handler.handle("c-b", position("b", 44.99973, 21, 0))
	rig.handler.handle("c-a", position("a", 45, 21, 0))

	rig.handler.Disconnect("c-a")

	pb, err := rig.store.Get(context.Background(), "c-b")
	require.NoError(t, err)
	assert.Equal(t, session.StatusSearching, pb.Status)
	assert.Empty(t, pb.PeerID)
	_, paired := rig.engine.PeerOf("b")
	assert.False(t, paired)
}

func TestHandler_RateLimited(t *testing.T) {
	rig := newTestRig(t)
	rig.handler.rule = ratelimit.NewReportRule(1, 5*time.Second)
	rig.connect(t, "c-a")

	rig.handler.handle("c-a", position("a", 45, 21, 0))
	rig.handler.handle("c-a", position("a", 45, 21, 0))

	msg := rig.out.last("c-a")
	require.Equal(t, protocol.TypeRateLimited, msg["type"])
	assert.Equal(t, 5.0, msg["retry_after"])
	assert.Equal(t, uint64(1), rig.engine.Stats().CacheMisses)
}

func TestHandler_ReportAfterDisconnectIsDropped(t *testing.T) {
	rig := newTestRig(t)
	rig.handler.handle("ghost", position("a", 45, 21, 0))
	assert.Empty(t, rig.out.byConn["ghost"])
}

func TestHandler_WithoutRedis(t *testing.T) {
	engine := pairing.NewEngine(pairing.DefaultConfig(), zap.NewNop())
	out := &outbox{byConn: make(map[string][]map[string]interface{})}
	h := newReportHandler(engine, out, zap.NewNop())

	engine.Connect("c-a")
	h.handle("c-a", position("a", 45, 21, 0))
	assert.Equal(t, protocol.TypeSearching, out.last("c-a")["type"])
	h.Disconnect("c-a")
}
