package pairing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/protocol"
)

type sentMessage struct {
	connID string
	data   []byte
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (s *fakeSender) SendMessage(connID string, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{connID: connID, data: data})
	return nil
}

func TestRelay_ForwardsToPeerConnection(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	sender := &fakeSender{}
	relay := NewRelay(e, sender, zap.NewNop())
	relay.now = func() time.Time { return time.UnixMilli(1700000000123) }

	b := rep("b", lat30South, 21, 0)
	a := rep("a", 45, 21, 0)
	report(t, e, "c-b", b)
	require.True(t, report(t, e, "c-a", a).Matched)

	require.True(t, relay.Forward(a, "b"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "c-b", sender.sent[0].connID)

	var msg protocol.PeerUpdateMsg
	require.NoError(t, json.Unmarshal(sender.sent[0].data, &msg))
	assert.Equal(t, protocol.TypePeerUpdate, msg.Type)
	assert.Equal(t, "a", msg.Peer.DeviceID)
	assert.Equal(t, 45.0, msg.Peer.Latitude)
	assert.Equal(t, int64(1700000000123), msg.SentTime)
	assert.InDelta(t, 30, msg.Distance, 0.5)
}

func TestRelay_PeerGone(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	sender := &fakeSender{}
	relay := NewRelay(e, sender, zap.NewNop())

	assert.False(t, relay.Forward(rep("a", 45, 21, 0), "nobody"))
	assert.Empty(t, sender.sent)
}

func TestRelay_SendFailureIsSwallowed(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	sender := &fakeSender{err: errors.New("connection closed")}
	relay := NewRelay(e, sender, zap.NewNop())

	report(t, e, "c-b", rep("b", lat30South, 21, 0))
	assert.False(t, relay.Forward(rep("a", 45, 21, 0), "b"))
}

func TestRoundDistance(t *testing.T) {
	assert.Equal(t, 12.35, RoundDistance(12.3456))
	assert.Equal(t, 0.0, RoundDistance(0.001))
	assert.Equal(t, 100.0, RoundDistance(99.999))
}
