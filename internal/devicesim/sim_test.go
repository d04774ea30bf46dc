package devicesim

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/protocol"
)

// fakeServer acknowledges each connection and answers every report with a
// pairing.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			ack, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: "c-1"})
			if err := wsutil.WriteServerText(conn, ack); err != nil {
				return
			}
			for {
				if _, err := wsutil.ReadClientText(conn); err != nil {
					return
				}
				reply, _ := protocol.NewServerMessage(protocol.TypePaired, protocol.PairedMsg{
					PairingData: protocol.PairingData{DeviceID: "peer", Distance: 12.5},
					APITime:     1,
				})
				if err := wsutil.WriteServerText(conn, reply); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientHandshake(t *testing.T) {
	srv := fakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan string, 1)
	c.On(protocol.TypePaired, func(raw json.RawMessage) {
		got <- string(raw)
	})
	c.Start()

	id, err := c.WaitConnected(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)

	w := &Walker{DeviceID: "a", Position: orb.Point{1, 1}}
	require.NoError(t, c.Send(w.Report()))

	select {
	case raw := <-got:
		assert.Contains(t, raw, `"device_id":"peer"`)
	case <-ctx.Done():
		t.Fatal("no paired message")
	}
}

// batchConn collects writes so the handshake response and the first frame
// reach the client in a single write.
type batchConn struct {
	net.Conn
	buf bytes.Buffer
}

func (b *batchConn) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func TestClientReadsFrameBufferedWithHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		bc := &batchConn{Conn: conn}
		if _, err := ws.Upgrade(bc); err != nil {
			return
		}
		ack, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: "c-9"})
		if err := wsutil.WriteServerText(bc, ack); err != nil {
			return
		}
		if _, err := conn.Write(bc.buf.Bytes()); err != nil {
			return
		}
		// Hold the connection open until the client hangs up.
		_, _ = io.Copy(io.Discard, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws://"+ln.Addr().String()+"/ws")
	require.NoError(t, err)
	defer c.Close()
	c.Start()

	id, err := c.WaitConnected(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c-9", id)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestRunRecordsOutcomes(t *testing.T) {
	srv := fakeServer(t)
	walkers := Convoy("sim", orb.Point{0, 0}, 2, 10, 0, 1)
	collector := NewCollector()

	Run(context.Background(), walkers, Options{
		URL:      wsURL(srv),
		Interval: 20 * time.Millisecond,
		Duration: 300 * time.Millisecond,
	}, collector, zap.NewNop())

	assert.Greater(t, collector.Received(protocol.TypePaired), 0)

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.Equal(t, 2, collector.connections)
	assert.Zero(t, collector.errors)
	assert.Len(t, collector.firstPair, 2)
	assert.Greater(t, collector.reportsSent, 2)
	// Walkers moved while reporting.
	assert.Greater(t, len(walkers[0].path), 1)
}
