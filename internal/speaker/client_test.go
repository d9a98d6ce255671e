package speaker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/flowping/internal/batch"
	"github.com/yuuki/flowping/internal/model"
)

const switchA = "00:00:00:00:00:00:00:0a"

// gateway is an in-process speaker gateway
type gateway struct {
	server   *httptest.Server
	received chan Frame
	conns    chan *websocket.Conn
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{
		received: make(chan Frame, 16),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			g.received <- frame
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []*batch.Message
}

func (r *replyRecorder) HandleReply(_ model.DeviceID, msg *batch.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, msg)
	return true
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func connect(t *testing.T, g *gateway) (*Client, *websocket.Conn) {
	t.Helper()
	client := NewClient(g.url())
	client.retryDelay = 50 * time.Millisecond
	client.Start()
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitConnected(ctx))

	select {
	case conn := <-g.conns:
		return client, conn
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not accept the connection")
	}
	return nil, nil
}

func announce(t *testing.T, conn *websocket.Conn, active bool) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Frame{
		Type:      FrameDeviceStatus,
		Dpid:      switchA,
		Version:   batch.ProtocolVersion13,
		LatencyNs: int64(2 * time.Millisecond),
		Active:    active,
	}))
}

func TestDeviceStatusUpdatesTable(t *testing.T) {
	g := newGateway(t)
	client, conn := connect(t, g)

	_, err := client.LookupDevice(switchA)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	announce(t, conn, true)
	require.Eventually(t, func() bool {
		_, err := client.LookupDevice(switchA)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	dev, err := client.LookupDevice(switchA)
	require.NoError(t, err)
	assert.Equal(t, batch.ProtocolVersion13, dev.ProtocolVersion())
	assert.Equal(t, 2*time.Millisecond, dev.Latency())
	assert.Equal(t, []model.DeviceID{switchA}, client.Devices())

	announce(t, conn, false)
	require.Eventually(t, func() bool {
		_, err := client.LookupDevice(switchA)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBatchThroughGateway(t *testing.T) {
	g := newGateway(t)
	client, conn := connect(t, g)
	service := batch.NewService(client, nil, time.Minute)
	client.OnReply(service)

	announce(t, conn, true)
	require.Eventually(t, func() bool {
		_, err := client.LookupDevice(switchA)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	dev, err := client.LookupDevice(switchA)
	require.NoError(t, err)
	done := make(chan bool, 1)
	receiver := receiverFunc(func(_ []*batch.PendingCommand, isError bool) { done <- isError })
	require.NoError(t, service.Push(receiver, []*batch.PendingCommand{
		batch.NewPendingCommand(switchA, &batch.Message{Xid: dev.NextXid(), Type: batch.TypePacketOut, Data: []byte{1, 2}}),
	}))

	packetOut := <-g.received
	assert.Equal(t, "packet_out", packetOut.Type)
	assert.Equal(t, []byte{1, 2}, packetOut.Data)
	barrier := <-g.received
	assert.Equal(t, "barrier_request", barrier.Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: "barrier_reply", Dpid: switchA, Xid: barrier.Xid}))
	select {
	case isError := <-done:
		assert.False(t, isError)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
	}
}

type receiverFunc func([]*batch.PendingCommand, bool)

func (f receiverFunc) IOComplete(payload []*batch.PendingCommand, isError bool) { f(payload, isError) }

func TestPacketInAndReplies(t *testing.T) {
	g := newGateway(t)
	client, conn := connect(t, g)
	replies := &replyRecorder{}
	client.OnReply(replies)
	caught := make(chan []byte, 1)
	client.OnPacketIn(func(dev batch.Device, frame []byte) {
		assert.Equal(t, model.DeviceID(switchA), dev.ID())
		caught <- frame
	})

	// packet-in from an unannounced device is dropped
	require.NoError(t, conn.WriteJSON(Frame{Type: "packet_in", Dpid: switchA, Data: []byte("lost")}))
	announce(t, conn, true)
	require.NoError(t, conn.WriteJSON(Frame{Type: "packet_in", Dpid: switchA, Data: []byte("ping")}))
	require.NoError(t, conn.WriteJSON(Frame{Type: "echo_reply", Dpid: switchA, Xid: 7}))
	require.NoError(t, conn.WriteJSON(Frame{Type: "bogus", Dpid: switchA}))

	select {
	case frame := <-caught:
		assert.Equal(t, []byte("ping"), frame)
	case <-time.After(5 * time.Second):
		t.Fatal("packet-in not delivered")
	}
	require.Eventually(t, func() bool { return replies.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestWriteWithoutConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/speaker")
	err := client.write(Frame{Type: "packet_out"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, client.Close())
}

func TestReconnectDropsDevices(t *testing.T) {
	g := newGateway(t)
	client, conn := connect(t, g)
	announce(t, conn, true)
	require.Eventually(t, func() bool { return len(client.Devices()) == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return len(client.Devices()) == 0 }, 5*time.Second, 10*time.Millisecond)

	select {
	case <-g.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
}

func TestXidsSurviveReconnect(t *testing.T) {
	g := newGateway(t)
	client, conn := connect(t, g)
	announce(t, conn, true)
	require.Eventually(t, func() bool { return len(client.Devices()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dev, err := client.LookupDevice(switchA)
	require.NoError(t, err)
	before := []uint32{dev.NextXid(), dev.BarrierRequest().Xid}

	conn.Close()
	var reconnected *websocket.Conn
	select {
	case reconnected = <-g.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	announce(t, reconnected, true)
	require.Eventually(t, func() bool { return len(client.Devices()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dev, err = client.LookupDevice(switchA)
	require.NoError(t, err)
	after := dev.NextXid()
	for _, xid := range before {
		assert.Greater(t, after, xid, "xid reused after reconnect")
	}
}

func TestCloseDuringReconnect(t *testing.T) {
	for i := 0; i < 20; i++ {
		g := newGateway(t)
		client := NewClient(g.url())
		client.retryDelay = time.Millisecond
		client.Start()

		// the gateway drops every connection so the client keeps redialing
		go func() {
			for conn := range g.conns {
				conn.Close()
			}
		}()
		time.Sleep(time.Duration(i) * time.Millisecond)

		closed := make(chan struct{})
		go func() {
			client.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatalf("Close hung on iteration %d", i)
		}
	}
}
