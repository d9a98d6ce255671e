package speaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/batch"
	"github.com/yuuki/flowping/internal/model"
	"go.uber.org/multierr"
)

var (
	// ErrNotConnected is returned by writes while the gateway connection is down
	ErrNotConnected = errors.New("speaker gateway is not connected")
	// ErrUnknownDevice is returned for devices the gateway did not announce
	ErrUnknownDevice = errors.New("device is not connected")
)

const (
	defaultRetryDelay   = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ReplyHandler receives device replies that may complete a batch
type ReplyHandler interface {
	HandleReply(device model.DeviceID, msg *batch.Message) bool
}

// PacketInHandler receives frames punted to the controller by a device
type PacketInHandler func(device batch.Device, frame []byte)

// Client keeps one websocket connection to the speaker gateway and
// exposes the switches behind it as batch devices.
type Client struct {
	endpoint     string
	dialer       *websocket.Dialer
	retryDelay   time.Duration
	writeTimeout time.Duration

	replies  ReplyHandler
	packetIn PacketInHandler

	connMu sync.Mutex
	conn   *websocket.Conn

	devicesMu sync.RWMutex
	devices   map[model.DeviceID]*device

	// xids are unique for the lifetime of the client, across reconnects
	xid atomic.Uint32

	dialCtx    context.Context
	cancelDial context.CancelFunc
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	connected  chan struct{}
	readyOnce  sync.Once
}

// NewClient creates a client for the gateway at endpoint (ws:// or wss://)
func NewClient(endpoint string) *Client {
	dialCtx, cancelDial := context.WithCancel(context.Background())
	return &Client{
		dialCtx:      dialCtx,
		cancelDial:   cancelDial,
		endpoint:     endpoint,
		dialer:       websocket.DefaultDialer,
		retryDelay:   defaultRetryDelay,
		writeTimeout: defaultWriteTimeout,
		devices:      make(map[model.DeviceID]*device),
		stopCh:       make(chan struct{}),
		connected:    make(chan struct{}),
	}
}

// OnReply sets the handler for barrier replies, errors and echo replies
func (c *Client) OnReply(handler ReplyHandler) {
	c.replies = handler
}

// OnPacketIn sets the handler for packet-in frames
func (c *Client) OnPacketIn(handler PacketInHandler) {
	c.packetIn = handler
}

// Start connects in the background and keeps reconnecting until Close
func (c *Client) Start() {
	c.wg.Add(1)
	go c.loop()
}

// WaitConnected blocks until the first connection is up
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) loop() {
	defer c.wg.Done()
	for {
		conn, resp, err := c.dialer.DialContext(c.dialCtx, c.endpoint, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			log.Warn().Err(err).Str("endpoint", c.endpoint).Int("status", status).Msg("Failed to dial speaker gateway")
			if !c.sleep(c.retryDelay) {
				return
			}
			continue
		}

		// Close checks conn under the same lock, so one side always closes it
		c.connMu.Lock()
		select {
		case <-c.stopCh:
			c.connMu.Unlock()
			conn.Close()
			return
		default:
		}
		c.conn = conn
		c.connMu.Unlock()
		c.readyOnce.Do(func() { close(c.connected) })
		log.Info().Str("endpoint", c.endpoint).Msg("Connected to speaker gateway")

		c.readLoop(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
		c.dropDevices()

		select {
		case <-c.stopCh:
			return
		default:
		}
		log.Warn().Dur("retry_in", c.retryDelay).Msg("Speaker gateway disconnected")
		if !c.sleep(c.retryDelay) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Speaker read failed")
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	id := model.DeviceID(frame.Dpid)
	if frame.Type == FrameDeviceStatus {
		c.updateDevice(frame)
		return
	}

	msgType, err := batch.ParseMessageType(frame.Type)
	if err != nil {
		log.Warn().Str("type", frame.Type).Str("dpid", frame.Dpid).Msg("Dropping unknown speaker frame")
		return
	}

	switch msgType {
	case batch.TypeBarrierReply, batch.TypeError, batch.TypeEchoReply:
		if c.replies == nil {
			return
		}
		msg := &batch.Message{Xid: frame.Xid, Type: msgType, Data: frame.Data}
		if !c.replies.HandleReply(id, msg) {
			log.Trace().Str("dpid", frame.Dpid).Uint32("xid", frame.Xid).Msg("Reply does not belong to any batch")
		}
	case batch.TypePacketIn:
		dev, err := c.LookupDevice(id)
		if err != nil {
			log.Debug().Str("dpid", frame.Dpid).Msg("Packet-in from unknown device")
			return
		}
		if c.packetIn != nil {
			c.packetIn(dev, frame.Data)
		}
	default:
		log.Warn().Str("type", frame.Type).Str("dpid", frame.Dpid).Msg("Unexpected frame from speaker gateway")
	}
}

func (c *Client) updateDevice(frame Frame) {
	id := model.DeviceID(frame.Dpid)
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()

	if !frame.Active {
		delete(c.devices, id)
		log.Info().Str("dpid", frame.Dpid).Msg("Device disconnected")
		return
	}
	dev, ok := c.devices[id]
	if !ok {
		dev = &device{client: c, id: id}
		c.devices[id] = dev
		log.Info().Str("dpid", frame.Dpid).Uint8("version", frame.Version).Msg("Device connected")
	}
	dev.version.Store(uint32(frame.Version))
	dev.latency.Store(int64(frame.latency()))
}

func (c *Client) dropDevices() {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	c.devices = make(map[model.DeviceID]*device)
}

// LookupDevice returns a connected device
func (c *Client) LookupDevice(id model.DeviceID) (batch.Device, error) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	dev, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return dev, nil
}

// Devices returns the ids of every connected device
func (c *Client) Devices() []model.DeviceID {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	ids := make([]model.DeviceID, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) write(frame Frame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close stops reconnecting and closes the connection
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cancelDial()

		c.connMu.Lock()
		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			err = multierr.Append(err, c.conn.WriteControl(websocket.CloseMessage, msg, deadline))
			err = multierr.Append(err, c.conn.Close())
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	return err
}

// device is a switch reachable through the gateway
type device struct {
	client  *Client
	id      model.DeviceID
	version atomic.Uint32
	latency atomic.Int64
}

func (d *device) ID() model.DeviceID {
	return d.id
}

func (d *device) Write(msg *batch.Message) error {
	return d.client.write(messageFrame(string(d.id), msg))
}

func (d *device) NextXid() uint32 {
	return d.client.xid.Add(1)
}

func (d *device) BarrierRequest() *batch.Message {
	return &batch.Message{Xid: d.NextXid(), Type: batch.TypeBarrierRequest}
}

func (d *device) ProtocolVersion() uint8 {
	return uint8(d.version.Load())
}

func (d *device) Latency() time.Duration {
	return time.Duration(d.latency.Load())
}
