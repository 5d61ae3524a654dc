package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"campus-chat/internal/models"
	"campus-chat/internal/observability"
)

// State is the connectivity of the duplex channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Client.
type Options struct {
	URL            string
	Header         http.Header
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendBuffer     int
	Now            func() time.Time
}

func (o *Options) withDefaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Client maintains a single websocket connection to the relay and hands
// every inbound frame, normalized, to the registered handler.
type Client struct {
	opts       Options
	dialer     *websocket.Dialer
	normalizer *Normalizer
	log        zerolog.Logger

	mu          sync.Mutex
	send        chan []byte
	state       State
	onEnvelope  func(models.Envelope)
	onState     func(State)
	onReconnect func()
}

// NewClient builds a Client. Nothing is dialed until Run.
func NewClient(opts Options, log zerolog.Logger) *Client {
	opts.withDefaults()
	return &Client{
		opts:       opts,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		normalizer: NewNormalizer(opts.Now),
		log:        log.With().Str("component", "signaling").Logger(),
	}
}

// OnEnvelope registers the inbound handler. Frames are delivered in arrival order.
func (c *Client) OnEnvelope(fn func(models.Envelope)) {
	c.mu.Lock()
	c.onEnvelope = fn
	c.mu.Unlock()
}

// OnStateChange registers a connectivity indicator callback.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnReconnect registers a hook run after every successful re-dial. Frames
// queued on the previous connection are not replayed.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// State reports current connectivity.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send encodes v as JSON and queues it on the open connection.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.SendRaw(payload)
}

// SendRaw queues an already encoded frame.
func (c *Client) SendRaw(payload []byte) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- payload:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrTransport)
	}
}

// Run dials and keeps the connection alive until ctx is done, re-dialing
// with exponential backoff after every loss.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	connected := false
	for {
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err == nil {
			bo.Reset()
			err = c.serve(ctx, conn, connected)
			connected = true
		}
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		observability.IncSignalingReconnect()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn, reconnected bool) error {
	send := make(chan []byte, c.opts.SendBuffer)
	c.mu.Lock()
	c.send = send
	hook := c.onReconnect
	c.mu.Unlock()
	c.setState(StateConnected)

	connCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 2)
	go func() { errCh <- c.writePump(connCtx, conn, send) }()
	go func() { errCh <- c.readPump(conn) }()

	if reconnected && hook != nil {
		hook()
	}

	err := <-errCh
	cancel()
	conn.Close()
	<-errCh

	c.mu.Lock()
	if c.send == send {
		c.send = nil
	}
	c.mu.Unlock()
	if dropped := len(send); dropped > 0 {
		c.log.Warn().Int("dropped", dropped).Msg("discarded unsent frames")
	}
	return err
}

func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Error().Err(err).Msg("websocket read failed")
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		c.dispatch(raw)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
		}
	}
}

// dispatch never lets a bad frame or a panicking handler take the channel down.
func (c *Client) dispatch(raw []byte) {
	env, err := c.normalizer.Normalize(raw)
	if err != nil {
		observability.IncSignalingFrame("malformed")
		c.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping frame")
		return
	}
	observability.IncSignalingFrame(string(env.Kind))

	c.mu.Lock()
	fn := c.onEnvelope
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("type", env.Type).Msg("frame handler panicked")
		}
	}()
	fn(env)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if !changed {
		return
	}
	observability.SetSignalingConnected(s == StateConnected)
	if fn != nil {
		fn(s)
	}
}

// IsTransport reports whether err came from the duplex connection.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
