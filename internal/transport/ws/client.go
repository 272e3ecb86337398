// Package ws is the physical upstream adapter: it keeps one websocket session
// toward the venue, frames pipeline messages on the wire, and surfaces
// connection lifecycle transitions back into the outbound path.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultControlRate      = 5
	defaultControlBurst     = 10
	writeTimeout            = 5 * time.Second
	maxDialInterval         = 2 * time.Second
	readLimit               = 2 * 1024 * 1024
)

// Config tunes the websocket client.
type Config struct {
	Endpoint         string
	HandshakeTimeout time.Duration
	// ControlRate caps outbound frames per second; ControlBurst is the
	// token bucket size.
	ControlRate  float64
	ControlBurst int
}

func (cfg Config) withDefaults() Config {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = defaultControlRate
	}
	if cfg.ControlBurst <= 0 {
		cfg.ControlBurst = defaultControlBurst
	}
	return cfg
}

// Client owns the upstream websocket session. It implements the pipeline sink:
// Connect and Disconnect requests drive the physical socket, everything else
// is framed and written. Frames read from the socket are handed to the
// deliver callback, which feeds the chain's outbound path.
type Client struct {
	cfg     Config
	log     observability.Logger
	deliver func(schema.Message)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	session string
	closing bool

	limiter *rate.Limiter
	readers conc.WaitGroup
}

// NewClient builds a client for the given endpoint. deliver receives every
// message read from the socket plus the lifecycle acknowledgements.
func NewClient(cfg Config, log observability.Logger, deliver func(schema.Message)) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		log:     log,
		deliver: deliver,
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
	}
}

// Session returns the id of the current websocket session, or empty when
// disconnected.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Stop tears the session down and waits for the reader to exit.
func (c *Client) Stop() {
	c.cancel()
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.session = ""
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	c.readers.Wait()
}

// SendDown implements pipeline.Sink.
func (c *Client) SendDown(msg schema.Message) error {
	switch msg.(type) {
	case *schema.ConnectMessage:
		go c.connect()
		return nil
	case *schema.DisconnectMessage:
		c.disconnect()
		return nil
	default:
		return c.write(msg)
	}
}

// connect dials the endpoint, retrying transient failures within the
// handshake window, and reports the outcome as a Connect acknowledgement.
func (c *Client) connect() {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		c.deliver(&schema.ConnectMessage{Err: errs.New("transport.ws", errs.CodeConnection,
			errs.WithMessage("dial upstream"), errs.WithCause(err))})
		return
	}

	conn.SetReadLimit(readLimit)
	session := uuid.NewString()

	c.mu.Lock()
	if c.conn != nil {
		prev := c.conn
		c.mu.Unlock()
		_ = prev.Close(websocket.StatusNormalClosure, "superseded")
		c.mu.Lock()
	}
	c.conn = conn
	c.session = session
	c.closing = false
	c.mu.Unlock()

	c.log.Info("websocket connected",
		observability.Field{Key: "endpoint", Value: c.cfg.Endpoint},
		observability.Field{Key: "session", Value: session})

	c.readers.Go(func() { c.readLoop(conn, session) })
	c.deliver(&schema.ConnectMessage{})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxDialInterval

	for {
		conn, _, err := websocket.Dial(ctx, c.cfg.Endpoint, nil)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxDialInterval
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
		case <-time.After(sleep):
		}
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.session = ""
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.deliver(&schema.DisconnectMessage{})
}

// write frames the message and sends it, pacing outbound frames through the
// rate limiter.
func (c *Client) write(msg schema.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.limiter.Wait(writeCtx); err != nil {
		return errs.New("transport.ws", errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("pacing %s frame", msg.Type())), errs.WithCause(err))
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.New("transport.ws", errs.CodeConnection,
			errs.WithMessage("not connected"))
	}

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("transport.ws", errs.CodeConnection,
			errs.WithMessage(fmt.Sprintf("write %s frame", msg.Type())), errs.WithCause(err))
	}

	observability.Telemetry().IncCounter("connector_ws_frames_sent_total", 1,
		map[string]string{"type": string(msg.Type())})
	return nil
}

// readLoop reads frames until the socket closes. A close that was not locally
// requested is surfaced as ConnectionLost.
func (c *Client) readLoop(conn *websocket.Conn, session string) {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			c.onReadError(conn, session, err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		msg, derr := Decode(data)
		if derr != nil {
			c.log.Warn("discarding malformed frame",
				observability.Field{Key: "session", Value: session},
				observability.Field{Key: "error", Value: derr.Error()})
			continue
		}

		observability.Telemetry().IncCounter("connector_ws_frames_received_total", 1,
			map[string]string{"type": string(msg.Type())})
		c.deliver(msg)
	}
}

func (c *Client) onReadError(conn *websocket.Conn, session string, err error) {
	c.mu.Lock()
	local := c.closing || c.conn != conn
	if c.conn == conn {
		c.conn = nil
		c.session = ""
	}
	c.mu.Unlock()

	if local || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return
	}

	if status := websocket.CloseStatus(err); status != -1 {
		c.log.Warn("websocket closed by remote",
			observability.Field{Key: "session", Value: session},
			observability.Field{Key: "status", Value: int(status)})
	} else {
		c.log.Warn("websocket read failed",
			observability.Field{Key: "session", Value: session},
			observability.Field{Key: "error", Value: err.Error()})
	}

	c.deliver(&schema.ConnectionLostMessage{})
}
