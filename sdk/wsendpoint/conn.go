// Package wsendpoint carries bridge traffic over a websocket. The accepting
// side assigns every peer a target id during a register handshake so that
// scoped broadcasts can address it.
package wsendpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/endpoint"
)

const (
	typeRegister = "register"
	typeWelcome  = "welcome"

	handshakeTimeout = 10 * time.Second
	maxMessage       = 16 << 20
)

// Hello is exchanged once in each direction when a connection opens.
type Hello struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	TargetID int64  `json:"target_id,omitempty"`
}

// Options tunes a connection.
type Options struct {
	// Heartbeat is the ping interval; zero disables pings.
	Heartbeat time.Duration
	// WriteTimeout bounds each frame write. Defaults to 10s.
	WriteTimeout time.Duration
	// Queue is the outbound buffer size. Defaults to 256.
	Queue int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Queue <= 0 {
		o.Queue = 256
	}
	return o
}

// Conn is an endpoint.Endpoint over a websocket.
type Conn struct {
	ws        *websocket.Conn
	name      string
	target    int64
	hasTarget bool
	opts      Options
	log       zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConn(ws *websocket.Conn, name string, target int64, hasTarget bool, opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:        ws,
		name:      name,
		target:    target,
		hasTarget: hasTarget,
		opts:      opts,
		log:       logx.Log.With().Str("endpoint", name).Logger(),
		send:      make(chan []byte, opts.Queue),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	ws.SetReadLimit(maxMessage)
	go c.writeLoop()
	if opts.Heartbeat > 0 {
		go c.pingLoop()
	}
	return c
}

// AcceptOptions configures Accept.
type AcceptOptions struct {
	Options
	// OriginPatterns lists the browser origins allowed to connect.
	OriginPatterns []string
	// NextTarget assigns the target id of the accepted peer.
	NextTarget func() int64
	// ServerName is sent back in the welcome message.
	ServerName string
}

// Accept upgrades an HTTP request and completes the register handshake.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		return nil, fmt.Errorf("ws accept: %w", err)
	}
	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	var hello Hello
	if err := wsjson.Read(ctx, ws, &hello); err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected register")
		return nil, fmt.Errorf("ws read register: %w", err)
	}
	if hello.Type != typeRegister {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected register")
		return nil, fmt.Errorf("ws invalid first message %q", hello.Type)
	}
	name := hello.Name
	if name == "" {
		name = strings.Split(r.RemoteAddr, ":")[0]
	}
	var target int64
	if opts.NextTarget != nil {
		target = opts.NextTarget()
	}
	if err := wsjson.Write(ctx, ws, Hello{Type: typeWelcome, Name: opts.ServerName, TargetID: target}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("ws write welcome: %w", err)
	}
	return newConn(ws, name, target, opts.NextTarget != nil, opts.Options), nil
}

// Dial connects to a coordinator and registers as name. The returned Conn
// reports the target id assigned by the coordinator through Assigned.
func Dial(ctx context.Context, url, name string, opts Options) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := wsjson.Write(hctx, ws, Hello{Type: typeRegister, Name: name}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("ws write register: %w", err)
	}
	var welcome Hello
	if err := wsjson.Read(hctx, ws, &welcome); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("ws read welcome: %w", err)
	}
	if welcome.Type != typeWelcome {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected welcome")
		return nil, fmt.Errorf("ws invalid welcome %q", welcome.Type)
	}
	peer := welcome.Name
	if peer == "" {
		peer = url
	}
	// The coordinator is not a scoped target from the peer's side.
	return newConn(ws, peer, welcome.TargetID, false, opts), nil
}

// Name implements endpoint.Named.
func (c *Conn) Name() string { return c.name }

// TargetID implements endpoint.Targeted.
func (c *Conn) TargetID() (int64, bool) { return c.target, c.hasTarget }

// Assigned returns the target id carried by the handshake.
func (c *Conn) Assigned() int64 { return c.target }

// Send queues msg for the writer goroutine.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return endpoint.ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return endpoint.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive reads the next frame. A normal closure by the peer is reported
// as endpoint.ErrClosed.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err == nil {
		return data, nil
	}
	defer c.Close()
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		lvl := c.log.Info()
		if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway {
			lvl = c.log.Warn()
		}
		lvl.Str("reason", ce.Reason).Int("code", int(ce.Code)).Msg("disconnected")
		if ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway {
			return nil, endpoint.ErrClosed
		}
		return nil, err
	}
	select {
	case <-c.done:
		return nil, endpoint.ErrClosed
	default:
	}
	c.log.Debug().Err(err).Msg("disconnected")
	return nil, err
}

// Close closes the websocket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "closing")
	})
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("ws write")
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.Heartbeat)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("ws ping")
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

var (
	_ endpoint.Endpoint = (*Conn)(nil)
	_ endpoint.Targeted = (*Conn)(nil)
	_ endpoint.Named    = (*Conn)(nil)
)
