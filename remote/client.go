// Package remote keeps a websocket channel to a control plane that can trigger
// runs on this host.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/server"
)

// ErrAuth is returned when the control plane rejects the API key.
var ErrAuth = errors.New("authentication rejected")

// Dispatcher executes run requests received over the channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, req server.Request) (*pipeline.Result, error)
}

// Config configures a Client. Zero durations take defaults.
type Config struct {
	URL              string
	APIKey           string
	Name             string
	Capabilities     []string
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(60*time.Second, c.MinBackoff)
	}
}

// Client maintains the channel and reconnects with capped exponential backoff.
type Client struct {
	cfg      Config
	dispatch Dispatcher
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu    sync.RWMutex
	appID string
}

// New creates a Client. The API key is never logged.
func New(cfg Config, d Dispatcher, logger *zap.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		dispatch: d,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   logger.Named("remote"),
	}
}

// AppID returns the identifier assigned at the last registration.
func (c *Client) AppID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appID
}

// Run connects and serves until ctx is cancelled. Lost connections and
// failed attempts are retried after a delay that doubles up to MaxBackoff and
// resets once a connection registers.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.MinBackoff
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Remote channel shutting down")
			return nil
		}
		if registered {
			delay = c.cfg.MinBackoff
		}
		fields := []zap.Field{zap.Duration("retry_in", delay)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		c.logger.Warn("Remote channel disconnected", fields...)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.logger.Info("Remote channel shutting down")
			return nil
		case <-t.C:
		}
		delay = min(delay*2, c.cfg.MaxBackoff)
	}
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(msgType, requestID string, payload any) error {
	msg := Message{Type: msgType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload failed: %w", err)
		}
		msg.Payload = raw
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) read() (Message, error) {
	var msg Message
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

// session runs one connection. It reports whether registration succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}
	cn := &conn{ws: ws}

	sessCtx, cancel := context.WithCancel(ctx)
	var runs sync.WaitGroup
	defer func() {
		cancel()
		runs.Wait()
		_ = ws.Close()
	}()
	stop := context.AfterFunc(sessCtx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()

	if err := c.handshake(cn); err != nil {
		return false, err
	}
	c.logger.Info("Remote channel registered", zap.String("app_id", c.AppID()), zap.String("name", c.cfg.Name))

	readWait := 2 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})
	go c.pingPump(sessCtx, ws)

	for {
		msg, err := cn.read()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read failed: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		c.handle(sessCtx, cn, &runs, msg)
	}
}

func (c *Client) handshake(cn *conn) error {
	_ = cn.ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := cn.send(MsgTypeAuth, "", AuthPayload{APIKey: c.cfg.APIKey}); err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}
	msg, err := cn.read()
	if err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}
	switch msg.Type {
	case MsgTypeAuthOK:
	case MsgTypeAuthError:
		var p AuthErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		return fmt.Errorf("%w: %s", ErrAuth, p.Error)
	default:
		return fmt.Errorf("auth failed: unexpected %q message", msg.Type)
	}

	if err := cn.send(MsgTypeRegister, "", RegisterPayload{Name: c.cfg.Name, Capabilities: c.cfg.Capabilities}); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	msg, err = cn.read()
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	if msg.Type != MsgTypeRegistered {
		return fmt.Errorf("register failed: unexpected %q message", msg.Type)
	}
	var p RegisteredPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	c.mu.Lock()
	c.appID = p.AppID
	c.mu.Unlock()
	return nil
}

func (c *Client) handle(ctx context.Context, cn *conn, runs *sync.WaitGroup, msg Message) {
	switch msg.Type {
	case MsgTypeRun:
		var req server.Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.reply(cn, MsgTypeError, msg.RequestID, ErrorPayload{Message: fmt.Sprintf("invalid run payload: %v", err)})
			return
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			c.logger.Info("Remote run requested", zap.String("request_id", msg.RequestID), zap.String("pipeline", req.Pipeline))
			res, err := c.dispatch.Dispatch(ctx, req)
			if err != nil {
				c.reply(cn, MsgTypeError, msg.RequestID, ErrorPayload{Message: err.Error()})
				return
			}
			c.reply(cn, MsgTypeResult, msg.RequestID, res)
		}()
	case MsgTypeError:
		var p ErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		c.logger.Warn("Control plane error", zap.String("message", p.Message))
	default:
		c.logger.Debug("Ignoring message", zap.String("type", msg.Type))
	}
}

func (c *Client) reply(cn *conn, msgType, requestID string, payload any) {
	if err := cn.send(msgType, requestID, payload); err != nil {
		c.logger.Warn("Failed to send reply", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (c *Client) pingPump(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}
