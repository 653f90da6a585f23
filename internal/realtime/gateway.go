// Package realtime serves the WebSocket endpoint that starts, stops and
// relays live log streams for an authenticated client.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/auth"
	"github.com/bodyast/logManager/internal/logging"
	"github.com/bodyast/logManager/internal/logstream"
	"github.com/bodyast/logManager/internal/sshlogs"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// maxQueuedFrames bounds a client's outbox; a client that falls this far
	// behind is disconnected.
	maxQueuedFrames = 4096
	maxMessageSize  = 64 * 1024

	closeTooSlow = 4008
)

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ResolveFunc loads a log path target and checks ownership.
type ResolveFunc func(userID, logPathID uint) (logstream.Target, error)

// Gateway is an http.Handler for the log stream WebSocket.
type Gateway struct {
	registry *logstream.Registry
	verifier TokenVerifier
	resolve  ResolveFunc
	origins  []string
	logger   *zap.Logger

	clients atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Gateway)

// WithResolver replaces logstream.Resolve.
func WithResolver(fn ResolveFunc) Option {
	return func(g *Gateway) { g.resolve = fn }
}

// WithOriginPatterns sets the origins accepted for cross-origin upgrades.
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) { g.origins = patterns }
}

func New(registry *logstream.Registry, verifier TokenVerifier, logger *zap.Logger, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry: registry,
		verifier: verifier,
		resolve:  logstream.Resolve,
		logger:   logging.Or(logger).Named("realtime"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Close disconnects every client and refuses new ones. It does not wait for
// the clients' handlers to return.
func (g *Gateway) Close() {
	g.cancel()
}

// Clients returns the number of connected clients.
func (g *Gateway) Clients() int {
	return int(g.clients.Load())
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, apperr.KindInternal, "server is shutting down")
		return
	}
	claims, err := g.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, apperr.KindAuthentication, apperr.Message(err))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.origins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	c := &client{
		id:     uuid.NewString(),
		userID: claims.UserID,
		gw:     g,
		out:    newOutbox(maxQueuedFrames),
		gens:   make(map[uint]uint64),
	}
	g.clients.Add(1)
	defer g.clients.Add(-1)
	g.logger.Info("client connected", zap.String("client", c.id), zap.Uint("user", c.userID))

	ctx, cancel := context.WithCancel(r.Context())
	c.cancel = cancel
	stopOnClose := context.AfterFunc(g.ctx, cancel)
	defer stopOnClose()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, conn)
	}()

	c.readLoop(ctx, conn)
	cancel()
	swept := g.registry.Sweep(c.id)
	wg.Wait()

	if c.tooSlow.Load() {
		conn.Close(closeTooSlow, "client too slow")
	} else {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	g.logger.Info("client disconnected", zap.String("client", c.id), zap.Int("sessions_stopped", swept))
}

func writeError(w http.ResponseWriter, status int, kind apperr.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"kind":    string(kind),
		"message": msg,
	})
}

type client struct {
	id     string
	userID uint
	gw     *Gateway
	out    *outbox
	cancel context.CancelFunc

	tooSlow atomic.Bool

	mu   sync.Mutex
	gens map[uint]uint64
}

func (c *client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError(0, "malformed message")
			continue
		}
		var req streamRequest
		switch f.Event {
		case EventStartLogStream, EventStopLogStream:
			if err := json.Unmarshal(f.Data, &req); err != nil || req.LogPathID == 0 {
				c.sendError(0, "logPathId is required")
				continue
			}
		default:
			c.sendError(0, "unknown event "+logging.Sanitize(f.Event))
			continue
		}
		if f.Event == EventStartLogStream {
			c.start(ctx, uint(req.LogPathID))
		} else {
			c.stop(uint(req.LogPathID))
		}
	}
}

func (c *client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.out.notify:
		}
		for _, f := range c.out.drain() {
			if f.session && !c.isCurrent(f.logPathID, f.gen) {
				continue
			}
			msg, err := encodeFrame(f.event, f.data)
			if err != nil {
				c.gw.logger.Error("encode frame", zap.String("event", f.event), zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// bump starts a new generation for logPathID, invalidating queued frames of
// the previous one.
func (c *client) bump(logPathID uint) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[logPathID]++
	return c.gens[logPathID]
}

func (c *client) isCurrent(logPathID uint, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[logPathID] == gen
}

func (c *client) push(f outFrame) {
	if !c.out.push(f) {
		if c.tooSlow.CompareAndSwap(false, true) {
			c.gw.logger.Warn("client outbox overflow, disconnecting", zap.String("client", c.id))
		}
		c.cancel()
	}
}

func (c *client) sendError(logPathID uint, msg string) {
	c.push(outFrame{event: EventError, data: messagePayload{Message: msg, LogPathID: logPathID}})
}

func (c *client) start(ctx context.Context, logPathID uint) {
	target, err := c.gw.resolve(c.userID, logPathID)
	if err != nil {
		c.sendError(logPathID, apperr.Message(err))
		return
	}

	gen := c.bump(logPathID)
	key := logstream.Key{ClientID: c.id, LogPathID: logPathID}
	sink := c.sink(logPathID, gen, target)

	// Reserve in arrival order; only the connect runs outside the read loop,
	// so a later start or stop for the same path always finds this attempt.
	res := c.gw.registry.Reserve(ctx, key)
	go func() {
		_, err := res.Open(target, sink)
		if err == nil || errors.Is(err, logstream.ErrSuperseded) {
			return
		}
		c.gw.logger.Info("stream start failed",
			zap.String("client", c.id), zap.Uint("log_path", logPathID), zap.Error(err))
		c.push(outFrame{
			event:     EventError,
			data:      messagePayload{Message: apperr.Message(err), LogPathID: logPathID},
			logPathID: logPathID,
			gen:       gen,
			session:   true,
		})
	}()
}

func (c *client) stop(logPathID uint) {
	c.bump(logPathID)
	c.gw.registry.Stop(logstream.Key{ClientID: c.id, LogPathID: logPathID})
	c.push(outFrame{
		event: EventStreamStopped,
		data:  messagePayload{Message: "log stream stopped", LogPathID: logPathID},
	})
}

// sink translates stream events into frames of one session generation.
func (c *client) sink(logPathID uint, gen uint64, target logstream.Target) sshlogs.Sink {
	frame := func(event string, data any) outFrame {
		return outFrame{event: event, data: data, logPathID: logPathID, gen: gen, session: true}
	}
	return func(ev sshlogs.Event) {
		switch ev.Type {
		case sshlogs.EventStreaming:
			c.push(frame(EventConnected, connectedPayload{
				Message:   "connected to " + target.Host.Name,
				LogPathID: logPathID,
				Server:    target.HostInfo(),
				LogPath:   target.LogPathInfo(),
			}))
		case sshlogs.EventData:
			c.push(frame(EventLogData, dataPayload{Data: string(ev.Data), LogPathID: logPathID}))
		case sshlogs.EventStderr:
			c.push(frame(EventError, messagePayload{Message: string(ev.Data), LogPathID: logPathID}))
		case sshlogs.EventClosed:
			c.push(frame(EventStreamClosed, messagePayload{Message: "log stream closed", LogPathID: logPathID}))
		}
	}
}
