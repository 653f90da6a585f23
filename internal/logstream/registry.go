// Package logstream owns the live log sessions of connected clients and the
// request/response log operations built on the same SSH primitives.
package logstream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bodyast/logManager/internal/logging"
	"github.com/bodyast/logManager/internal/sshlogs"
	"go.uber.org/zap"
)

// ErrSuperseded is returned by Start when a later Start, Stop or Sweep for
// the same key won the race while this one was connecting.
var ErrSuperseded = errors.New("stream start superseded")

// Key identifies a session: one client following one log path.
type Key struct {
	ClientID  string
	LogPathID uint
}

// Stream is a started log follow that the registry can run and stop.
type Stream interface {
	Run(sink sshlogs.Sink)
	Stop()
	Done() <-chan struct{}
}

// Opener connects to a target and starts following its log path.
type Opener interface {
	Open(ctx context.Context, target Target) (Stream, error)
}

// Session is a registered, running stream.
type Session struct {
	Key       Key
	Target    Target
	StartedAt time.Time

	stream Stream
}

type attempt struct {
	cancel context.CancelFunc
}

// Registry maps keys to sessions. At most one session or connect attempt
// exists per key. The mutex is never held while calling into a stream.
type Registry struct {
	opener Opener
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
	pending  map[Key]*attempt
}

func NewRegistry(opener Opener, logger *zap.Logger) *Registry {
	return &Registry{
		opener:   opener,
		logger:   logging.Or(logger).Named("logstream"),
		sessions: make(map[Key]*Session),
		pending:  make(map[Key]*attempt),
	}
}

// Start replaces any session or connect attempt for key with a new one.
// Events are delivered to sink from the moment the stream is registered. On
// error nothing is registered and no connection is left open.
func (r *Registry) Start(ctx context.Context, key Key, target Target, sink sshlogs.Sink) (*Session, error) {
	return r.Reserve(ctx, key).Open(target, sink)
}

// Reservation is a connect attempt registered for a key but not yet opened.
// A Stop, Sweep or later Reserve for the same key cancels it. Open must be
// called exactly once.
type Reservation struct {
	r   *Registry
	key Key
	a   *attempt
	ctx context.Context
}

// Reserve stops any session or attempt for key and records a new pending
// attempt in its place. It does not block on the network, so callers that
// receive commands in order can reserve in that order and open concurrently.
func (r *Registry) Reserve(ctx context.Context, key Key) *Reservation {
	ctx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel}

	r.mu.Lock()
	old := r.sessions[key]
	delete(r.sessions, key)
	if p := r.pending[key]; p != nil {
		p.cancel()
	}
	r.pending[key] = a
	r.mu.Unlock()

	if old != nil {
		r.logger.Debug("replacing session", zap.String("client", key.ClientID), zap.Uint("log_path", key.LogPathID))
		old.stream.Stop()
	}
	return &Reservation{r: r, key: key, a: a, ctx: ctx}
}

// Open connects the reserved attempt and registers the session if the
// reservation is still current. A reservation replaced or stopped in the
// meantime returns ErrSuperseded and leaves nothing open.
func (res *Reservation) Open(target Target, sink sshlogs.Sink) (*Session, error) {
	r, key, ctx := res.r, res.key, res.ctx
	defer res.a.cancel()

	if err := ctx.Err(); err != nil {
		if !r.release(res) {
			return nil, ErrSuperseded
		}
		return nil, err
	}

	stream, err := r.opener.Open(ctx, target)

	r.mu.Lock()
	current := r.pending[key] == res.a
	if current {
		delete(r.pending, key)
	}
	if err != nil {
		r.mu.Unlock()
		if !current {
			return nil, ErrSuperseded
		}
		return nil, err
	}
	if !current {
		r.mu.Unlock()
		stream.Stop()
		return nil, ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		r.mu.Unlock()
		stream.Stop()
		return nil, err
	}
	sess := &Session{
		Key:       key,
		Target:    target,
		StartedAt: time.Now(),
		stream:    stream,
	}
	r.sessions[key] = sess
	r.mu.Unlock()

	r.logger.Info("session started",
		zap.String("client", key.ClientID),
		zap.Uint("log_path", key.LogPathID),
		zap.String("path", logging.Sanitize(target.LogPath.Path)))

	go r.watch(sess)
	stream.Run(sink)
	return sess, nil
}

// release drops res from the pending set and reports whether it was still
// there.
func (r *Registry) release(res *Reservation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[res.key] != res.a {
		return false
	}
	delete(r.pending, res.key)
	return true
}

// watch removes sess once its stream ends on its own.
func (r *Registry) watch(sess *Session) {
	<-sess.stream.Done()
	r.mu.Lock()
	if r.sessions[sess.Key] == sess {
		delete(r.sessions, sess.Key)
	}
	r.mu.Unlock()
}

// Stop stops the session or connect attempt for key. It reports whether
// there was anything to stop.
func (r *Registry) Stop(key Key) bool {
	r.mu.Lock()
	sess := r.sessions[key]
	delete(r.sessions, key)
	p := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	if p != nil {
		p.cancel()
	}
	if sess != nil {
		sess.stream.Stop()
		r.logger.Info("session stopped", zap.String("client", key.ClientID), zap.Uint("log_path", key.LogPathID))
	}
	return sess != nil || p != nil
}

// Sweep stops every session and connect attempt of clientID and returns how
// many sessions were stopped.
func (r *Registry) Sweep(clientID string) int {
	r.mu.Lock()
	var sessions []*Session
	for k, sess := range r.sessions {
		if k.ClientID == clientID {
			sessions = append(sessions, sess)
			delete(r.sessions, k)
		}
	}
	var attempts []*attempt
	for k, p := range r.pending {
		if k.ClientID == clientID {
			attempts = append(attempts, p)
			delete(r.pending, k)
		}
	}
	r.mu.Unlock()

	for _, p := range attempts {
		p.cancel()
	}
	for _, sess := range sessions {
		sess.stream.Stop()
	}
	if len(sessions) > 0 || len(attempts) > 0 {
		r.logger.Info("client sessions swept",
			zap.String("client", clientID), zap.Int("sessions", len(sessions)), zap.Int("attempts", len(attempts)))
	}
	return len(sessions)
}

// StopAll stops everything. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := r.sessions
	pending := r.pending
	r.sessions = make(map[Key]*Session)
	r.pending = make(map[Key]*attempt)
	r.mu.Unlock()

	for _, p := range pending {
		p.cancel()
	}
	for _, sess := range sessions {
		sess.stream.Stop()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Pending returns the number of connect attempts in flight.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Sessions returns the keys of clientID's sessions ordered by log path. An
// empty clientID returns all sessions.
func (r *Registry) Sessions(clientID string) []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		if clientID == "" || k.ClientID == clientID {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ClientID != keys[j].ClientID {
			return keys[i].ClientID < keys[j].ClientID
		}
		return keys[i].LogPathID < keys[j].LogPathID
	})
	return keys
}
