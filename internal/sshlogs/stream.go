package sshlogs

import (
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/bodyast/logManager/internal/apperr"
	"golang.org/x/crypto/ssh"
)

// State is the lifecycle position of a Stream.
type State string

const (
	StateCreated    State = "created"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateError      State = "error"
	StateClosed     State = "closed"
)

type EventType int

const (
	EventStreaming EventType = iota
	EventData
	EventStderr
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventStreaming:
		return "streaming"
	case EventData:
		return "data"
	case EventStderr:
		return "stderr"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one notification from a Stream. Data is set for EventData and
// EventStderr; Err may be set for EventClosed.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// Sink receives stream events. It is called with the stream's mutex held.
type Sink func(Event)

type Options struct {
	// InitialLines is how many existing lines to send before following.
	InitialLines int
	// FollowByName selects tail -F over tail -f.
	FollowByName bool
}

func DefaultOptions() Options {
	return Options{FollowByName: true}
}

const chunkSize = 32 * 1024

// Stream is a running "tail -F" on one connection. The Stream owns the
// connection from the moment Follow is called.
type Stream struct {
	path string
	conn Conn

	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	mu    sync.Mutex
	state State
	sink  Sink
	err   error

	teardownOnce sync.Once
	done         chan struct{}
}

// Follow starts following path on conn. On failure conn is closed and the
// returned error explains why.
func Follow(conn Conn, path string, opts Options) (*Stream, error) {
	s := &Stream{
		path:  path,
		conn:  conn,
		state: StateCreated,
		done:  make(chan struct{}),
	}
	if err := s.start(opts); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.err = err
		s.mu.Unlock()
		s.teardown()
		return nil, err
	}
	return s, nil
}

func (s *Stream) start(opts Options) error {
	if err := ValidatePath(s.path); err != nil {
		return err
	}
	if opts.InitialLines < 0 {
		return apperr.Newf(apperr.KindValidation, "initial lines must not be negative, got %d", opts.InitialLines)
	}

	s.setState(StateConnecting)
	session, err := s.conn.NewSession()
	if err != nil {
		return apperr.Wrap(apperr.KindConnection, "open ssh session", err)
	}
	s.session = session

	// Hold stdin open so the remote side only sees EOF when the session ends.
	if s.stdin, err = session.StdinPipe(); err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	if s.stdout, err = session.StdoutPipe(); err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if s.stderr, err = session.StderrPipe(); err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := session.Start(followCommand(s.path, opts)); err != nil {
		return apperr.Wrap(apperr.KindRemoteCommand, "start tail", err)
	}
	s.setState(StateStreaming)
	return nil
}

func followCommand(path string, opts Options) string {
	flag := "-F"
	if !opts.FollowByName {
		flag = "-f"
	}
	return fmt.Sprintf("tail -n %d %s -- %s", opts.InitialLines, flag, shellQuote(path))
}

// Run emits EventStreaming and starts delivering output to sink. It returns
// immediately. Calling Run more than once, or after Stop, does nothing.
func (s *Stream) Run(sink Sink) {
	s.mu.Lock()
	if s.state != StateStreaming || s.sink != nil {
		s.mu.Unlock()
		return
	}
	s.sink = sink
	sink(Event{Type: EventStreaming})
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(s.stdout, EventData, &wg)
	go s.pump(s.stderr, EventStderr, &wg)
	go func() {
		wg.Wait()
		s.finish(s.session.Wait())
	}()
}

// pump forwards r to the sink. A UTF-8 sequence cut by a read boundary is
// held back and sent with the next chunk, or as is at EOF.
func (s *Stream) pump(r io.Reader, t EventType, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			cut := completePrefix(chunk)
			carry = append(carry[:0], chunk[cut:]...)
			if cut > 0 {
				s.deliver(Event{Type: t, Data: chunk[:cut]})
			}
		}
		if err != nil {
			if len(carry) > 0 {
				s.deliver(Event{Type: t, Data: carry})
			}
			return
		}
	}
}

// completePrefix returns the length of b without a trailing incomplete UTF-8
// sequence. Invalid bytes count as complete.
func completePrefix(b []byte) int {
	start := len(b) - 1
	for start >= 0 && start > len(b)-utf8.UTFMax && !utf8.RuneStart(b[start]) {
		start--
	}
	if start < 0 || !utf8.RuneStart(b[start]) || utf8.FullRune(b[start:]) {
		return len(b)
	}
	return start
}

func (s *Stream) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStreaming && s.sink != nil {
		s.sink(ev)
	}
}

// finish handles the end of the remote command.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.state = StateError
		s.err = err
	}
	if s.sink != nil {
		s.sink(Event{Type: EventClosed, Err: err})
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.teardown()
}

// Stop ends the stream and closes its connection. It is safe to call in any
// state and from any goroutine; no event is delivered after it returns.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.teardown()
}

func (s *Stream) teardown() {
	s.teardownOnce.Do(func() {
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.session != nil {
			s.session.Close()
		}
		s.conn.Close()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed once the stream is closed and its connection released.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Path() string {
	return s.path
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
