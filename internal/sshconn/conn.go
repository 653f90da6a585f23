package sshconn

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// Conn is an authenticated SSH connection. Close is safe to call any number
// of times from any goroutine; only the first call closes the transport.
type Conn struct {
	client *ssh.Client
	key    string

	once     sync.Once
	closeErr error
	done     chan struct{}
}

// NewConn wraps an established client and starts watching for the transport
// to go away. onDone, if set, runs once the transport is gone.
func NewConn(client *ssh.Client, key string, onDone func(err error)) *Conn {
	c := &Conn{
		client: client,
		key:    key,
		done:   make(chan struct{}),
	}
	go func() {
		err := client.Wait()
		close(c.done)
		if onDone != nil {
			onDone(err)
		}
	}()
	return c
}

// NewSession opens a channel for a single remote command.
func (c *Conn) NewSession() (*ssh.Session, error) {
	return c.client.NewSession()
}

// Close closes the transport.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

// Done is closed when the transport is gone, whether by Close or by the
// remote end.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Key identifies the host this connection belongs to.
func (c *Conn) Key() string {
	return c.key
}
