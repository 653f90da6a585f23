package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func echoServer(t *testing.T) *sshtest.Server {
	return sshtest.Start(t, func(cmd string, ch gossh.Channel) {
		sshtest.Exit(ch, "ok\n", "", 0)
	})
}

func newDialer(t *testing.T, cfg Config) *Dialer {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	d, err := NewDialer(cfg, nil)
	require.NoError(t, err)
	return d
}

func descriptor(srv *sshtest.Server) HostDescriptor {
	return HostDescriptor{ID: 1, Host: srv.Host, Port: srv.Port, Username: srv.User}
}

func runEcho(t *testing.T, c *Conn) {
	t.Helper()
	sess, err := c.NewSession()
	require.NoError(t, err)
	defer sess.Close()
	out, err := sess.Output("echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))
}

func TestAuthMethodsPrecedence(t *testing.T) {
	srv := echoServer(t)

	_, err := AuthMethods(HostDescriptor{Host: "h"})
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	methods, err := AuthMethods(HostDescriptor{Password: "pw"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	_, err = AuthMethods(HostDescriptor{PrivateKey: "garbage", Password: "pw"})
	assert.ErrorIs(t, err, ErrBadKey, "a configured key wins over the password")

	_, err = AuthMethods(HostDescriptor{PrivateKey: srv.EncryptedClientKey(t, "pass")})
	assert.ErrorIs(t, err, ErrBadKey, "an encrypted key needs its passphrase")
}

func TestDialWithPassword(t *testing.T) {
	srv := echoServer(t)
	d := newDialer(t, Config{})

	hd := descriptor(srv)
	hd.Password = srv.Password
	c, err := d.Dial(context.Background(), hd)
	require.NoError(t, err)
	runEcho(t, c)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close(), "second close is a no-op")
	srv.WaitIdle(t, 2*time.Second)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Close")
	}
}

func TestDialWithPrivateKey(t *testing.T) {
	srv := echoServer(t)
	d := newDialer(t, Config{})

	hd := descriptor(srv)
	hd.PrivateKey = srv.ClientKeyPEM
	hd.Password = "wrong, but ignored"
	c, err := d.Dial(context.Background(), hd)
	require.NoError(t, err)
	defer c.Close()
	runEcho(t, c)
}

func TestDialWithEncryptedPrivateKey(t *testing.T) {
	srv := echoServer(t)
	d := newDialer(t, Config{})

	hd := descriptor(srv)
	hd.PrivateKey = srv.EncryptedClientKey(t, "open sesame")
	hd.Passphrase = "open sesame"
	c, err := d.Dial(context.Background(), hd)
	require.NoError(t, err)
	defer c.Close()
	runEcho(t, c)
}

func TestDialNoCredentialsSkipsNetwork(t *testing.T) {
	srv := echoServer(t)
	d := newDialer(t, Config{})

	_, err := d.Dial(context.Background(), descriptor(srv))
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 0, srv.AcceptedConns())
}

func TestDialAuthRejected(t *testing.T) {
	srv := echoServer(t)
	d := newDialer(t, Config{})

	hd := descriptor(srv)
	hd.Password = "nope"
	_, err := d.Dial(context.Background(), hd)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.True(t, apperr.Is(err, apperr.KindConnection))
	srv.WaitIdle(t, 2*time.Second)
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	d := newDialer(t, Config{})
	_, err = d.Dial(context.Background(), HostDescriptor{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, apperr.Is(err, apperr.KindConnection))
}

// silentListener accepts TCP connections but never speaks SSH.
func silentListener(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestDialHandshakeTimeout(t *testing.T) {
	addr := silentListener(t)
	d := newDialer(t, Config{Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := d.Dial(context.Background(), HostDescriptor{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDialCancelledDuringHandshake(t *testing.T) {
	addr := silentListener(t)
	d := newDialer(t, Config{Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.Dial(ctx, HostDescriptor{Host: "127.0.0.1", Port: addr.Port, Username: "u", Password: "p"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDialRecordsEventsAndBlocks(t *testing.T) {
	srv := echoServer(t)
	d := newDialer(t, Config{RateLimit: RateLimitConfig{
		MaxAttemptsPerMinute: 10,
		MaxConsecFailures:    2,
		BlockDuration:        time.Minute,
	}})

	hd := descriptor(srv)
	hd.Password = "nope"
	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background(), hd)
		assert.ErrorIs(t, err, ErrAuthRejected)
	}

	hd.Password = srv.Password
	_, err := d.Dial(context.Background(), hd)
	assert.True(t, apperr.Is(err, apperr.KindRateLimited), "got %v", err)
	assert.True(t, d.RateStatus(hd.Key()).Blocked)

	events := d.Events(hd.Key(), 0)
	require.NotEmpty(t, events)
	assert.Equal(t, EventRateLimited, events[len(events)-1].Type)
	assert.Equal(t, EventConnecting, events[0].Type)
	assert.Equal(t, EventConnectFailed, events[1].Type)
}

func TestDialKnownHosts(t *testing.T) {
	srv := echoServer(t)

	write := func(key gossh.PublicKey) string {
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{srv.Addr()}, key)
		require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))
		return path
	}

	hd := descriptor(srv)
	hd.Password = srv.Password

	d := newDialer(t, Config{KnownHostsPath: write(srv.HostKey)})
	c, err := d.Dial(context.Background(), hd)
	require.NoError(t, err)
	c.Close()

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := gossh.NewPublicKey(otherPub)
	require.NoError(t, err)

	d = newDialer(t, Config{KnownHostsPath: write(other)})
	_, err = d.Dial(context.Background(), hd)
	assert.ErrorIs(t, err, ErrHostKey)
}

func TestDialValidatesDescriptor(t *testing.T) {
	d := newDialer(t, Config{})
	for _, hd := range []HostDescriptor{
		{Username: "u", Password: "p"},
		{Host: "h", Port: 70000, Username: "u", Password: "p"},
		{Host: "h", Password: "p"},
	} {
		_, err := d.Dial(context.Background(), hd)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "%+v: %v", hd, err)
	}
}

func TestHostDescriptorKey(t *testing.T) {
	assert.Equal(t, "host-7", HostDescriptor{ID: 7, Host: "x"}.Key())
	assert.Equal(t, "example.com:22", HostDescriptor{Host: "example.com"}.Key())
	assert.Equal(t, "[::1]:2222", HostDescriptor{Host: "::1", Port: 2222}.Addr())
}
