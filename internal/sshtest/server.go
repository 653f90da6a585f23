// Package sshtest runs an in-process SSH server for tests. Each exec request
// is handed to a Handler that writes the command's output and exit status.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// Handler receives the exec command and the session channel.
type Handler func(cmd string, ch gossh.Channel)

// Server is a running test SSH server. It accepts the password in Password
// and the private key in ClientKeyPEM for user User.
type Server struct {
	Host     string
	Port     int
	User     string
	Password string

	// ClientKeyPEM is an unencrypted OpenSSH private key the server trusts.
	ClientKeyPEM string
	// ClientSigner is ClientKeyPEM parsed.
	ClientSigner gossh.Signer
	// HostKey is the server's public host key.
	HostKey gossh.PublicKey

	clientPriv ed25519.PrivateKey
	listener   net.Listener
	handler    Handler

	mu       sync.Mutex
	commands []string
	active   int
	accepted int
}

// Start starts a server on 127.0.0.1 and stops it when the test ends.
func Start(t testing.TB, handler Handler) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := gossh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("create client signer: %v", err)
	}
	block, err := gossh.MarshalPrivateKey(clientPriv, "sshtest")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	s := &Server{
		User:         "logs",
		Password:     "s3cret",
		ClientKeyPEM: string(pem.EncodeToMemory(block)),
		ClientSigner: clientSigner,
		HostKey:      hostSigner.PublicKey(),
		clientPriv:   clientPriv,
		handler:      handler,
	}

	serverCfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
			if conn.User() == s.User && string(password) == s.Password {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if conn.User() == s.User && bytes.Equal(key.Marshal(), clientSigner.PublicKey().Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	serverCfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	host, port, _ := net.SplitHostPort(listener.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.active++
			s.accepted++
			s.mu.Unlock()
			go s.handleConn(conn, serverCfg)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// EncryptedClientKey returns the trusted client key sealed with passphrase.
func (s *Server) EncryptedClientKey(t testing.TB, passphrase string) string {
	t.Helper()
	block, err := gossh.MarshalPrivateKeyWithPassphrase(s.clientPriv, "sshtest", []byte(passphrase))
	if err != nil {
		t.Fatalf("marshal encrypted client key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *Server) Close() {
	s.listener.Close()
}

// Commands returns every exec command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// ActiveConns is the number of TCP connections the server still holds open.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AcceptedConns is the number of TCP connections accepted in total.
func (s *Server) AcceptedConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitIdle fails the test unless every client connection is closed within
// timeout.
func (s *Server) WaitIdle(t testing.TB, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.ActiveConns() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected no open connections, %d still open", s.ActiveConns())
}

func (s *Server) handleConn(netConn net.Conn, config *gossh.ServerConfig) {
	defer func() {
		netConn.Close()
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleExec(ch, requests)
	}
}

func (s *Server) handleExec(ch gossh.Channel, reqs <-chan *gossh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)
		go gossh.DiscardRequests(reqs)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		s.handler(payload.Command, ch)
		return
	}
}

// SendExitStatus sends an exit-status request on the channel.
func SendExitStatus(ch gossh.Channel, exitCode int) {
	payload := gossh.Marshal(struct{ Status uint32 }{uint32(exitCode)})
	ch.SendRequest("exit-status", false, payload)
}

// Exit writes stdout and stderr, then exits with code.
func Exit(ch gossh.Channel, stdout, stderr string, code int) {
	if stdout != "" {
		io.WriteString(ch, stdout)
	}
	if stderr != "" {
		io.WriteString(ch.Stderr(), stderr)
	}
	SendExitStatus(ch, code)
}

// WaitClosed blocks until the client closes the channel.
func WaitClosed(ch gossh.Channel) {
	io.Copy(io.Discard, ch)
}
