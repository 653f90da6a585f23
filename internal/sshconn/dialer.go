package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const DefaultTimeout = 20 * time.Second

var (
	ErrNetwork       = errors.New("host unreachable")
	ErrAuthRejected  = errors.New("authentication rejected")
	ErrHostKey       = errors.New("host key verification failed")
	ErrNoCredentials = errors.New("no password or private key configured")
	ErrBadKey        = errors.New("private key cannot be parsed")
)

// HostDescriptor is the decrypted connection material for one host. It
// should not outlive the connection attempt it was built for.
type HostDescriptor struct {
	ID         uint
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// Addr returns host:port, defaulting the port to 22.
func (hd HostDescriptor) Addr() string {
	port := hd.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(hd.Host, strconv.Itoa(port))
}

// Key identifies the host for rate limiting and event history.
func (hd HostDescriptor) Key() string {
	if hd.ID != 0 {
		return HostKey(hd.ID)
	}
	return hd.Addr()
}

// HostKey is the Key of a stored host.
func HostKey(id uint) string {
	return "host-" + strconv.FormatUint(uint64(id), 10)
}

// AuthMethods returns the SSH auth methods for hd: the private key when one
// is set, otherwise the password.
func AuthMethods(hd HostDescriptor) ([]ssh.AuthMethod, error) {
	if hd.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if hd.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(hd.PrivateKey), []byte(hd.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(hd.PrivateKey))
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "parse private key", fmt.Errorf("%w: %w", ErrBadKey, err))
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if hd.Password != "" {
		return []ssh.AuthMethod{ssh.Password(hd.Password)}, nil
	}
	return nil, apperr.Wrap(apperr.KindValidation, "no credentials for "+hd.Addr(), ErrNoCredentials)
}

type Config struct {
	// Timeout bounds the TCP dial and the SSH handshake together.
	Timeout time.Duration
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string
	RateLimit      RateLimitConfig
}

// Dialer opens SSH connections. It is safe for concurrent use.
type Dialer struct {
	cfg     Config
	hostKey ssh.HostKeyCallback
	limiter *RateLimiter
	events  *EventLog
	logger  *zap.Logger
}

func NewDialer(cfg Config, logger *zap.Logger) (*Dialer, error) {
	logger = logging.Or(logger).Named("ssh")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		logger.Warn("host key verification disabled; set LOGMGR_SSH_KNOWN_HOSTS to enable it")
	}

	return &Dialer{
		cfg:     cfg,
		hostKey: hostKey,
		limiter: NewRateLimiter(cfg.RateLimit, logger),
		events:  NewEventLog(),
		logger:  logger,
	}, nil
}

// Dial connects and authenticates to hd. The caller owns the returned Conn.
func (d *Dialer) Dial(ctx context.Context, hd HostDescriptor) (*Conn, error) {
	if hd.Host == "" {
		return nil, apperr.Validation("host is empty")
	}
	if hd.Port < 0 || hd.Port > 65535 {
		return nil, apperr.Newf(apperr.KindValidation, "invalid port %d", hd.Port)
	}
	if hd.Username == "" {
		return nil, apperr.Validation("username is empty")
	}
	methods, err := AuthMethods(hd)
	if err != nil {
		return nil, err
	}

	key := hd.Key()
	addr := hd.Addr()
	if err := d.limiter.Allow(key); err != nil {
		d.events.Record(key, EventRateLimited, err.Error())
		return nil, err
	}
	d.events.Record(key, EventConnecting, addr)

	client, err := d.handshake(ctx, addr, &ssh.ClientConfig{
		User:            hd.Username,
		Auth:            methods,
		HostKeyCallback: d.hostKey,
		Timeout:         d.cfg.Timeout,
	})
	if err != nil {
		d.limiter.RecordFailure(key)
		d.events.Record(key, EventConnectFailed, err.Error())
		d.logger.Info("connect failed", zap.String("host", key), zap.String("addr", logging.Sanitize(addr)), zap.Error(err))
		return nil, err
	}

	d.limiter.RecordSuccess(key)
	d.events.Record(key, EventConnected, addr)
	d.logger.Debug("connected", zap.String("host", key), zap.String("addr", logging.Sanitize(addr)))

	return NewConn(client, key, func(err error) {
		details := "closed"
		if err != nil && !errors.Is(err, net.ErrClosed) {
			details = err.Error()
		}
		d.events.Record(key, EventDisconnected, details)
	}), nil
}

func (d *Dialer) handshake(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectError(addr, ErrNetwork, err)
	}

	// Closing the socket is the only way to interrupt a handshake in progress.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		netConn.Close()
		return nil, connectError(addr, ErrNetwork, ctx.Err())
	}
	if err != nil {
		netConn.Close()
		return nil, connectError(addr, classify(err), err)
	}
	netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classify(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return ErrHostKey
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return ErrAuthRejected
	case strings.Contains(msg, "knownhosts:"):
		return ErrHostKey
	default:
		return ErrNetwork
	}
}

func connectError(addr string, sentinel, cause error) error {
	return apperr.Wrap(apperr.KindConnection,
		"connect to "+logging.Sanitize(addr),
		fmt.Errorf("%w: %w", sentinel, cause))
}

// Events returns up to n recent connection events for key.
func (d *Dialer) Events(key string, n int) []ConnectionEvent {
	return d.events.Recent(key, n)
}

// RateStatus reports the rate limiter state for key.
func (d *Dialer) RateStatus(key string) RateLimitStatus {
	return d.limiter.Status(key)
}
