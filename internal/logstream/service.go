package logstream

import (
	"context"

	"github.com/bodyast/logManager/internal/apperr"
	"github.com/bodyast/logManager/internal/crypto"
	"github.com/bodyast/logManager/internal/database"
	"github.com/bodyast/logManager/internal/logging"
	"github.com/bodyast/logManager/internal/sshconn"
	"github.com/bodyast/logManager/internal/sshlogs"
	"go.uber.org/zap"
)

const DefaultSnapshotLines = 100

// Target is a log path together with the host it lives on.
type Target struct {
	Host    *database.Host
	LogPath *database.LogPath
}

// HostInfo and LogPathInfo are the non-secret views of a target returned to
// clients.
type HostInfo struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
}

type LogPathInfo struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

func (t Target) HostInfo() HostInfo {
	return HostInfo{ID: t.Host.ID, Name: t.Host.Name, Host: t.Host.Host}
}

func (t Target) LogPathInfo() LogPathInfo {
	return LogPathInfo{ID: t.LogPath.ID, Name: t.LogPath.Name, Path: t.LogPath.Path}
}

// Descriptor decrypts host's credentials into a HostDescriptor.
func Descriptor(vault *crypto.Vault, host *database.Host) (sshconn.HostDescriptor, error) {
	hd := sshconn.HostDescriptor{
		ID:       host.ID,
		Host:     host.Host,
		Port:     host.Port,
		Username: host.Username,
	}
	var err error
	if hd.Password, err = vault.Decrypt(host.Password); err != nil {
		return sshconn.HostDescriptor{}, err
	}
	if hd.PrivateKey, err = vault.Decrypt(host.PrivateKey); err != nil {
		return sshconn.HostDescriptor{}, err
	}
	if hd.Passphrase, err = vault.Decrypt(host.PrivateKeyPassphrase); err != nil {
		return sshconn.HostDescriptor{}, err
	}
	return hd, nil
}

// SSHOpener opens follow streams: decrypt, dial, then tail.
type SSHOpener struct {
	Vault   *crypto.Vault
	Dialer  *sshconn.Dialer
	Options sshlogs.Options
}

func (o *SSHOpener) Open(ctx context.Context, target Target) (Stream, error) {
	if err := sshlogs.ValidatePath(target.LogPath.Path); err != nil {
		return nil, err
	}
	conn, err := o.connect(ctx, target.Host)
	if err != nil {
		return nil, err
	}
	s, err := sshlogs.Follow(conn, target.LogPath.Path, o.Options)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (o *SSHOpener) connect(ctx context.Context, host *database.Host) (*sshconn.Conn, error) {
	hd, err := Descriptor(o.Vault, host)
	if err != nil {
		return nil, err
	}
	return o.Dialer.Dial(ctx, hd)
}

// Service runs the one-shot log operations for a user.
type Service struct {
	opener   *SSHOpener
	maxLines int
	logger   *zap.Logger
}

func NewService(opener *SSHOpener, maxLines int, logger *zap.Logger) *Service {
	return &Service{
		opener:   opener,
		maxLines: maxLines,
		logger:   logging.Or(logger).Named("logstream"),
	}
}

// ResolveHost loads a host and checks that userID owns it.
func ResolveHost(userID, hostID uint) (*database.Host, error) {
	host, err := database.GetHost(hostID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("host not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "load host", err)
	}
	if host.UserID != userID {
		return nil, apperr.Authorization("you do not have access to this host")
	}
	return host, nil
}

// Resolve loads a log path and its host and checks that userID owns the
// host.
func Resolve(userID, logPathID uint) (Target, error) {
	lp, err := database.GetLogPath(logPathID)
	if err != nil {
		if database.IsNotFound(err) {
			return Target{}, apperr.NotFound("log path not found")
		}
		return Target{}, apperr.Wrap(apperr.KindInternal, "load log path", err)
	}
	host, err := ResolveHost(userID, lp.HostID)
	if err != nil {
		return Target{}, err
	}
	return Target{Host: host, LogPath: lp}, nil
}

type SnapshotResult struct {
	Content string      `json:"content"`
	LogPath LogPathInfo `json:"logPath"`
	Server  HostInfo    `json:"server"`
}

// Snapshot returns the last lines of a log path. lines of 0 means
// DefaultSnapshotLines; larger requests are capped at the configured
// maximum.
func (s *Service) Snapshot(ctx context.Context, userID, logPathID uint, lines int) (*SnapshotResult, error) {
	if lines < 0 {
		return nil, apperr.Newf(apperr.KindValidation, "lines must not be negative, got %d", lines)
	}
	if lines == 0 {
		lines = DefaultSnapshotLines
	}
	if s.maxLines > 0 && lines > s.maxLines {
		lines = s.maxLines
	}

	target, err := Resolve(userID, logPathID)
	if err != nil {
		return nil, err
	}
	conn, err := s.opener.connect(ctx, target.Host)
	if err != nil {
		return nil, err
	}
	content, err := sshlogs.ReadTail(ctx, conn, target.LogPath.Path, lines)
	if err != nil {
		s.logger.Info("snapshot failed", zap.Uint("log_path", logPathID), zap.Error(err))
		return nil, err
	}
	return &SnapshotResult{
		Content: content,
		LogPath: target.LogPathInfo(),
		Server:  target.HostInfo(),
	}, nil
}

type Availability struct {
	Exists  bool        `json:"exists"`
	LogPath LogPathInfo `json:"logPath"`
}

// CheckAvailability reports whether the log path's file exists on its host.
func (s *Service) CheckAvailability(ctx context.Context, userID, logPathID uint) (*Availability, error) {
	target, err := Resolve(userID, logPathID)
	if err != nil {
		return nil, err
	}
	conn, err := s.opener.connect(ctx, target.Host)
	if err != nil {
		return nil, err
	}
	exists, err := sshlogs.CheckExists(ctx, conn, target.LogPath.Path)
	if err != nil {
		return nil, err
	}
	return &Availability{Exists: exists, LogPath: target.LogPathInfo()}, nil
}

// TestConnectivity connects to the host with its stored credentials and
// disconnects.
func (s *Service) TestConnectivity(ctx context.Context, userID, hostID uint) error {
	host, err := ResolveHost(userID, hostID)
	if err != nil {
		return err
	}
	conn, err := s.opener.connect(ctx, host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DiscoverLogFiles lists well-known log files present on the host.
func (s *Service) DiscoverLogFiles(ctx context.Context, userID, hostID uint) ([]string, error) {
	host, err := ResolveHost(userID, hostID)
	if err != nil {
		return nil, err
	}
	conn, err := s.opener.connect(ctx, host)
	if err != nil {
		return nil, err
	}
	return sshlogs.DiscoverLogFiles(ctx, conn)
}

// Events returns the host's recent connection events.
func (s *Service) Events(userID, hostID uint, n int) ([]sshconn.ConnectionEvent, sshconn.RateLimitStatus, error) {
	host, err := ResolveHost(userID, hostID)
	if err != nil {
		return nil, sshconn.RateLimitStatus{}, err
	}
	key := sshconn.HostKey(host.ID)
	return s.opener.Dialer.Events(key, n), s.opener.Dialer.RateStatus(key), nil
}
