package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":3001"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/logmanager.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// OriginPatterns accepted for WebSocket upgrades (host[:port] globs).
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"localhost:3000"`

	// Secrets. Empty values are generated on first start and kept in the
	// settings table.
	EncryptionKey          string        `envconfig:"ENCRYPTION_KEY" default:""`
	PreviousEncryptionKeys []string      `envconfig:"PREVIOUS_ENCRYPTION_KEYS" default:""`
	JWTSecret              string        `envconfig:"JWT_SECRET" default:""`
	JWTExpiry              time.Duration `envconfig:"JWT_EXPIRY" default:"24h"`

	// SSH settings
	SSHConnectTimeout       time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"20s"`
	SSHKnownHosts           string        `envconfig:"SSH_KNOWN_HOSTS" default:""`
	SSHFollowByName         bool          `envconfig:"SSH_FOLLOW_BY_NAME" default:"true"`
	SSHMaxAttemptsPerMinute int           `envconfig:"SSH_MAX_ATTEMPTS_PER_MINUTE" default:"10"`
	SSHMaxConsecFailures    int           `envconfig:"SSH_MAX_CONSEC_FAILURES" default:"5"`
	SSHBlockDuration        time.Duration `envconfig:"SSH_BLOCK_DURATION" default:"1m"`

	SnapshotMaxLines int    `envconfig:"SNAPSHOT_MAX_LINES" default:"10000"`
	CleanupSchedule  string `envconfig:"CLEANUP_SCHEDULE" default:"@every 10m"`
}

var Cfg Settings

func Load() error {
	Cfg = Settings{}
	if err := envconfig.Process("LOGMGR", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if Cfg.SnapshotMaxLines <= 0 {
		return fmt.Errorf("load config: SNAPSHOT_MAX_LINES must be positive, got %d", Cfg.SnapshotMaxLines)
	}
	if Cfg.SSHConnectTimeout <= 0 {
		return fmt.Errorf("load config: SSH_CONNECT_TIMEOUT must be positive, got %s", Cfg.SSHConnectTimeout)
	}
	return nil
}
