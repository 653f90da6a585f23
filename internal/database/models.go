package database

import "time"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	Email        string    `gorm:"size:255" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user;size:16" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Host is a remote machine reachable over SSH. Secret columns hold fernet
// tokens; an empty string means the credential is not set.
type Host struct {
	ID                   uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID               uint      `gorm:"not null;index" json:"user_id"`
	Name                 string    `gorm:"not null" json:"name"`
	Host                 string    `gorm:"not null" json:"host"`
	Port                 int       `gorm:"not null;default:22" json:"port"`
	Username             string    `gorm:"not null" json:"username"`
	Password             string    `json:"-"`
	PrivateKey           string    `gorm:"type:text" json:"-"`
	PrivateKeyPassphrase string    `json:"-"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasPassword and HasPrivateKey let responses report which credentials are
// configured without exposing them.
func (h *Host) HasPassword() bool   { return h.Password != "" }
func (h *Host) HasPrivateKey() bool { return h.PrivateKey != "" }

// LogPath is a file on a Host that can be read or followed.
type LogPath struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID      uint      `gorm:"not null;index" json:"host_id"`
	Name        string    `gorm:"not null" json:"name"`
	Path        string    `gorm:"not null" json:"path"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Host *Host `gorm:"foreignKey:HostID" json:"-"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func models() []any {
	return []any{&User{}, &Host{}, &LogPath{}, &Setting{}}
}
