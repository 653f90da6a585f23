package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bodyast/logManager/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the database at config.Cfg.DatabasePath and migrates the schema.
func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	DB = db
	return nil
}

// Open opens and migrates a SQLite database without touching DB. An
// in-memory DSN is pinned to a single connection so every query sees the
// same database.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(models()...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// IsNotFound reports whether err is gorm's missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

// Host helpers

func ListHosts(userID uint) ([]Host, error) {
	var hosts []Host
	if err := DB.Where("user_id = ?", userID).Order("name").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

func GetHost(id uint) (*Host, error) {
	var h Host
	if err := DB.First(&h, id).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func CreateHost(h *Host) error {
	if h.Port == 0 {
		h.Port = 22
	}
	return DB.Create(h).Error
}

func UpdateHost(id uint, updates map[string]any) error {
	return DB.Model(&Host{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteHost removes a host together with its log paths.
func DeleteHost(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", id).Delete(&LogPath{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Host{}, id).Error
	})
}

// LogPath helpers

// ListLogPaths returns every log path on hosts owned by userID, with Host
// preloaded.
func ListLogPaths(userID uint) ([]LogPath, error) {
	var paths []LogPath
	err := DB.Joins("JOIN hosts ON hosts.id = log_paths.host_id").
		Where("hosts.user_id = ?", userID).
		Preload("Host").
		Order("log_paths.id").
		Find(&paths).Error
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func ListHostLogPaths(hostID uint) ([]LogPath, error) {
	var paths []LogPath
	if err := DB.Where("host_id = ?", hostID).Order("id").Find(&paths).Error; err != nil {
		return nil, err
	}
	return paths, nil
}

func GetLogPath(id uint) (*LogPath, error) {
	var lp LogPath
	if err := DB.First(&lp, id).Error; err != nil {
		return nil, err
	}
	return &lp, nil
}

func CreateLogPath(lp *LogPath) error {
	return DB.Create(lp).Error
}

func UpdateLogPath(id uint, updates map[string]any) error {
	return DB.Model(&LogPath{}).Where("id = ?", id).Updates(updates).Error
}

func DeleteLogPath(id uint) error {
	return DB.Delete(&LogPath{}, id).Error
}
