package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arencloud/kbadmin/internal/config"
	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/rbac"

	"github.com/go-gormigrate/gormigrate/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrMissingDSN = errors.New("DATABASE_URL is required for the postgres driver")

// Open connects, migrates and bootstraps the database.
func Open(cfg *config.Config, logger logging.Logger) (*gorm.DB, error) {
	var gormLevel gormlogger.LogLevel
	switch logging.GetLevel() {
	case "debug":
		gormLevel = gormlogger.Info // SQL traces at debug level
	case "error", "dpanic", "panic", "fatal":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Warn
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.DBDriver)) {
	case "postgres", "postgresql":
		if cfg.DBDsn == "" {
			return nil, ErrMissingDSN
		}
		dialector = postgres.Open(cfg.DBDsn)
		logger.Info("db connect", "driver", "postgres")
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.DBPath)
		logger.Info("db connect", "driver", "sqlite", "path", cfg.DBPath)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger, gormLevel)})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	if cfg.RootLoginEnabled {
		if err := EnsureRootUser(gdb, cfg.RootEmail, cfg.RootPassword); err != nil {
			return nil, err
		}
		logger.Info("root account ready", "email", cfg.RootEmail)
	}
	return gdb, nil
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "202601150900_audit_created_at_index",
			Migrate: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&models.AuditLog{}, "CreatedAt") {
					return nil
				}
				return tx.Migrator().CreateIndex(&models.AuditLog{}, "CreatedAt")
			},
		},
		{
			ID: "202603020930_broadcast_dismissible",
			Migrate: func(tx *gorm.DB) error {
				if tx.Migrator().HasColumn(&models.BroadcastMessage{}, "IsDismissible") {
					return nil
				}
				return tx.Migrator().AddColumn(&models.BroadcastMessage{}, "IsDismissible")
			},
		},
	}
}

// Migrate initializes a clean schema in one step, or applies pending migrations.
func Migrate(gdb *gorm.DB) error {
	m := gormigrate.New(gdb, gormigrate.DefaultOptions, migrations())
	m.InitSchema(func(tx *gorm.DB) error {
		return tx.AutoMigrate(models.All()...)
	})
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// EnsureRootUser creates or refreshes the legacy root account with the admin role.
func EnsureRootUser(gdb *gorm.DB, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing root password: %w", err)
	}
	var u models.User
	err = gdb.Where("email = ?", email).First(&u).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		u = models.User{Email: email, DisplayName: "Root", Role: string(rbac.RoleAdmin), Password: string(hash)}
		return gdb.Create(&u).Error
	case err != nil:
		return fmt.Errorf("loading root user: %w", err)
	}
	return gdb.Model(&u).Updates(map[string]any{"password": string(hash), "role": string(rbac.RoleAdmin)}).Error
}
