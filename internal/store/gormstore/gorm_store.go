package gormstore

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"brokerd/internal/config"
	storemodel "brokerd/internal/store/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// GormStore owns the relational connection shared by the order, run and
// lease services.
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// Open connects with the configured driver and migrates every model.
func Open(cfg config.DatabaseConfig) (*GormStore, error) {
	gcfg := &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	}
	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DialectSQLite:
		db, err = openSQLite(cfg.Path, gcfg)
	case DialectPostgres:
		dsn, derr := postgresDSN(cfg)
		if derr != nil {
			return nil, derr
		}
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(storemodel.All()...); err != nil {
		return nil, err
	}
	return &GormStore{db: db, dialect: db.Dialector.Name()}, nil
}

// OpenSQLite is a shortcut used by tests and single-host deployments.
func OpenSQLite(path string) (*GormStore, error) {
	return Open(config.DatabaseConfig{Driver: DialectSQLite, Path: path})
}

func openSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; one connection keeps lease selection
	// transactions from tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return db, nil
}

func postgresDSN(cfg config.DatabaseConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, nil
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return "", fmt.Errorf("gorm store: postgres host is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.Name != "" {
		u.Path = "/" + cfg.Name
	}
	query := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	query.Set("sslmode", sslMode)
	for key, value := range cfg.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// DB exposes the underlying *gorm.DB.
func (s *GormStore) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

func (s *GormStore) Dialect() string {
	if s == nil {
		return ""
	}
	return s.dialect
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ForUpdate adds a row lock to tx when the dialect supports one. SQLite has
// no row locks; its single writer connection already serializes the
// transaction.
func ForUpdate(tx *gorm.DB, skipLocked bool) *gorm.DB {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() != DialectPostgres {
		return tx
	}
	lock := clause.Locking{Strength: "UPDATE"}
	if skipLocked {
		lock.Options = "SKIP LOCKED"
	}
	return tx.Clauses(lock)
}
