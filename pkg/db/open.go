package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	mysqlDSN "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Supported dialects
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Options configures Open.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Logger       *zap.Logger
}

// Open connects to the configured database. SQLite is limited to a single
// connection so that writers queue in the pool instead of failing with
// SQLITE_BUSY.
func Open(opts Options) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		if driver == DriverSQLite {
			dsn = "livedesk.db"
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	gormCfg := &gorm.Config{
		Logger:  NewGormLogger(opts.Logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gdb, err = gorm.Open(sqliteDriver.Open(dsn), gormCfg)
	case DriverMySQL:
		var normalized string
		normalized, err = normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		gdb, err = gorm.Open(mysql.Open(normalized), gormCfg)
	case DriverPostgres:
		gdb, err = gorm.Open(postgres.New(postgres.Config{DriverName: "postgres", DSN: dsn}), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		if err := gdb.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			return nil, errors.Wrap(err, "set sqlite busy_timeout")
		}
		if _, onDisk := sqliteFilePath(dsn); onDisk {
			if err := gdb.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
				return nil, errors.Wrap(err, "set sqlite journal_mode")
			}
		}
	} else if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	return gdb, nil
}

// AutoMigrate creates or updates every table of the helpdesk schema.
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&Agent{},
		&Group{},
		&AgentGroup{},
		&AgentStatusLog{},
		&AgentSchedule{},
		&Visitor{},
		&Conversation{},
		&Thread{},
		&Event{},
		&AssignmentLog{},
	)
}

// Ping checks that the database answers.
func Ping(ctx context.Context, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// TxOptions returns READ COMMITTED for server databases. SQLite transactions
// are serializable already and reject isolation levels it doesn't know.
func TxOptions(gdb *gorm.DB) *sql.TxOptions {
	if IsSQLite(gdb) {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// ForUpdate adds a row lock to the next query. SQLite has no row locks; its
// single connection serializes writers instead.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if IsSQLite(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func IsSQLite(gdb *gorm.DB) bool {
	return gdb.Dialector != nil && gdb.Dialector.Name() == DriverSQLite
}

// NotDeleted scopes a query to rows whose tombstone is not set.
func NotDeleted(table string) func(*gorm.DB) *gorm.DB {
	col := "is_deleted"
	if table != "" {
		col = table + ".is_deleted"
	}
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(col+" = ?", false)
	}
}

// normalizeMySQLDSN forces parseTime and UTC so DATETIME columns round-trip
// as time.Time in the same zone the services write.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqlDSN.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), nil
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	switch {
	case raw == "", lower == ":memory:", strings.HasPrefix(lower, "file::memory:"):
		return "", false
	case strings.HasPrefix(lower, "file:"):
		parsed, err := url.Parse(raw)
		if err != nil {
			return stripQuery(strings.TrimPrefix(raw, "file:")), true
		}
		if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		if parsed.Opaque != "" {
			return stripQuery(parsed.Opaque), true
		}
		return "", false
	}
	return stripQuery(raw), true
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}
