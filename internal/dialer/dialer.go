// Package dialer registers the supported SQL drivers and opens the *sql.DB the session
// factory pins its connections from.
package dialer

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/soyvural/dbpool/internal/config"
)

const sqliteBusyTimeout = 5 * time.Second

// DriverName maps a configured driver onto the name it is registered under.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// DSN builds the data source name for cfg. An explicit cfg.DSN is returned as is.
func DSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	name, err := DriverName(cfg.Driver)
	if err != nil {
		return "", err
	}

	switch name {
	case "pgx":
		return postgresDSN(cfg), nil
	case "mysql":
		return mysqlDSN(cfg), nil
	default:
		return sqliteDSN(cfg), nil
	}
}

func postgresDSN(cfg config.DatabaseConfig) string {
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if secs := int(cfg.ConnectTimeout / time.Second); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	// pgx forwards unknown parameters as session settings; the server then cancels
	// statements running longer than the socket timeout.
	if cfg.SocketTimeout > 0 {
		q.Set("statement_timeout", strconv.FormatInt(cfg.SocketTimeout.Milliseconds(), 10))
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

func mysqlDSN(cfg config.DatabaseConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Timeout = cfg.ConnectTimeout
	mc.ReadTimeout = cfg.SocketTimeout
	mc.WriteTimeout = cfg.SocketTimeout
	return mc.FormatDSN()
}

func sqliteDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Name, sqliteBusyTimeout.Milliseconds())
}

// Open opens the database described by cfg. The returned handle keeps no idle
// connections of its own; idle sessions live in the pool.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	name, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", name, err)
	}
	db.SetMaxIdleConns(0)
	return db, nil
}
