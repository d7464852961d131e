package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"insights-engine/internal/model"
	"insights-engine/internal/registry"
	"insights-engine/internal/sqlbuilder"
)

// PoolConfig bounds the connection pool opened per warehouse URL.
type PoolConfig struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type warehouseConn struct {
	store Store
	close func()
}

// WarehouseStore keeps one pool per registered warehouse URL, opened on first use.
type WarehouseStore struct {
	mu     sync.Mutex
	conns  map[string]*warehouseConn
	cfg    PoolConfig
	logger *zap.Logger
	open   func(ctx context.Context, rawURL string) (*warehouseConn, error)
}

// NewWarehouseStore creates a Store for registry-resolved warehouse connections.
func NewWarehouseStore(cfg PoolConfig, logger *zap.Logger) *WarehouseStore {
	s := &WarehouseStore{conns: make(map[string]*warehouseConn), cfg: cfg, logger: logger}
	s.open = s.dial
	return s
}

func (s *WarehouseStore) conn(ctx context.Context, rawURL string) (*warehouseConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[rawURL]; ok {
		return c, nil
	}
	c, err := s.open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	s.conns[rawURL] = c
	return c, nil
}

func (s *WarehouseStore) dial(ctx context.Context, rawURL string) (*warehouseConn, error) {
	switch registry.DetectDriver(rawURL) {
	case registry.DriverPostgres:
		pgCfg, err := pgxpool.ParseConfig(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse warehouse url: %w", err)
		}
		if s.cfg.MaxConns > 0 {
			pgCfg.MaxConns = s.cfg.MaxConns
		}
		pgCfg.MaxConnLifetime = s.cfg.MaxConnLifetime
		pgCfg.MaxConnIdleTime = s.cfg.MaxConnIdleTime
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres warehouse: %w", err)
		}
		s.logger.Info("warehouse pool opened", zap.String("driver", string(registry.DriverPostgres)), zap.String("host", pgCfg.ConnConfig.Host))
		return &warehouseConn{store: NewPostgresStore(pool), close: pool.Close}, nil
	default:
		myCfg, err := MySQLConfig(rawURL)
		if err != nil {
			return nil, err
		}
		connector, err := mysql.NewConnector(myCfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql warehouse: %w", err)
		}
		db := sql.OpenDB(connector)
		if s.cfg.MaxConns > 0 {
			db.SetMaxOpenConns(int(s.cfg.MaxConns))
		}
		db.SetConnMaxLifetime(s.cfg.MaxConnLifetime)
		db.SetConnMaxIdleTime(s.cfg.MaxConnIdleTime)
		s.logger.Info("warehouse pool opened", zap.String("driver", string(registry.DriverMySQL)), zap.String("host", myCfg.Addr))
		return &warehouseConn{store: &mysqlStore{db: db}, close: func() { _ = db.Close() }}, nil
	}
}

// MySQLConfig converts a mysql:// URL (or a native DSN) into a driver config that reads
// DATETIME columns as UTC time.Time values.
func MySQLConfig(rawURL string) (*mysql.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		cfg, dsnErr := mysql.ParseDSN(rawURL)
		if dsnErr != nil {
			return nil, fmt.Errorf("parse warehouse url: %w", dsnErr)
		}
		return withSessionDefaults(cfg), nil
	}

	cfg := mysql.NewConfig()
	cfg.User = u.User.Username()
	cfg.Passwd, _ = u.User.Password()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" {
		cfg.Addr = net.JoinHostPort(u.Hostname(), "3306")
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	for k, v := range u.Query() {
		if len(v) > 0 {
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}
			cfg.Params[k] = v[0]
		}
	}
	return withSessionDefaults(cfg), nil
}

func withSessionDefaults(cfg *mysql.Config) *mysql.Config {
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	if _, ok := cfg.Params["time_zone"]; !ok {
		cfg.Params["time_zone"] = "'+00:00'"
	}
	return cfg
}

func (s *WarehouseStore) Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error) {
	c, err := s.conn(ctx, stmt.Target)
	if err != nil {
		return nil, storeError(stmt, err)
	}
	return c.store.Execute(ctx, stmt)
}

// ExecuteMulti runs statements that share one warehouse target.
func (s *WarehouseStore) ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	c, err := s.conn(ctx, stmts[0].Target)
	if err != nil {
		return nil, storeError(stmts[0], err)
	}
	return c.store.ExecuteMulti(ctx, stmts)
}

// Reset closes every pool; the next statement reopens what it needs.
func (s *WarehouseStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for u, c := range s.conns {
		c.close()
		delete(s.conns, u)
	}
}

// Close releases every pool.
func (s *WarehouseStore) Close() {
	s.Reset()
}

type mysqlStore struct {
	db *sql.DB
}

func (s *mysqlStore) Execute(ctx context.Context, stmt sqlbuilder.Statement) ([]model.Row, error) {
	query, args, err := stmt.Render()
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", stmt.Name, err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(stmt, fmt.Errorf("query %s: %w", stmt.Name, err))
	}
	out, err := scanSQL(rows)
	if err != nil {
		return nil, storeError(stmt, fmt.Errorf("read %s: %w", stmt.Name, err))
	}
	return out, nil
}

func (s *mysqlStore) ExecuteMulti(ctx context.Context, stmts []sqlbuilder.Statement) ([][]model.Row, error) {
	return executeEach(ctx, s, stmts)
}

func scanSQL(rows *sql.Rows) ([]model.Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []model.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(model.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
