// Package pgpool keeps a small set of Postgres connections per source
// namespace and persists extracted records through them.
package pgpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
)

const defaultPoolSize = 5

var validNamespace = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrRegistryClosed is returned by Get after CloseAll.
var ErrRegistryClosed = errors.New("connection registry closed")

// DB is the slice of a Postgres connection the registry needs. *pgx.Conn
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens one raw connection for a namespace.
type Connector func(ctx context.Context, namespace string) (DB, error)

// PgxConnector dials dsn with pgx for every connection.
func PgxConnector(dsn string) Connector {
	return func(ctx context.Context, _ string) (DB, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return conn, nil
	}
}

// Config controls per-namespace pool sizing.
type Config struct {
	PoolSize int
}

// Conn is a connection checked out of the registry. Overflow connections are
// closed when returned.
type Conn struct {
	DB
	namespace string
	overflow  bool
}

// Namespace returns the namespace the connection belongs to.
func (c *Conn) Namespace() string { return c.namespace }

// Overflow reports whether the connection was opened beyond the pool size.
func (c *Conn) Overflow() bool { return c.overflow }

// Stats is a point-in-time view of one namespace.
type Stats struct {
	Pooled   int
	Idle     int
	Overflow int
}

type nsPool struct {
	mu       sync.Mutex
	ready    bool
	idle     []DB
	pooled   int
	overflow int
}

// Registry indexes connection pools by namespace.
type Registry struct {
	cfg     Config
	connect Connector
	ids     *uuid.Generator
	logger  *zap.Logger

	mu     sync.RWMutex
	pools  map[string]*nsPool
	closed bool
}

// New builds an empty registry. Pools are created on first use.
func New(cfg Config, connect Connector, logger *zap.Logger) (*Registry, error) {
	if connect == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool size must be >= 0")
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		connect: connect,
		ids:     uuid.NewUUIDGenerator(),
		logger:  logger,
		pools:   make(map[string]*nsPool),
	}, nil
}

// ValidNamespace reports whether ns can be used as a schema name.
func ValidNamespace(ns string) bool {
	return validNamespace.MatchString(ns)
}

// Get checks out a connection for ns, creating and migrating the namespace
// pool on first use. When every pooled connection is busy an overflow
// connection is opened.
func (r *Registry) Get(ctx context.Context, ns string) (*Conn, error) {
	if !ValidNamespace(ns) {
		return nil, fmt.Errorf("invalid namespace %q", ns)
	}
	pool, err := r.pool(ns)
	if err != nil {
		return nil, err
	}

	pool.mu.Lock()
	if !pool.ready {
		if err := r.fill(ctx, ns, pool); err != nil {
			pool.mu.Unlock()
			return nil, err
		}
	}
	if n := len(pool.idle); n > 0 {
		db := pool.idle[n-1]
		pool.idle = pool.idle[:n-1]
		idle := len(pool.idle)
		pool.mu.Unlock()
		metrics.SetIdleConnections(ns, idle)
		return &Conn{DB: db, namespace: ns}, nil
	}
	overflow := pool.pooled >= r.cfg.PoolSize
	if overflow {
		pool.overflow++
	} else {
		pool.pooled++
	}
	pool.mu.Unlock()

	db, err := r.open(ctx, ns)
	if err != nil {
		pool.mu.Lock()
		if overflow {
			pool.overflow--
		} else {
			pool.pooled--
		}
		pool.mu.Unlock()
		return nil, err
	}
	metrics.ObserveConnectionOpened(ns, overflow)
	if overflow {
		r.logger.Debug("opened overflow connection", zap.String("namespace", ns))
	}
	return &Conn{DB: db, namespace: ns, overflow: overflow}, nil
}

// Put returns a connection. Pooled connections go back to the idle list while
// there is room; everything else is closed.
func (r *Registry) Put(ctx context.Context, conn *Conn) {
	if conn == nil {
		return
	}
	pool := r.lookup(conn.namespace)
	if pool == nil {
		r.closeDB(ctx, conn)
		return
	}

	pool.mu.Lock()
	if conn.overflow {
		pool.overflow--
		pool.mu.Unlock()
		r.closeDB(ctx, conn)
		return
	}
	if r.isClosed() || len(pool.idle) >= r.cfg.PoolSize {
		pool.pooled--
		pool.mu.Unlock()
		r.closeDB(ctx, conn)
		return
	}
	pool.idle = append(pool.idle, conn.DB)
	idle := len(pool.idle)
	pool.mu.Unlock()
	metrics.SetIdleConnections(conn.namespace, idle)
}

// Discard closes a broken connection and frees its slot.
func (r *Registry) Discard(ctx context.Context, conn *Conn) {
	if conn == nil {
		return
	}
	if pool := r.lookup(conn.namespace); pool != nil {
		pool.mu.Lock()
		if conn.overflow {
			pool.overflow--
		} else {
			pool.pooled--
		}
		pool.mu.Unlock()
	}
	r.closeDB(ctx, conn)
}

// Stats reports the counts for ns.
func (r *Registry) Stats(ns string) Stats {
	pool := r.lookup(ns)
	if pool == nil {
		return Stats{}
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return Stats{Pooled: pool.pooled, Idle: len(pool.idle), Overflow: pool.overflow}
}

// CloseAll closes every idle connection. Connections still checked out are
// closed when they are returned.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pools := make(map[string]*nsPool, len(r.pools))
	for ns, p := range r.pools {
		pools[ns] = p
	}
	r.mu.Unlock()

	var errs []error
	for ns, pool := range pools {
		pool.mu.Lock()
		idle := pool.idle
		pool.idle = nil
		pool.pooled -= len(idle)
		pool.mu.Unlock()
		for _, db := range idle {
			if err := db.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s connection: %w", ns, err))
			}
		}
		metrics.SetIdleConnections(ns, 0)
	}
	return errors.Join(errs...)
}

// SaveBatch upserts records for ns in one transaction and returns their ids in
// order. On failure the transaction is rolled back and the ids written before
// the failing record are returned with a *ingest.PersistenceError.
func (r *Registry) SaveBatch(ctx context.Context, ns string, records []ingest.Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	conn, err := r.Get(ctx, ns)
	if err != nil {
		return nil, &ingest.PersistenceError{Source: ns, Err: err}
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		r.Discard(ctx, conn)
		return nil, &ingest.PersistenceError{Source: ns, Err: fmt.Errorf("begin transaction: %w", err)}
	}

	query := upsertRecordSQL(ns)
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id, err := r.upsert(ctx, tx, query, rec)
		if err != nil {
			r.rollback(ctx, tx, ns)
			r.Put(ctx, conn)
			return ids, &ingest.PersistenceError{Source: ns, IDs: ids, Err: err}
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		r.Put(ctx, conn)
		return ids, &ingest.PersistenceError{Source: ns, IDs: ids, Err: fmt.Errorf("commit: %w", err)}
	}
	r.Put(ctx, conn)
	return ids, nil
}

// Ping checks out a connection for ns and pings it.
func (r *Registry) Ping(ctx context.Context, ns string) error {
	conn, err := r.Get(ctx, ns)
	if err != nil {
		return err
	}
	if err := conn.Ping(ctx); err != nil {
		r.Discard(ctx, conn)
		return fmt.Errorf("ping %s: %w", ns, err)
	}
	r.Put(ctx, conn)
	return nil
}

// RecordRun stores a finished run report in the source's runs table.
func (r *Registry) RecordRun(ctx context.Context, report ingest.RunReport) error {
	conn, err := r.Get(ctx, report.SourceName)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, insertRunSQL(report.SourceName),
		report.RunID,
		report.SourceName,
		report.Processed,
		report.Failed,
		report.StartedAt,
		report.FinishedAt,
		report.Elapsed.Milliseconds(),
	)
	if err != nil {
		r.Discard(ctx, conn)
		return fmt.Errorf("record run %s: %w", report.RunID, err)
	}
	r.Put(ctx, conn)
	return nil
}

func (r *Registry) upsert(ctx context.Context, tx pgx.Tx, query string, rec ingest.Record) (string, error) {
	id := rec.ID
	if id == "" {
		id = r.ids.RecordID(rec.ItemID, rec.Kind, rec.ContentHash)
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", rec.ItemID, err)
	}
	var stored string
	if err := tx.QueryRow(ctx, query, id, rec.ItemID, rec.Kind, rec.ContentHash, payload, rec.FetchedAt).Scan(&stored); err != nil {
		return "", fmt.Errorf("upsert record for %s: %w", rec.ItemID, err)
	}
	return stored, nil
}

func (r *Registry) rollback(ctx context.Context, tx pgx.Tx, ns string) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.Warn("rollback failed", zap.String("namespace", ns), zap.Error(err))
	}
}

func (r *Registry) pool(ns string) (*nsPool, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrRegistryClosed
	}
	pool, ok := r.pools[ns]
	r.mu.RUnlock()
	if ok {
		return pool, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if pool, ok = r.pools[ns]; !ok {
		pool = &nsPool{}
		r.pools[ns] = pool
	}
	return pool, nil
}

func (r *Registry) lookup(ns string) *nsPool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[ns]
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// fill opens and migrates PoolSize connections for a new namespace. Caller
// holds pool.mu.
func (r *Registry) fill(ctx context.Context, ns string, pool *nsPool) error {
	opened := make([]DB, 0, r.cfg.PoolSize)
	fail := func(err error) error {
		for _, db := range opened {
			_ = db.Close(ctx)
		}
		return err
	}
	for range r.cfg.PoolSize {
		db, err := r.open(ctx, ns)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, db)
		metrics.ObserveConnectionOpened(ns, false)
	}
	pool.idle = opened
	pool.pooled = len(opened)
	pool.ready = true
	r.logger.Info("namespace pool ready", zap.String("namespace", ns), zap.Int("connections", len(opened)))
	return nil
}

// open connects to ns and migrates the new connection. A connection whose
// migration fails is closed.
func (r *Registry) open(ctx context.Context, ns string) (DB, error) {
	db, err := r.connect(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", ns, err)
	}
	if err := migrate(ctx, db, ns); err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	return db, nil
}

func (r *Registry) closeDB(ctx context.Context, conn *Conn) {
	if err := conn.Close(ctx); err != nil {
		r.logger.Warn("close connection failed", zap.String("namespace", conn.namespace), zap.Error(err))
	}
}
