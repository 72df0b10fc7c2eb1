package pgpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

type fakeDB struct {
	id      int
	closed  atomic.Bool
	execs   atomic.Int32
	execErr error
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	f.execs.Add(1)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("CREATE"), nil
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("transactions not supported by fake")
}

func (f *fakeDB) Ping(context.Context) error { return nil }

func (f *fakeDB) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu      sync.Mutex
	opened  []*fakeDB
	failAt  int
	execErr error
}

func (c *fakeConnector) connect(context.Context, string) (DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.opened)+1 == c.failAt {
		c.failAt = 0
		return nil, errors.New("connection refused")
	}
	db := &fakeDB{id: len(c.opened), execErr: c.execErr}
	c.opened = append(c.opened, db)
	return db, nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

func newFakeRegistry(t *testing.T, size int) (*Registry, *fakeConnector) {
	t.Helper()
	conn := &fakeConnector{}
	reg, err := New(Config{PoolSize: size}, conn.connect, nil)
	require.NoError(t, err)
	return reg, conn
}

func TestRegistryOverflowConnectionIsClosedOnReturn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, connector := newFakeRegistry(t, 2)

	first, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	second, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	require.False(t, first.Overflow())
	require.False(t, second.Overflow())
	require.Equal(t, 2, connector.count())

	third, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	require.True(t, third.Overflow())
	require.Equal(t, 3, connector.count())
	require.Equal(t, Stats{Pooled: 2, Idle: 0, Overflow: 1}, reg.Stats("shop"))

	reg.Put(ctx, first)
	reg.Put(ctx, second)
	reg.Put(ctx, third)

	require.True(t, third.DB.(*fakeDB).closed.Load())
	require.False(t, first.DB.(*fakeDB).closed.Load())
	require.False(t, second.DB.(*fakeDB).closed.Load())
	require.Equal(t, Stats{Pooled: 2, Idle: 2, Overflow: 0}, reg.Stats("shop"))
}

func TestRegistryConcurrentGetsOverflowPastPoolSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, connector := newFakeRegistry(t, 5)

	const callers = 8
	conns := make([]*Conn, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conns[i], errs[i] = reg.Get(ctx, "shop")
		}()
	}
	close(start)
	wg.Wait()

	overflow := 0
	for i, conn := range conns {
		require.NoError(t, errs[i])
		if conn.Overflow() {
			overflow++
		}
	}
	require.Equal(t, 3, overflow)
	require.Equal(t, callers, connector.count())
	require.Equal(t, Stats{Pooled: 5, Idle: 0, Overflow: 3}, reg.Stats("shop"))

	for _, conn := range conns {
		reg.Put(ctx, conn)
	}

	closed := 0
	for _, conn := range conns {
		db := conn.DB.(*fakeDB)
		require.Equal(t, conn.Overflow(), db.closed.Load())
		if db.closed.Load() {
			closed++
		}
	}
	require.Equal(t, 3, closed)
	require.Equal(t, Stats{Pooled: 5, Idle: 5, Overflow: 0}, reg.Stats("shop"))
}

func TestRegistryMigratesEachConnectionOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, connector := newFakeRegistry(t, 3)

	for range 5 {
		conn, err := reg.Get(ctx, "shop")
		require.NoError(t, err)
		reg.Put(ctx, conn)
	}
	require.Equal(t, 3, connector.count())

	held := make([]*Conn, 0, 4)
	for range 4 {
		conn, err := reg.Get(ctx, "shop")
		require.NoError(t, err)
		held = append(held, conn)
	}
	require.True(t, held[3].Overflow())
	require.Equal(t, 4, connector.count())

	want := int32(len(migrationSQL("shop")))
	for _, db := range connector.opened {
		require.Equal(t, want, db.execs.Load(), "connection %d", db.id)
	}
	for _, conn := range held {
		reg.Put(ctx, conn)
	}
}

func TestRegistryMigrationFailureClosesConnection(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{execErr: errors.New("permission denied")}
	reg, err := New(Config{PoolSize: 2}, connector.connect, nil)
	require.NoError(t, err)

	_, err = reg.Get(context.Background(), "shop")
	require.ErrorContains(t, err, "migrate shop")
	require.ErrorContains(t, err, "permission denied")
	require.Equal(t, 1, connector.count())
	require.True(t, connector.opened[0].closed.Load())
	require.Equal(t, Stats{}, reg.Stats("shop"))
}

func TestRegistryNamespacesAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, connector := newFakeRegistry(t, 1)

	a, err := reg.Get(ctx, "shop_a")
	require.NoError(t, err)
	b, err := reg.Get(ctx, "shop_b")
	require.NoError(t, err)
	require.False(t, a.Overflow())
	require.False(t, b.Overflow())
	require.Equal(t, "shop_a", a.Namespace())
	require.Equal(t, 2, connector.count())
}

func TestRegistryRejectsInvalidNamespace(t *testing.T) {
	t.Parallel()

	reg, connector := newFakeRegistry(t, 1)
	for _, ns := range []string{"", "1shop", "shop-a", "shop;drop"} {
		_, err := reg.Get(context.Background(), ns)
		require.Error(t, err, ns)
	}
	require.Zero(t, connector.count())
}

func TestRegistryOpenFailureIsRetriedOnNextGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	connector := &fakeConnector{failAt: 2}
	reg, err := New(Config{PoolSize: 2}, connector.connect, nil)
	require.NoError(t, err)

	_, err = reg.Get(ctx, "shop")
	require.ErrorContains(t, err, "connection refused")
	require.True(t, connector.opened[0].closed.Load())

	conn, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	require.False(t, conn.Overflow())
}

func TestRegistryDiscardFreesPooledSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, connector := newFakeRegistry(t, 1)

	conn, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	reg.Discard(ctx, conn)
	require.True(t, conn.DB.(*fakeDB).closed.Load())
	require.Equal(t, Stats{}, reg.Stats("shop"))

	replacement, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	require.False(t, replacement.Overflow())
	require.Equal(t, 2, connector.count())
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, connector := newFakeRegistry(t, 2)

	held, err := reg.Get(ctx, "shop")
	require.NoError(t, err)
	require.NoError(t, reg.CloseAll(ctx))

	idle := connector.opened[0]
	if idle == held.DB {
		idle = connector.opened[1]
	}
	require.True(t, idle.closed.Load())
	require.False(t, held.DB.(*fakeDB).closed.Load())

	_, err = reg.Get(ctx, "shop")
	require.ErrorIs(t, err, ErrRegistryClosed)

	reg.Put(ctx, held)
	require.True(t, held.DB.(*fakeDB).closed.Load())
	require.Equal(t, Stats{}, reg.Stats("shop"))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{PoolSize: -1}, (&fakeConnector{}).connect, nil)
	require.Error(t, err)

	reg, err := New(Config{}, (&fakeConnector{}).connect, nil)
	require.NoError(t, err)
	require.Equal(t, defaultPoolSize, reg.cfg.PoolSize)
}

func newMockRegistry(t *testing.T) (*Registry, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	reg, err := New(Config{PoolSize: 1}, func(context.Context, string) (DB, error) {
		return mock, nil
	}, nil)
	require.NoError(t, err)
	return reg, mock
}

func expectMigration(mock pgxmock.PgxConnIface, ns string) {
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS " + ns).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + ns + ".records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + ns + ".runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
}

func TestSaveBatchCommits(t *testing.T) {
	t.Parallel()

	reg, mock := newMockRegistry(t)
	fetched := time.Unix(1700000000, 0).UTC()
	records := []ingest.Record{
		{ID: "r1", ItemID: "item-1", Kind: "snapshot", ContentHash: "h1", Payload: map[string]any{"title": "a"}, FetchedAt: fetched},
		{ID: "r2", ItemID: "item-1", Kind: "snapshot", ContentHash: "h2", Payload: map[string]any{"title": "b"}, FetchedAt: fetched},
	}

	expectMigration(mock, "shop")
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO shop.records").
		WithArgs("r1", "item-1", "snapshot", "h1", []byte(`{"title":"a"}`), fetched).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery("INSERT INTO shop.records").
		WithArgs("r2", "item-1", "snapshot", "h2", []byte(`{"title":"b"}`), fetched).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-r2"))
	mock.ExpectCommit()

	ids, err := reg.SaveBatch(context.Background(), "shop", records)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "existing-r2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, Stats{Pooled: 1, Idle: 1}, reg.Stats("shop"))
}

func TestSaveBatchRollsBackAndReturnsPartialIDs(t *testing.T) {
	t.Parallel()

	reg, mock := newMockRegistry(t)
	records := []ingest.Record{
		{ID: "r1", ItemID: "item-1", Kind: "feed_entry", ContentHash: "h1"},
		{ID: "r2", ItemID: "item-1", Kind: "feed_entry", ContentHash: "h2"},
		{ID: "r3", ItemID: "item-1", Kind: "feed_entry", ContentHash: "h3"},
	}

	expectMigration(mock, "shop")
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO shop.records").
		WithArgs("r1", "item-1", "feed_entry", "h1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery("INSERT INTO shop.records").
		WithArgs("r2", "item-1", "feed_entry", "h2", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	ids, err := reg.SaveBatch(context.Background(), "shop", records)
	require.Equal(t, []string{"r1"}, ids)
	require.ErrorIs(t, err, ingest.ErrPersistence)

	var perr *ingest.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "shop", perr.Source)
	require.Equal(t, []string{"r1"}, perr.IDs)
	require.ErrorContains(t, err, "unique violation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchDerivesMissingIDs(t *testing.T) {
	t.Parallel()

	reg, mock := newMockRegistry(t)
	rec := ingest.Record{ItemID: "item-9", Kind: "snapshot", ContentHash: "h9"}
	want := reg.ids.RecordID("item-9", "snapshot", "h9")

	expectMigration(mock, "shop")
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO shop.records").
		WithArgs(want, "item-9", "snapshot", "h9", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(want))
	mock.ExpectCommit()

	ids, err := reg.SaveBatch(context.Background(), "shop", []ingest.Record{rec})
	require.NoError(t, err)
	require.Equal(t, []string{want}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	reg, connector := newFakeRegistry(t, 1)
	ids, err := reg.SaveBatch(context.Background(), "shop", nil)
	require.NoError(t, err)
	require.Nil(t, ids)
	require.Zero(t, connector.count())
}

func TestRecordRun(t *testing.T) {
	t.Parallel()

	reg, mock := newMockRegistry(t)
	started := time.Unix(1700000000, 0).UTC()
	report := ingest.RunReport{
		RunID:      "run-1",
		SourceName: "shop",
		Processed:  11,
		Failed:     1,
		Elapsed:    3 * time.Second,
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
	}

	expectMigration(mock, "shop")
	mock.ExpectExec("INSERT INTO shop.runs").
		WithArgs("run-1", "shop", 11, 1, report.StartedAt, report.FinishedAt, int64(3000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, reg.RecordRun(context.Background(), report))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryPing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, _ := newFakeRegistry(t, 2)
	require.NoError(t, reg.Ping(ctx, "shop"))
	require.Equal(t, Stats{Pooled: 2, Idle: 2}, reg.Stats("shop"))
	require.Error(t, reg.Ping(ctx, "bad-name"))
}
