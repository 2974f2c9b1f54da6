package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/dbhandler/pkg/adapters/dialect/sqlite"
	"github.com/ekaya-inc/dbhandler/pkg/config"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
)

func TestExecute_SQLiteRoundTrip(t *testing.T) {
	d := sqlite.New()
	dsn, err := d.DSN(config.BackendConfig{Path: filepath.Join(t.TempDir(), "exec.db"), BusyTimeout: time.Second})
	require.NoError(t, err)
	connector, err := pool.OpenSQL(d.DriverName(), dsn, 2)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	p := pool.New(config.PoolConfig{MaxSize: 2, ConnectAttempts: 1}, connector, logger)
	defer func() { require.NoError(t, p.Shutdown(context.Background())) }()
	x := New(d, config.ExecutorConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}, logger)

	ctx := context.Background()
	lease, err := p.Acquire(ctx, "roundtrip", time.Second)
	require.NoError(t, err)
	defer lease.Release()

	for _, tbl := range []*models.Table{players(), events()} {
		ddl, err := d.CreateTable(tbl)
		require.NoError(t, err)
		_, err = x.Execute(ctx, lease, models.Exec(ddl))
		require.NoError(t, err)
	}

	id := uuid.New()
	row := func(name string, balance float64) []models.Param {
		return []models.Param{
			{Column: "id", Value: id},
			{Column: "name", Value: name},
			{Column: "level", Value: 3},
			{Column: "balance", Value: balance},
		}
	}

	res, err := x.Execute(ctx, lease, models.Upsert(players(), row("alex", 1.5)...))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	_, err = x.Execute(ctx, lease, models.Upsert(players(), row("alex", 9.25)...))
	require.NoError(t, err)

	res, err = x.Execute(ctx, lease, models.Select(players()).Where(models.Eq("id", id)))
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows.Len())
	rec := res.Rows.Record(0)
	assert.Equal(t, id, rec["id"])
	assert.Equal(t, int16(3), rec["level"])
	assert.Equal(t, 9.25, rec["balance"], "upsert overwrote the existing row")

	res, err = x.Execute(ctx, lease, models.Count(players()))
	require.NoError(t, err)
	n, _ := res.Rows.Get(0, "count")
	assert.Equal(t, int64(1), n)

	res, err = x.Execute(ctx, lease, models.Exists(players(), models.Eq("name", "nobody")))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rows.Len())

	first, err := x.Execute(ctx, lease, models.Insert(events(), models.Param{Column: "kind", Value: "join"}))
	require.NoError(t, err)
	second, err := x.Execute(ctx, lease, models.Insert(events(), models.Param{Column: "kind", Value: "leave"}))
	require.NoError(t, err)
	assert.Equal(t, first.LastInsertID+1, second.LastInsertID)

	res, err = x.Execute(ctx, lease, models.Delete(players(), models.Eq("id", id)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	res, err = x.Execute(ctx, lease, models.Query("SELECT kind FROM events ORDER BY id"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows.Len())
	v, _ := res.Rows.Get(1, "kind")
	assert.Equal(t, "leave", v)
}
