package router

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultsq/vaultsq/pkg/dberr"
	"github.com/vaultsq/vaultsq/pkg/engine"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

func setupTestRouter(t *testing.T) (*Router, *engine.Engine, func()) {
	tmpFile, err := os.CreateTemp("", "vaultsq_router_test_*.db")
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	eng, err := engine.Open(engine.Options{
		Path: tmpFile.Name(),
		Schema: []string{
			`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`,
		},
	})
	require.NoError(t, err)

	cleanup := func() {
		eng.Close()
		os.Remove(tmpFile.Name())
	}
	return New(eng), eng, cleanup
}

func TestReadWriteRoundTrip(t *testing.T) {
	r, _, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx := context.Background()

	w, err := r.Write(ctx, "INSERT INTO t (id, v) VALUES (?, ?)",
		[]wire.Value{wire.Integer(1), wire.Text("a")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Affected)

	res, err := r.Read(ctx, "SELECT id, v FROM t", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "a", res.Rows[0][1].AsText())
}

func TestValidationRejectedBeforeQueue(t *testing.T) {
	r, eng, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx := context.Background()

	var execs int
	eng.SetExecHook(func(string) { execs++ })

	_, err := r.Read(ctx, "", nil)
	assert.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))

	_, err = r.Read(ctx, "INSERT INTO t (id, v) VALUES (1, 'a')", nil)
	assert.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))

	_, err = r.Write(ctx, "SELECT * FROM t", nil)
	assert.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))

	_, err = r.Transaction(ctx, nil)
	assert.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))

	_, err = r.Transaction(ctx, []wire.Statement{{SQL: ""}})
	assert.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))

	assert.Equal(t, 0, execs, "validation errors must never reach the serializer")
}

func TestTransactionAggregate(t *testing.T) {
	r, _, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx := context.Background()

	res, err := r.Transaction(ctx, []wire.Statement{
		{SQL: "INSERT INTO t (id, v) VALUES (1, 'a')"},
		{SQL: "INSERT INTO t (id, v) VALUES (2, 'b')"},
		{SQL: "SELECT count(*) FROM t"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)
	require.Len(t, res.Statements, 3)
	require.NotNil(t, res.Statements[2].Rows)
	assert.Equal(t, int64(2), res.Statements[2].Rows.Rows[0][0].Integer)
}

func TestAbandonedCallerDetachesButOperationRuns(t *testing.T) {
	r, eng, cleanup := setupTestRouter(t)
	defer cleanup()

	// Occupy the serializer so the next submission cannot resolve before
	// its caller's context expires.
	slow, err := eng.SubmitWrite(
		`INSERT INTO t (id, v)
		 WITH RECURSIVE seq(n) AS (
		 	SELECT 10 UNION ALL SELECT n + 1 FROM seq WHERE n < 150000
		 )
		 SELECT n, 'bulk' FROM seq`, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Write(ctx, "INSERT INTO t (id, v) VALUES (1, 'late')", nil)
	require.Error(t, err)
	assert.Equal(t, dberr.CodeCancelled, dberr.CodeOf(err))

	<-slow

	// The abandoned write still ran to completion.
	res, err := r.Read(context.Background(), "SELECT v FROM t WHERE id = 1", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "late", res.Rows[0][0].AsText())
}

func TestDeadlineExpiry(t *testing.T) {
	r, eng, cleanup := setupTestRouter(t)
	defer cleanup()

	slow, err := eng.SubmitWrite(
		`INSERT INTO t (id, v)
		 WITH RECURSIVE seq(n) AS (
		 	SELECT 10 UNION ALL SELECT n + 1 FROM seq WHERE n < 150000
		 )
		 SELECT n, 'bulk' FROM seq`, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err = r.Read(ctx, "SELECT count(*) FROM t", nil)
	require.Error(t, err)
	assert.Equal(t, dberr.CodeCancelled, dberr.CodeOf(err))

	<-slow
}
