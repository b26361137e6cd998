// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
)

var dbSeq atomic.Int64

// Logger discards output so test logs stay readable.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewSQLite opens a migrated, private in-memory SQLite database closed at test end.
func NewSQLite(t testing.TB) *repository.DB {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := repository.OpenSQLite(ctx, dsn, Logger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	return db
}

// WaitTerminal polls until job id is completed or failed.
func WaitTerminal(t testing.TB, jobs repository.JobRepository, id string) *entity.Job {
	t.Helper()
	var job *entity.Job
	require.Eventually(t, func() bool {
		j, err := jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached a terminal status", id)
	return job
}
