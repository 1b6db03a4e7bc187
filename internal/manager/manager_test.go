package manager

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/namyoh/concmgr/internal/config"
	"github.com/namyoh/concmgr/internal/errs"
	"github.com/namyoh/concmgr/internal/future"
	"github.com/namyoh/concmgr/internal/storage"
	"github.com/namyoh/concmgr/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WriteService.CorePoolSize = 4
	cfg.WriteService.MaximumPoolSize = 8
	cfg.WriteService.GroupCommitTimeout = 20 * time.Millisecond
	return cfg
}

func TestSubmitAcrossAllThreeRegimes(t *testing.T) {
	mgr := New(testConfig(), storage.AlwaysReady{}, storage.NewMemoryCommitSink(), prometheus.NewRegistry())
	defer mgr.Shutdown(2 * time.Second)

	readTask := task.New(task.ReadOnly, nil, func(ctx context.Context) (interface{}, error) { return "r", nil })
	fut, err := mgr.Submit(context.Background(), readTask)
	require.NoError(t, err)
	v, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "r", v)

	txID := mgr.txExec.Begin()
	txTask := task.New(task.ReadWriteTx, []string{"idx-iso"}, func(ctx context.Context) (interface{}, error) { return "t", nil })
	txTask.TransactionID = txID
	fut, err = mgr.Submit(context.Background(), txTask)
	require.NoError(t, err)
	v, err = fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t", v)

	writeTask := task.New(task.UnisolatedWrite, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) { return "w", nil })
	fut, err = mgr.Submit(context.Background(), writeTask)
	require.NoError(t, err)
	v, err = fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "w", v)
}

func TestShutdownRejectsFurtherSubmits(t *testing.T) {
	mgr := New(testConfig(), storage.AlwaysReady{}, storage.NewMemoryCommitSink(), prometheus.NewRegistry())
	mgr.Shutdown(2 * time.Second)

	require.False(t, mgr.IsOpen())
	require.Equal(t, Closed, mgr.State())

	tk := task.New(task.ReadOnly, nil, func(ctx context.Context) (interface{}, error) { return nil, nil })
	_, err := mgr.Submit(context.Background(), tk)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindRejected, kind)
}

func TestShutdownDrainsInFlightWriters(t *testing.T) {
	mgr := New(testConfig(), storage.AlwaysReady{}, storage.NewMemoryCommitSink(), prometheus.NewRegistry())

	var futures []*future.Future
	for i := 0; i < 20; i++ {
		i := i
		tk := task.New(task.UnisolatedWrite, []string{"idx-shared"}, func(ctx context.Context) (interface{}, error) {
			time.Sleep(5 * time.Millisecond)
			return i, nil
		})
		fut, err := mgr.Submit(context.Background(), tk)
		require.NoError(t, err)
		futures = append(futures, fut)
	}

	mgr.Shutdown(5 * time.Second)
	require.Equal(t, Closed, mgr.State())

	for _, f := range futures {
		_, err := f.Get(context.Background())
		require.NoError(t, err)
	}
}

func TestRejectsWhenStoreNotReady(t *testing.T) {
	mgr := New(testConfig(), storage.NeverReady{}, storage.NewMemoryCommitSink(), prometheus.NewRegistry())
	defer mgr.ShutdownNow()

	tk := task.New(task.ReadOnly, nil, func(ctx context.Context) (interface{}, error) { return nil, nil })
	_, err := mgr.Submit(context.Background(), tk)
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrStoreNotAvailable)
}
