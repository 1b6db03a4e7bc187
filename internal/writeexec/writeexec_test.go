package writeexec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namyoh/concmgr/internal/errs"
	"github.com/namyoh/concmgr/internal/lockmgr"
	"github.com/namyoh/concmgr/internal/pool"
	"github.com/namyoh/concmgr/internal/storage"
	"github.com/namyoh/concmgr/internal/task"
)

func newTestExecutor(groupTimeout time.Duration) (*Executor, *storage.MemoryCommitSink) {
	p := pool.New("write", pool.Config{Core: 10, Max: 50, QueueCapacity: 1000})
	lm := lockmgr.New()
	sink := storage.NewMemoryCommitSink()
	e := New(p, lm, sink, nil, Config{GroupCommitTimeout: groupTimeout})
	return e, sink
}

func TestSharedResourceSerializes(t *testing.T) {
	e, _ := newTestExecutor(100 * time.Millisecond)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	var concurrent, maxConcurrent int32

	const n = 30
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		tk := task.New(task.UnisolatedWrite, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&concurrent, -1)
			return i, nil
		})
		fut := e.Submit(tk)
		go func() {
			defer wg.Done()
			_, err := fut.Get(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, order, n)
	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "bodies on a shared resource must not overlap")
	require.Equal(t, 0, e.lockMgr.HolderCount(), "all locks must be released after commit")
}

func TestDisjointResourcesOverlap(t *testing.T) {
	e, _ := newTestExecutor(100 * time.Millisecond)

	var concurrent int32
	var maxConcurrent int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	submit := func(resource string) {
		wg.Add(1)
		tk := task.New(task.UnisolatedWrite, []string{resource}, func(ctx context.Context) (interface{}, error) {
			<-start
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil, nil
		})
		fut := e.Submit(tk)
		go func() {
			defer wg.Done()
			_, err := fut.Get(context.Background())
			require.NoError(t, err)
		}()
	}

	for i := 0; i < 10; i++ {
		submit("idx-A")
		submit("idx-B")
	}
	close(start)
	wg.Wait()

	require.Greater(t, int(atomic.LoadInt32(&maxConcurrent)), 1)
}

func TestGroupCommitTimeoutZeroCommitsAlone(t *testing.T) {
	e, sink := newTestExecutor(0)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		tk := task.New(task.UnisolatedWrite, []string{"idx-" + string(rune('A'+i))}, func(ctx context.Context) (interface{}, error) {
			return i, nil
		})
		fut := e.Submit(tk)
		go func() {
			defer wg.Done()
			_, err := fut.Get(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, n, sink.FsyncCount())
	for _, group := range sink.Groups {
		require.Len(t, group.Resources, 1)
	}
}

func TestValidationFailureDoesNotAbortGroup(t *testing.T) {
	e, sink := newTestExecutor(80 * time.Millisecond)

	failing := task.New(task.UnisolatedWrite, []string{"idx-X"}, func(ctx context.Context) (interface{}, error) {
		return nil, errs.New("txexec", errs.KindValidation, "write-write conflict", nil)
	})
	okTask := task.New(task.UnisolatedWrite, []string{"idx-Y"}, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	failFut := e.Submit(failing)
	okFut := e.Submit(okTask)

	_, err := failFut.Get(context.Background())
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindValidation, kind)

	v, err := okFut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 1, sink.FsyncCount())
}

func TestCorruptionAbortsFormingGroup(t *testing.T) {
	// The corrupting task must fail strictly after the healthy task has
	// already joined a forming group: corruption only aborts the group
	// that is currently forming when it is reported, per the write
	// executor's exception-handling rule.
	e, sink := newTestExecutor(200 * time.Millisecond)

	healthy := task.New(task.UnisolatedWrite, []string{"idx-B"}, func(ctx context.Context) (interface{}, error) {
		return "fine", nil
	})
	corrupting := task.New(task.UnisolatedWrite, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, errs.ErrLockSetCorrupted
	})

	healthyFut := e.Submit(healthy)
	_ = e.Submit(corrupting)

	_, err := healthyFut.Get(context.Background())
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindCommitFailed, kind)
	require.Equal(t, 0, sink.FsyncCount())
}

func TestCancelledBeforeLockAcquisitionNeverRuns(t *testing.T) {
	e, _ := newTestExecutor(50 * time.Millisecond)

	holder := task.New(task.UnisolatedWrite, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})
	holderFut := e.Submit(holder)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ran := int32(0)
	waiter := task.New(task.UnisolatedWrite, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) {
		atomic.StoreInt32(&ran, 1)
		return nil, nil
	}).WithContext(ctx)

	fut := e.Submit(waiter)
	_, err := fut.Get(context.Background())
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindCancelled, kind)
	require.Zero(t, atomic.LoadInt32(&ran))

	_, err = holderFut.Get(context.Background())
	require.NoError(t, err)
}

func TestShutdownFinishesCurrentGroup(t *testing.T) {
	e, sink := newTestExecutor(500 * time.Millisecond)

	tk := task.New(task.UnisolatedWrite, []string{"idx-A"}, func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	fut := e.Submit(tk)

	drained := e.Shutdown(2 * time.Second)
	require.True(t, drained)

	v, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Equal(t, 1, sink.FsyncCount())
}
