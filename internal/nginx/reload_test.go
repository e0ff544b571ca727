package nginx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

func waitForFinished(t *testing.T, m *ReloadManager, id int64) ReloadStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := m.GetStatus(id); ok &&
			(st.State == ReloadStateSucceeded || st.State == ReloadStateFailed) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reload %d never finished", id)
	return ReloadStatus{}
}

func TestReloadManagerCoalescesBurst(t *testing.T) {
	f := &fakeOps{}
	m := NewReloadManager(f)
	m.coalesceWindow = 250 * time.Millisecond
	m.Start(context.Background())
	defer m.Stop()

	const workers = 20
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = m.QueueReload()
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		st := waitForFinished(t, m, id)
		assert.Equal(t, ReloadStateSucceeded, st.State)
	}
	m.Stop()

	// One nginx cycle for the whole burst, and every caller kept its entry.
	assert.Equal(t, 1, f.testCalls)
	assert.Equal(t, 1, f.reloadCalls)
	for _, id := range ids {
		_, ok := m.GetStatus(id)
		assert.True(t, ok)
	}
}

func TestReloadManagerIDsAreMonotone(t *testing.T) {
	m := NewReloadManager(&fakeOps{})
	m.Start(context.Background())
	defer m.Stop()

	a := m.QueueReload()
	b := m.QueueReload()
	c := m.QueueReload()
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestReloadManagerFailurePropagatesToAllCoalesced(t *testing.T) {
	f := &fakeOps{testErr: errdefs.ErrNginxTestFailed}
	m := NewReloadManager(f)
	m.coalesceWindow = 100 * time.Millisecond
	m.Start(context.Background())
	defer m.Stop()

	ids := []int64{m.QueueReload(), m.QueueReload(), m.QueueReload()}
	for _, id := range ids {
		st := waitForFinished(t, m, id)
		assert.Equal(t, ReloadStateFailed, st.State)
		assert.Contains(t, st.Error, "config test")
	}

	// Failed cycles are never retried by the manager.
	m.Stop()
	assert.Equal(t, 1, f.testCalls)
}

func TestReloadManagerSequentialCycles(t *testing.T) {
	f := &fakeOps{}
	m := NewReloadManager(f)
	m.coalesceWindow = 20 * time.Millisecond
	m.Start(context.Background())
	defer m.Stop()

	first := m.QueueReload()
	waitForFinished(t, m, first)

	second := m.QueueReload()
	waitForFinished(t, m, second)

	m.Stop()
	assert.Equal(t, 2, f.reloadCalls)
}

func TestReloadManagerGetStatusUnknown(t *testing.T) {
	m := NewReloadManager(&fakeOps{})
	_, ok := m.GetStatus(12345)
	assert.False(t, ok)
}

func TestReloadManagerPrune(t *testing.T) {
	m := NewReloadManager(&fakeOps{})

	old := time.Now().Add(-time.Hour)
	for i := int64(1); i <= 300; i++ {
		finished := old
		m.statuses[i] = &ReloadStatus{ID: i, State: ReloadStateSucceeded, FinishedAt: &finished}
		m.order = append(m.order, i)
	}

	m.mu.Lock()
	m.pruneLocked(time.Now())
	m.mu.Unlock()

	assert.Len(t, m.statuses, 256)
	_, ok := m.GetStatus(1)
	assert.False(t, ok, "oldest entries beyond the cap are dropped")
	_, ok = m.GetStatus(300)
	assert.True(t, ok)
}

func TestReloadManagerPruneKeepsRecentBeyondCap(t *testing.T) {
	m := NewReloadManager(&fakeOps{})

	now := time.Now()
	for i := int64(1); i <= 300; i++ {
		finished := now
		m.statuses[i] = &ReloadStatus{ID: i, State: ReloadStateSucceeded, FinishedAt: &finished}
		m.order = append(m.order, i)
	}

	m.mu.Lock()
	m.pruneLocked(now)
	m.mu.Unlock()

	// Everything is inside the retention window, so nothing is dropped even
	// though the cap is exceeded.
	assert.Len(t, m.statuses, 300)
}
