package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSyncer struct {
	calls atomic.Int32
	fail  bool
}

func (s *countingSyncer) ChainID() int64 { return 137 }

func (s *countingSyncer) SyncRealtime(ctx context.Context) error {
	s.calls.Add(1)
	if s.fail {
		return errors.New("rpc down")
	}
	return nil
}

func TestNewSyncWorker_RequiresSyncer(t *testing.T) {
	_, err := NewSyncWorker(&SyncWorkerConfig{})
	assert.Error(t, err)
}

func TestSyncWorker_PollsUntilStopped(t *testing.T) {
	syncer := &countingSyncer{}
	w, err := NewSyncWorker(&SyncWorkerConfig{Syncer: syncer, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool { return syncer.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	after := syncer.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, syncer.calls.Load())

	status := w.GetStatus()
	assert.False(t, status.Running)
	assert.Equal(t, int64(137), status.ChainID)
	assert.Equal(t, int64(after), status.Rounds)
	assert.Zero(t, status.Failures)

	assert.Error(t, w.Stop(context.Background()))
}

func TestSyncWorker_KeepsPollingAfterErrors(t *testing.T) {
	syncer := &countingSyncer{fail: true}
	w, err := NewSyncWorker(&SyncWorkerConfig{Syncer: syncer, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool { return syncer.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	status := w.GetStatus()
	assert.Equal(t, status.Rounds, status.Failures)
	assert.Equal(t, "rpc down", status.LastError)
}
