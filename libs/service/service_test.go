package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flonet/flocrawl/libs/log"
)

type testService struct {
	BaseService
	started int
	stopped int
}

func newTestService() *testService {
	ts := &testService{}
	ts.BaseService = *NewBaseService(log.NewNopLogger(), "testService", ts)
	return ts
}

func (ts *testService) OnStart(ctx context.Context) error {
	ts.started++
	return nil
}

func (ts *testService) OnStop() {
	ts.stopped++
}

func TestBaseServiceLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))
	assert.True(t, ts.IsRunning())
	assert.Equal(t, 1, ts.started)

	assert.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, ts.Stop())
	assert.False(t, ts.IsRunning())
	assert.Equal(t, 1, ts.stopped)

	// Stop is at-most-once.
	assert.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	assert.Equal(t, 1, ts.stopped)

	ts.Wait()
}

func TestBaseServiceStopBeforeStart(t *testing.T) {
	ts := newTestService()
	assert.ErrorIs(t, ts.Stop(), ErrNotStarted)
}

func TestBaseServiceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))

	cancel()
	ts.Wait()

	require.Eventually(t, func() bool { return !ts.IsRunning() },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ts.stopped)
}
