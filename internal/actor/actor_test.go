package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExecutesClosureBeforeReturning(t *testing.T) {
	a := New(1)
	defer a.Stop()

	var ran bool
	err := a.Run(context.Background(), func(ctx context.Context) { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRun_PreservesPostOrder(t *testing.T) {
	a := New(4)
	defer a.Stop()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, a.Run(context.Background(), func(ctx context.Context) { order = append(order, i) }))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRunOnCompletion_DoesNotBlockCaller(t *testing.T) {
	a := New(1)
	defer a.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, a.RunOnCompletion(func(ctx context.Context) {
		close(started)
		<-release
	}))

	<-started
	close(release)
	require.NoError(t, a.Run(context.Background(), func(ctx context.Context) {}))
}

func TestRunOne_RecoversPanicWithoutStrandingQueue(t *testing.T) {
	a := New(2)
	defer a.Stop()

	require.NoError(t, a.RunOnCompletion(func(ctx context.Context) { panic("boom") }))

	var recovered bool
	err := a.Run(context.Background(), func(ctx context.Context) { recovered = true })
	require.NoError(t, err)
	assert.True(t, recovered, "actor must keep draining the queue after a task panics")
}

func TestStop_RejectsFurtherWork(t *testing.T) {
	a := New(1)
	a.Stop()

	err := a.Run(context.Background(), func(ctx context.Context) {})
	assert.Error(t, err)

	err = a.RunOnCompletion(func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestRun_ReturnsContextErrorWhenCancelledWhileWaiting(t *testing.T) {
	a := New(0)
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	block := make(chan struct{})
	require.NoError(t, a.RunOnCompletion(func(ctx context.Context) { <-block }))
	err := a.Run(ctx, func(ctx context.Context) {})
	assert.Error(t, err)
	close(block)
}
