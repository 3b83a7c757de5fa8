package threadpool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCollectsResultsInOrder(t *testing.T) {
	tasks := make([]Task, 8)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			ID: i,
			Run: func(ctx context.Context) (any, error) {
				return i * i, nil
			},
		}
	}

	pool := New(4)
	results, err := Run(context.Background(), pool, tasks, nil)
	require.NoError(t, err)
	require.Len(t, results, len(tasks))
	for i, r := range results {
		assert.Equal(t, i, r.ID)
		assert.Equal(t, i*i, r.Value)
	}
}

func TestRunPropagatesTaskError(t *testing.T) {
	wantErr := errors.New("boom")
	tasks := []Task{
		{ID: 0, Run: func(ctx context.Context) (any, error) { return nil, nil }},
		{ID: 1, Run: func(ctx context.Context) (any, error) { return nil, wantErr }},
	}

	pool := New(2)
	results, err := Run(context.Background(), pool, tasks, nil)
	require.NoError(t, err, "per-task errors surface in Result, not the aggregate error")
	assert.ErrorIs(t, results[1].Err, wantErr)
}

func TestRunRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []Task{
		{ID: 0, Run: func(ctx context.Context) (any, error) { return nil, nil }},
	}

	pool := New(1)
	_, err := Run(ctx, pool, tasks, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSequentialStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ran := 0
	tasks := []Task{
		{ID: 0, Run: func(ctx context.Context) (any, error) { ran++; cancel(); return nil, nil }},
		{ID: 1, Run: func(ctx context.Context) (any, error) { ran++; return nil, nil }},
	}

	results, err := RunSequential(ctx, tasks)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran, "second task should not start")
	assert.Error(t, results[1].Err)
}

func TestRegistryTracksInFlightTasks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	tasks := []Task{
		{ID: 7, Run: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}},
	}

	reg := NewRegistry()
	pool := New(1)

	done := make(chan struct{})
	go func() {
		Run(context.Background(), pool, tasks, reg)
		close(done)
	}()

	<-started
	active := reg.ActiveIDs()
	require.Len(t, active, 1)
	assert.Equal(t, 7, active[0])

	close(release)
	<-done

	assert.Empty(t, reg.ActiveIDs())
}
