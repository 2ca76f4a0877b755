package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectRunner_DrainsQueueOnStop(t *testing.T) {
	runner := NewEffectRunner(nil, WithEffectWorkers(2), WithEffectQueueSize(64))
	runner.Start(context.Background())

	var done atomic.Int32
	for i := 0; i < 50; i++ {
		runner.Submit(Effect{Name: "count", Run: func(context.Context) error {
			done.Add(1)
			return nil
		}})
	}
	runner.Stop()

	assert.Equal(t, int32(50), done.Load())
}

func TestEffectRunner_RunsSynchronouslyWhenNotStarted(t *testing.T) {
	runner := NewEffectRunner(nil)

	ran := false
	runner.Submit(Effect{Name: "inline", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	assert.True(t, ran)
}

func TestEffectRunner_RunsSynchronouslyWhenQueueFull(t *testing.T) {
	runner := NewEffectRunner(nil, WithEffectWorkers(1), WithEffectQueueSize(1))
	runner.Start(context.Background())
	defer runner.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	runner.Submit(Effect{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	runner.Submit(Effect{Name: "queued", Run: func(context.Context) error { return nil }})

	ran := false
	runner.Submit(Effect{Name: "overflow", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	assert.True(t, ran)
	close(release)
}

func TestEffectRunner_ReportsFailures(t *testing.T) {
	runner := NewEffectRunner(nil)

	var (
		mu     sync.Mutex
		failed []string
	)
	runner.onFailure = func(effect Effect, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, effect.Name+":"+err.Error())
	}

	runner.Submit(Effect{Name: "notify", OrderID: "o-1", Run: func(context.Context) error {
		return errors.New("smtp down")
	}})

	require.Len(t, failed, 1)
	assert.Equal(t, "notify:smtp down", failed[0])
}

func TestEffectRunner_AppliesTimeout(t *testing.T) {
	runner := NewEffectRunner(nil, WithEffectTimeout(20*time.Millisecond))

	var got error
	runner.onFailure = func(_ Effect, err error) { got = err }
	runner.Submit(Effect{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestEffectRunner_SubmitAfterStop(t *testing.T) {
	runner := NewEffectRunner(nil)
	runner.Start(context.Background())
	runner.Stop()
	runner.Stop()

	ran := false
	runner.Submit(Effect{Name: "late", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	assert.True(t, ran)
}
