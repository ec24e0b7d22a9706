package autosync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyRejectsFullyUnconfiguredPolicy(t *testing.T) {
	_, err := NewPolicy(Policy{})
	assert.Error(t, err)
}

func TestNewPolicyAcceptsThresholdOnly(t *testing.T) {
	p, err := NewPolicy(Policy{MaxDirtyBlocks: 10})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestShouldSyncTriggersOnBlockCountThreshold(t *testing.T) {
	p, err := NewPolicy(Policy{MaxDirtyBlocks: 5})
	require.NoError(t, err)

	assert.False(t, p.ShouldSync(4, 0))
	assert.True(t, p.ShouldSync(5, 0))
}

func TestShouldSyncTriggersOnByteThreshold(t *testing.T) {
	p, err := NewPolicy(Policy{MaxDirtyBytes: 8192})
	require.NoError(t, err)

	assert.False(t, p.ShouldSync(0, 4096))
	assert.True(t, p.ShouldSync(0, 8192))
}

func TestDebounceCoalescesBurstWrites(t *testing.T) {
	p, err := NewPolicy(Policy{MaxDirtyBlocks: 1, DebounceMS: 50})
	require.NoError(t, err)

	debounce := p.Debounce()
	assert.True(t, debounce())
	assert.False(t, debounce())
	time.Sleep(60 * time.Millisecond)
	assert.True(t, debounce())
}

func TestDebounceDisabledReturnsTrueEveryCall(t *testing.T) {
	p, err := NewPolicy(Policy{MaxDirtyBlocks: 1})
	require.NoError(t, err)

	debounce := p.Debounce()
	assert.True(t, debounce())
	assert.True(t, debounce())
}

func TestRunTimerInvokesSyncFnOnInterval(t *testing.T) {
	p, err := NewPolicy(Policy{IntervalMS: 10})
	require.NoError(t, err)

	var calls int32
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	p.RunTimer(ctx, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestRunTimerReturnsImmediatelyWithoutInterval(t *testing.T) {
	p, err := NewPolicy(Policy{MaxDirtyBlocks: 1})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.RunTimer(context.Background(), func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunTimer did not return immediately for a policy with no interval configured")
	}
}
