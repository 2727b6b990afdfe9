package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleSweepsClosesPoolAfterLastRun(t *testing.T) {
	var mu sync.Mutex
	closed := false
	runs := 0
	run := func(context.Context) {
		mu.Lock()
		defer mu.Unlock()
		require.False(t, closed, "sweep ran after the pool was closed")
		runs++
	}
	closePool := func() {
		mu.Lock()
		defer mu.Unlock()
		closed = true
	}

	stop := scheduleSweeps(context.Background(), time.Millisecond, run, closePool)
	time.Sleep(20 * time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, closed)
	assert.Greater(t, runs, 1, "ticker kept sweeping until stopped")
}

func TestScheduleSweepsStopIsIdempotentWithParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var closeCount sync.Mutex
	closes := 0
	stop := scheduleSweeps(ctx, time.Hour, func(context.Context) {}, func() {
		closeCount.Lock()
		defer closeCount.Unlock()
		closes++
	})

	// Parent cancellation ends the loop; stop must still return promptly and
	// close the pool exactly once.
	cancel()
	stop()

	closeCount.Lock()
	defer closeCount.Unlock()
	assert.Equal(t, 1, closes)
}
