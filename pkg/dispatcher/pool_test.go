// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolDefault(t *testing.T) {
	count := 3
	pool := makePool(count)

	mgr := NewPool[*testInstance](
		count,
		func(idx int) (*testInstance, error) {
			pool[idx].reset()
			return &pool[idx], nil
		},
		func(ctx context.Context, inst *testInstance, _ UpdateInfo) {
			pool[inst.Index()].run(ctx)
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		mgr.Loop(ctx)
		close(done)
	}()

	// Eventually all instances are up and busy.
	for i := 0; i < count; i++ {
		pool[i].waitRun()
	}

	// The pool restarts failed jobs.
	for i := 0; i < 10; i++ {
		pool[0].stopRun()
		pool[2].stopRun()

		pool[0].waitRun()
		pool[2].waitRun()
	}

	state := mgr.State()
	assert.Len(t, state, count)
	assert.Equal(t, StateRunning, state[1].State)
	assert.Equal(t, 0, state[1].Restarts)
	assert.Equal(t, 10, state[0].Restarts)
	assert.Equal(t, count, mgr.Total())

	cancel()
	<-done
	for _, info := range mgr.State() {
		assert.Equal(t, StateStopped, info.State)
	}
	for i := range pool {
		assert.Equal(t, pool[i].creations.Load(), pool[i].closed.Load())
	}
}

func TestPoolUpdateInfo(t *testing.T) {
	started := make(chan bool)
	mgr := NewPool[*nilInstance](
		1,
		func(idx int) (*nilInstance, error) {
			return &nilInstance{}, nil
		},
		func(ctx context.Context, _ *nilInstance, upd UpdateInfo) {
			upd(func(info *Info) {
				info.Status = "fuzzing"
			})
			started <- true
			<-ctx.Done()
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		mgr.Loop(ctx)
		close(done)
	}()
	<-started
	state := mgr.State()
	assert.Equal(t, "fuzzing", state[0].Status)
	assert.False(t, state[0].LastUpdate.IsZero())
	cancel()
	<-done
}

// Check that the loop terminates even if no one reads from the boot error channel.
func TestPoolBootErrors(t *testing.T) {
	var failCount atomic.Int64

	mgr := NewPool[*testInstance](
		3,
		func(idx int) (*testInstance, error) {
			failCount.Add(1)
			return nil, fmt.Errorf("boot error")
		},
		func(ctx context.Context, _ *testInstance, _ UpdateInfo) {
			<-ctx.Done()
		},
	)
	mgr.RetryDelay = time.Millisecond

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		mgr.Loop(ctx)
		close(done)
	}()

	// Wait till the boot error channel saturates.
	for failCount.Load() < bootErrorChanCap+3 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, mgr.BootErrors, bootErrorChanCap)

	// Now terminate the loop.
	cancel()
	<-done
}

func makePool(count int) []testInstance {
	var ret []testInstance
	for i := 0; i < count; i++ {
		ret = append(ret, testInstance{index: i})
	}
	return ret
}

type testInstance struct {
	index     int
	hasRun    atomic.Bool
	stop      chan bool
	creations atomic.Int64
	closed    atomic.Int64
}

func (ti *testInstance) reset() {
	ti.stop = make(chan bool)
	ti.hasRun.Store(false)
	ti.creations.Add(1)
}

func (ti *testInstance) run(ctx context.Context) {
	ti.hasRun.Store(true)
	select {
	case <-ti.stop:
	case <-ctx.Done():
	}
}

func (ti *testInstance) waitRun() {
	for !ti.hasRun.Load() {
		time.Sleep(10 * time.Millisecond)
	}
}

func (ti *testInstance) stopRun() {
	close(ti.stop)
	ti.hasRun.Store(false) // make subsequent waitRun() actually wait for the next command.
}

func (ti *testInstance) Index() int {
	return ti.index
}

func (ti *testInstance) Close() error {
	ti.closed.Add(1)
	return nil
}

type nilInstance struct {
}

func (ni *nilInstance) Close() error {
	return nil
}
