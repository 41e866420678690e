// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dispatcher runs a fixed number of restartable worker instances.
// When a job returns, its instance is closed and a fresh one is created,
// so a failure of one worker never affects the others.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/stat"
)

type Instance interface {
	Close() error
}

type UpdateInfo func(cb func(info *Info))

type Runner[T Instance] func(ctx context.Context, inst T, updInfo UpdateInfo)

type CreateInstance[T Instance] func(int) (T, error)

// Pool[T] starts and restarts instances of type T.
type Pool[T Instance] struct {
	// BootErrors receives instance creation errors. If nobody reads it, errors are dropped.
	BootErrors chan error
	// RetryDelay is the pause before recreating an instance that failed to start.
	RetryDelay time.Duration

	creator    CreateInstance[T]
	defaultJob Runner[T]

	mu        sync.Mutex
	instances []*poolInstance

	statRestarts *stat.Val
}

const bootErrorChanCap = 16

func NewPool[T Instance](count int, creator CreateInstance[T], def Runner[T]) *Pool[T] {
	instances := make([]*poolInstance, count)
	for i := range instances {
		instances[i] = &poolInstance{idx: i}
	}
	return &Pool[T]{
		BootErrors: make(chan error, bootErrorChanCap),
		RetryDelay: 10 * time.Millisecond,
		creator:    creator,
		defaultJob: def,
		instances:  instances,
		statRestarts: stat.New("worker restarts", "Number of restarted fuzzing workers",
			stat.Rate{}, stat.Prometheus("hoedur_worker_restarts")),
	}
}

// Loop runs all instances until ctx is cancelled and every job has returned.
func (p *Pool[T]) Loop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range p.instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runInstance(ctx, inst)
		}()
	}
	wg.Wait()
}

func (p *Pool[T]) runInstance(ctx context.Context, inst *poolInstance) {
	for first := true; ctx.Err() == nil; first = false {
		if !first {
			p.statRestarts.Add(1)
		}
		inst.update(func(info *Info) {
			info.State = StateBooting
		})
		obj, err := p.creator(inst.idx)
		if err != nil {
			inst.update(func(info *Info) {
				info.State = StateFailed
				info.Status = err.Error()
			})
			select {
			case p.BootErrors <- err:
			default:
				log.Logf(1, "instance %v: %v", inst.idx, err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(p.RetryDelay):
			}
			continue
		}
		inst.update(func(info *Info) {
			info.State = StateRunning
			info.Status = ""
		})
		p.defaultJob(ctx, obj, inst.update)
		if err := obj.Close(); err != nil {
			log.Logf(0, "instance %v: close failed: %v", inst.idx, err)
		}
		inst.update(func(info *Info) {
			info.Restarts++
		})
	}
	inst.update(func(info *Info) {
		info.State = StateStopped
	})
}

// State returns a copy of the state of all instances.
func (p *Pool[T]) State() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]Info, len(p.instances))
	for i, inst := range p.instances {
		ret[i] = inst.copy()
	}
	return ret
}

func (p *Pool[T]) Total() int {
	return len(p.instances)
}

type InstanceState int

const (
	StateOffline InstanceState = iota
	StateBooting
	StateRunning
	StateFailed
	StateStopped
)

func (s InstanceState) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return "offline"
}

type Info struct {
	State      InstanceState
	Status     string
	Restarts   int
	LastUpdate time.Time
}

type poolInstance struct {
	idx  int
	mu   sync.Mutex
	info Info
}

func (pi *poolInstance) update(cb func(info *Info)) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	cb(&pi.info)
	pi.info.LastUpdate = time.Now()
}

func (pi *poolInstance) copy() Info {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.info
}
