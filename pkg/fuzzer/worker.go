// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/Ollrogge/hoedur/pkg/dispatcher"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/mutation"
	"github.com/Ollrogge/hoedur/pkg/snapshot"
)

const (
	// Probability of mutating a corpus seed instead of generating a fresh input.
	mutateRate = 0.95
	// Number of executions after which a worker refreshes its splice donors.
	donorRefresh = 128
)

// worker owns one emulation driver. Workers never touch shared fuzzing state,
// they only pick inputs and forward execution results to the aggregator.
type worker struct {
	idx     int
	fuzzer  *Fuzzer
	driver  *driver.Driver
	mutator *mutation.Mutator
	rnd     *rand.Rand
	donors  []*input.Input
	execs   int
}

func (fuzzer *Fuzzer) newWorker(idx int) (*worker, error) {
	var h hook.Hook
	if fuzzer.Config.NewHook != nil {
		var err error
		if h, err = fuzzer.Config.NewHook(); err != nil {
			return nil, fmt.Errorf("failed to load hook: %w", err)
		}
	}
	cfg := fuzzer.Config.Target.DriverConfig(h, fuzzer.Config.Logf)
	cfg.Debug = fuzzer.Config.Debug
	drv, err := driver.New(cfg)
	if err != nil {
		return nil, err
	}
	fuzzer.booted.Add(1)
	rnd := fuzzer.rand()
	return &worker{
		idx:     idx,
		fuzzer:  fuzzer,
		driver:  drv,
		mutator: mutation.New(fuzzer.Config.Target.Layout, rnd),
		rnd:     rnd,
	}, nil
}

func (w *worker) Close() error {
	w.fuzzer.mu.Lock()
	addMutationStats(&w.fuzzer.mutStats, w.mutator.Stats)
	w.fuzzer.mu.Unlock()
	return w.driver.Close()
}

func (w *worker) loop(ctx context.Context, outcomes chan<- *outcome, updInfo dispatcher.UpdateInfo) {
	updInfo(func(info *dispatcher.Info) {
		info.Status = fmt.Sprintf("snapshot at %#x", w.driver.SnapshotPC())
	})
	for {
		out := w.next()
		res, err := w.driver.Execute(ctx, out.input)
		if res != nil {
			out.res = res
			outcomes <- out
		}
		if err != nil {
			if ctx.Err() != nil && res == nil {
				return
			}
			var snapErr *snapshot.SnapshotError
			var emuErr *emu.EmulationError
			if !errors.As(err, &snapErr) && !errors.As(err, &emuErr) {
				w.fuzzer.Config.Logf(0, "worker %v: unexpected error: %v", w.idx, err)
			} else {
				w.fuzzer.Config.Logf(1, "worker %v: %v, restarting", w.idx, err)
			}
			w.fuzzer.statWorkerErrors.Add(1)
			updInfo(func(info *dispatcher.Info) {
				info.Status = err.Error()
			})
			return
		}
		w.execs++
	}
}

// next picks the input to execute: imported candidates go first,
// then mutations of corpus seeds, and generated inputs as a fallback.
func (w *worker) next() *outcome {
	if inp, ok := <-w.fuzzer.candidates; ok {
		return &outcome{kind: execCandidate, input: inp, parent: -1}
	}
	target := w.fuzzer.Config.Target
	if w.rnd.Float64() < mutateRate {
		if seed := w.fuzzer.Corpus.Choose(w.rnd); seed != nil {
			if w.donors == nil || w.execs%donorRefresh == 0 {
				w.donors = w.fuzzer.Corpus.Inputs()
			}
			if inp := w.mutator.Mutate(seed.Input, w.donors); inp != nil {
				return &outcome{kind: execFuzz, input: inp, parent: seed.ID}
			}
		}
	}
	inp := input.Generate(w.rnd, target.Layout, target.MaxInputLen)
	return &outcome{kind: execGenerate, input: inp, parent: -1}
}
