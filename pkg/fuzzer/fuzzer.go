// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/corpus"
	"github.com/Ollrogge/hoedur/pkg/db"
	"github.com/Ollrogge/hoedur/pkg/dispatcher"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/mutation"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/Ollrogge/hoedur/pkg/triage"
)

// ErrCrashStop is returned by Run when the session was terminated by a crash.
var ErrCrashStop = errors.New("terminated on crash")

type Config struct {
	Target *fwconfig.Config
	Debug  bool
	Logf   func(level int, msg string, args ...interface{})
	Seed   int64
	// Candidates are executed before any mutation, e.g. seeds from corpus.db.
	Candidates []*input.Input

	Crashes  *triage.CrashStore
	CorpusDB *db.DB
	Archive  *archive.Writer
	Explore  *Exploration
	// NewHook creates a fresh hook for every emulation driver.
	NewHook func() (hook.Hook, error)
	// MaxExecs stops the session after the given number of executions (0 = unlimited).
	MaxExecs int
}

type Fuzzer struct {
	Stats
	Config *Config
	Cover  signal.Map
	Corpus *corpus.Corpus

	mu         sync.Mutex
	rnd        *rand.Rand
	mutStats   mutation.Stats
	started    time.Time
	updates    chan corpus.NewItemEvent
	candidates chan *input.Input
	booted     atomic.Int64
	pool       atomic.Pointer[dispatcher.Pool[*worker]]
	bootErr    error
	crashTitle string

	// Owned by the aggregator goroutine.
	execs int
	seen  map[hash.Sig]bool
}

func NewFuzzer(cfg *Config) (*Fuzzer, error) {
	target := cfg.Target
	cover, err := signal.NewMap(target.CoverMap, target.CoverMapSize)
	if err != nil {
		return nil, err
	}
	if cfg.Logf == nil {
		cfg.Logf = func(int, string, ...interface{}) {}
	}
	updates := make(chan corpus.NewItemEvent)
	fuzzer := &Fuzzer{
		Stats:  newStats(cover.Len),
		Config: cfg,
		Cover:  cover,
		Corpus: corpus.NewMonitoredCorpus(context.Background(), corpus.Config{
			Schedule:   target.PowerSchedule,
			BaseEnergy: target.BaseEnergy,
		}, updates),
		rnd:        rand.New(rand.NewSource(cfg.Seed)),
		updates:    updates,
		candidates: make(chan *input.Input, len(cfg.Candidates)),
		seen:       make(map[hash.Sig]bool),
	}
	for _, inp := range cfg.Candidates {
		if err := target.Layout.Validate(inp); err != nil {
			cfg.Logf(0, "skipping candidate %v: %v", inp.Sig().Short(), err)
			continue
		}
		fuzzer.candidates <- inp
	}
	close(fuzzer.candidates)
	return fuzzer, nil
}

// Run fuzzes until ctx is cancelled, the execution limit is reached or,
// with stop_on_crash, the first crash is found.
func (fuzzer *Fuzzer) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	fuzzer.mu.Lock()
	fuzzer.started = time.Now()
	fuzzer.mu.Unlock()

	procs := fuzzer.Config.Target.Procs
	outcomes := make(chan *outcome, 4*procs)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fuzzer.persist()
	}()
	go func() {
		defer wg.Done()
		for out := range outcomes {
			fuzzer.process(out, stop)
		}
		close(fuzzer.updates)
	}()

	pool := dispatcher.NewPool(procs, fuzzer.newWorker,
		func(ctx context.Context, w *worker, updInfo dispatcher.UpdateInfo) {
			w.loop(ctx, outcomes, updInfo)
		})
	fuzzer.pool.Store(pool)
	go fuzzer.watchBoot(ctx, pool.BootErrors, stop)
	pool.Loop(ctx)
	close(outcomes)
	wg.Wait()

	if fuzzer.Config.CorpusDB != nil {
		if err := fuzzer.Config.CorpusDB.Flush(); err != nil {
			return fmt.Errorf("failed to flush corpus.db: %w", err)
		}
	}
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	if fuzzer.bootErr != nil {
		return fmt.Errorf("failed to start emulation: %w", fuzzer.bootErr)
	}
	if fuzzer.crashTitle != "" && fuzzer.Config.Target.StopOnCrash {
		return fmt.Errorf("%w: %v", ErrCrashStop, fuzzer.crashTitle)
	}
	return nil
}

// watchBoot aborts the session if no worker could ever be started.
func (fuzzer *Fuzzer) watchBoot(ctx context.Context, errs <-chan error, stop func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if fuzzer.booted.Load() != 0 {
				fuzzer.Config.Logf(0, "failed to restart worker: %v", err)
				continue
			}
			fuzzer.mu.Lock()
			fuzzer.bootErr = err
			fuzzer.mu.Unlock()
			stop()
			return
		}
	}
}

// Workers returns the state of the fuzzing workers, or nil before Run.
func (fuzzer *Fuzzer) Workers() []dispatcher.Info {
	pool := fuzzer.pool.Load()
	if pool == nil {
		return nil
	}
	return pool.State()
}

func (fuzzer *Fuzzer) rand() *rand.Rand {
	fuzzer.mu.Lock()
	defer fuzzer.mu.Unlock()
	return rand.New(rand.NewSource(fuzzer.rnd.Int63()))
}

type execKind int

const (
	execCandidate execKind = iota
	execFuzz
	execGenerate
)

type outcome struct {
	kind   execKind
	input  *input.Input
	parent int
	res    *driver.Result
}

// process is the only place where the global coverage map, the corpus and
// the crash store are updated, so every result is accounted exactly once.
func (fuzzer *Fuzzer) process(out *outcome, stop func()) {
	res := out.res
	fuzzer.execs++
	fuzzer.statExecTotal.Add(1)
	switch out.kind {
	case execCandidate:
		fuzzer.statExecCandidate.Add(1)
	case execFuzz:
		fuzzer.statExecFuzz.Add(1)
	case execGenerate:
		fuzzer.statExecGenerate.Add(1)
	}
	fuzzer.statExecTime.Add(int(res.Duration / time.Microsecond))
	inp := out.input.Truncate(res.Consumed)

	// Edges reached by crashing and hanging runs count towards the global map,
	// but only normal runs become seeds.
	delta := fuzzer.Cover.Merge(res.Cover)
	newCover := len(delta)
	switch res.Status {
	case driver.StatusNormal:
		if newCover != 0 {
			seed, exists := fuzzer.Corpus.Save(corpus.NewInput{
				Input:    inp,
				Signal:   res.Cover,
				Delta:    delta,
				Parent:   out.parent,
				ExecTime: res.Duration,
			})
			if !exists {
				fuzzer.statNewInputs.Add(1)
				fuzzer.Config.Logf(1, "new seed %v: %v, +%v edges (total %v)",
					seed.ID, inp, newCover, fuzzer.Cover.Len())
				if fuzzer.Config.Explore != nil {
					if err := fuzzer.Config.Explore.SaveInput(inp); err != nil {
						fuzzer.Config.Logf(0, "failed to save exploration input: %v", err)
					}
				}
			}
		}
	case driver.StatusCrash:
		fuzzer.saveCrash(out, inp, stop)
	case driver.StatusHang:
		fuzzer.statHangs.Add(1)
		if fuzzer.Config.Crashes != nil {
			if _, err := fuzzer.Config.Crashes.SaveHang(inp); err != nil {
				fuzzer.Config.Logf(0, "failed to save hang: %v", err)
			}
		}
	}
	if out.parent >= 0 {
		fuzzer.Corpus.Report(out.parent, newCover, res.Duration)
	}
	if limit := fuzzer.Config.MaxExecs; limit > 0 && fuzzer.execs >= limit {
		stop()
	}
}

func (fuzzer *Fuzzer) saveCrash(out *outcome, inp *input.Input, stop func()) {
	crash := out.res.Crash
	fuzzer.statCrashes.Add(1)
	first := !fuzzer.seen[crash.Signature]
	fuzzer.seen[crash.Signature] = true
	if fuzzer.Config.Crashes != nil {
		_, err := fuzzer.Config.Crashes.SaveCrash(&triage.Crash{
			Signature: crash.Signature,
			Title:     crash.Title,
			Report:    fuzzer.crashReport(out, inp),
			Input:     inp,
		})
		if err != nil {
			fuzzer.Config.Logf(0, "failed to save crash %q: %v", crash.Title, err)
		}
	}
	if fuzzer.Config.Explore != nil {
		if err := fuzzer.Config.Explore.SaveCrash(inp); err != nil {
			fuzzer.Config.Logf(0, "failed to save exploration input: %v", err)
		}
	}
	if !first {
		return
	}
	fuzzer.statUniqueCrashes.Add(1)
	fuzzer.Config.Logf(0, "new crash: %v [%v]", crash.Title, crash.Signature.Short())
	if fuzzer.Config.Target.StopOnCrash {
		fuzzer.mu.Lock()
		if fuzzer.crashTitle == "" {
			fuzzer.crashTitle = crash.Title
		}
		fuzzer.mu.Unlock()
		stop()
	}
}

func (fuzzer *Fuzzer) crashReport(out *outcome, inp *input.Input) []byte {
	res := out.res
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%v\n\n", res.Crash.Title)
	fmt.Fprintf(buf, "signature: %v\n", res.Crash.Signature)
	fmt.Fprintf(buf, "input: %v\n", inp)
	if res.Stop != nil {
		fmt.Fprintf(buf, "stop: %v\n", res.Stop)
	}
	fmt.Fprintf(buf, "executed: %v blocks, %v requests, %v\n", res.Executed, res.Requests, res.Duration)
	if out.parent >= 0 {
		fmt.Fprintf(buf, "lineage: %v\n", fuzzer.Corpus.Lineage(out.parent))
	}
	if res.HookErr != nil {
		fmt.Fprintf(buf, "hook error: %v\n", res.HookErr)
	}
	return buf.Bytes()
}

// persist stores every new seed in corpus.db and the corpus archive.
func (fuzzer *Fuzzer) persist() {
	const flushEvery = 32
	pending := 0
	for upd := range fuzzer.updates {
		if upd.Exists {
			continue
		}
		seed := upd.Seed
		if corpusDB := fuzzer.Config.CorpusDB; corpusDB != nil {
			corpusDB.Save(seed.Input, uint64(seed.ID))
			if pending++; pending >= flushEvery {
				pending = 0
				if err := corpusDB.Flush(); err != nil {
					fuzzer.Config.Logf(0, "failed to flush corpus.db: %v", err)
				}
			}
		}
		if ar := fuzzer.Config.Archive; ar != nil {
			if err := ar.WriteInputAt(seed.ID, seed.Input, seed.Found); err != nil {
				fuzzer.Config.Logf(0, "failed to archive seed %v: %v", seed.ID, err)
			}
		}
	}
}
