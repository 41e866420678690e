// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/mab"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/Ollrogge/hoedur/pkg/stat"
)

// Corpus object represents a set of seeds that cover the firmware
// up to the currently reached frontiers, together with their scheduling state.
type Corpus struct {
	ctx     context.Context
	cfg     Config
	mu      sync.RWMutex
	seeds   []*seedState // indexed by seed ID
	bySig   map[string]*seedState
	pending seedList
	signal  signal.Signal // total signal of all seeds
	reward  mab.Reward    // yield of all mutations
	cycles  int
	// Mean weight of the last cycle, used to size budgets of seeds found mid-cycle.
	meanWeight float64
	// Mean execution time of the seeds that have one.
	execTime stat.AverageValue[time.Duration]
	updates  chan<- NewItemEvent

	StatSeeds   *stat.Val
	StatSignal  *stat.Val
	StatPending *stat.Val
	StatCycles  *stat.Val
}

func NewCorpus(ctx context.Context, cfg Config) *Corpus {
	return NewMonitoredCorpus(ctx, cfg, nil)
}

func NewMonitoredCorpus(ctx context.Context, cfg Config, updates chan<- NewItemEvent) *Corpus {
	corpus := &Corpus{
		ctx:     ctx,
		cfg:     cfg.withDefaults(),
		bySig:   make(map[string]*seedState),
		signal:  make(signal.Signal),
		updates: updates,
	}
	corpus.StatSeeds = stat.New("corpus", "Number of seeds in the corpus", stat.Console,
		stat.LenOf(&corpus.seeds, &corpus.mu), stat.Prometheus("hoedur_corpus_seeds"))
	corpus.StatSignal = stat.New("signal", "Edges covered by the corpus", stat.Console,
		stat.LenOf(&corpus.signal, &corpus.mu), stat.Prometheus("hoedur_corpus_signal"))
	corpus.StatPending = stat.New("pending", "Seeds with energy left in the current cycle",
		stat.LenOf(&corpus.pending.seeds, &corpus.mu))
	corpus.StatCycles = stat.New("queue cycles", "Completed passes over the seed queue", func() int {
		corpus.mu.RLock()
		defer corpus.mu.RUnlock()
		return corpus.cycles
	})
	return corpus
}

// Seed objects are to be treated as immutable, otherwise it's just
// too hard to synchonize accesses to them across the whole project.
// When Corpus updates one of its seeds, it saves a copy of it.
type Seed struct {
	ID       int
	Sig      string
	Input    *input.Input
	Signal   signal.Signal // everything the seed covers
	Delta    signal.Signal // coverage the seed added when it was found
	Parent   int           // -1 for imported and generated seeds
	ExecTime time.Duration
	Found    time.Time
}

type NewInput struct {
	Input  *input.Input
	Signal signal.Signal
	// Delta is the part of Signal that was new to the global coverage map.
	// If nil, the part that is new to the corpus is used.
	Delta    signal.Signal
	Parent   int
	ExecTime time.Duration
}

type NewItemEvent struct {
	Seed      *Seed
	Exists    bool
	NewSignal signal.Signal
}

type seedState struct {
	seed     *Seed
	budget   int // mutations left in the current cycle
	selected int
	cycles   int
	weight   float64
	reward   mab.Reward
}

// Save adds the input to the corpus. If an identical input is already present,
// its signal is extended and the existing seed is returned with exists set.
func (corpus *Corpus) Save(inp NewInput) (seed *Seed, exists bool) {
	sig := inp.Input.Sig().String()
	corpus.mu.Lock()
	newSignal := corpus.signal.Diff(inp.Signal)
	corpus.signal.Merge(inp.Signal)
	if old, ok := corpus.bySig[sig]; ok {
		exists = true
		merged := old.seed.Signal.Copy()
		merged.Merge(inp.Signal)
		seed = &Seed{}
		*seed = *old.seed
		seed.Signal = merged
		old.seed = seed
	} else {
		delta := inp.Delta
		if delta == nil {
			delta = newSignal
		}
		parent := inp.Parent
		if parent < 0 || parent >= len(corpus.seeds) {
			parent = -1
		}
		seed = &Seed{
			ID:       len(corpus.seeds),
			Sig:      sig,
			Input:    inp.Input,
			Signal:   inp.Signal.Copy(),
			Delta:    delta.Copy(),
			Parent:   parent,
			ExecTime: inp.ExecTime,
			Found:    time.Now(),
		}
		st := &seedState{seed: seed}
		corpus.seeds = append(corpus.seeds, st)
		corpus.bySig[sig] = st
		if inp.ExecTime > 0 {
			corpus.execTime.Save(inp.ExecTime)
		}
		corpus.enqueue(st)
	}
	corpus.mu.Unlock()

	if corpus.updates != nil {
		select {
		case <-corpus.ctx.Done():
		case corpus.updates <- NewItemEvent{
			Seed:      seed,
			Exists:    exists,
			NewSignal: newSignal,
		}:
		}
	}
	return seed, exists
}

// Choose selects the next seed to mutate and consumes one unit of its energy.
// Once every seed has spent its budget a new queue cycle starts.
func (corpus *Corpus) Choose(r *rand.Rand) *Seed {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	if len(corpus.seeds) == 0 {
		return nil
	}
	if corpus.pending.empty() {
		corpus.startCycle()
	}
	st := corpus.pending.choose(r)
	st.selected++
	st.budget--
	if st.budget <= 0 {
		corpus.pending.remove(st)
	}
	return st.seed
}

// Report records the outcome of one mutation of the seed:
// the number of new edges it produced and how long it took.
func (corpus *Corpus) Report(id, newSignal int, elapsed time.Duration) {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	if id < 0 || id >= len(corpus.seeds) {
		return
	}
	cov, secs := float64(newSignal), elapsed.Seconds()
	corpus.seeds[id].reward.Update(cov, secs)
	corpus.reward.Update(cov, secs)
}

func (corpus *Corpus) Signal() signal.Signal {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return corpus.signal.Copy()
}

// Seeds returns all seeds ordered by ID.
func (corpus *Corpus) Seeds() []*Seed {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	ret := make([]*Seed, 0, len(corpus.seeds))
	for _, st := range corpus.seeds {
		ret = append(ret, st.seed)
	}
	return ret
}

// Inputs returns inputs of all seeds, used as splice donors.
func (corpus *Corpus) Inputs() []*input.Input {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	ret := make([]*input.Input, 0, len(corpus.seeds))
	for _, st := range corpus.seeds {
		ret = append(ret, st.seed.Input)
	}
	return ret
}

func (corpus *Corpus) Seed(id int) *Seed {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	if id < 0 || id >= len(corpus.seeds) {
		return nil
	}
	return corpus.seeds[id].seed
}

func (corpus *Corpus) Item(sig string) *Seed {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	if st := corpus.bySig[sig]; st != nil {
		return st.seed
	}
	return nil
}

// Lineage returns IDs of the seed and all of its ancestors, newest first.
func (corpus *Corpus) Lineage(id int) []int {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	var res []int
	for id >= 0 && id < len(corpus.seeds) {
		res = append(res, id)
		id = corpus.seeds[id].seed.Parent
	}
	return res
}

// SeedInfo describes scheduling state of a seed.
type SeedInfo struct {
	ID       int     `json:"id"`
	Weight   float64 `json:"weight"`
	Budget   int     `json:"budget"`
	Selected int     `json:"selected"`
	Cycles   int     `json:"cycles"`
	Yield    float64 `json:"yield"`
	YieldStd float64 `json:"yield_std"`
	// Rate is new coverage per second of execution.
	Rate float64 `json:"rate"`
}

func (corpus *Corpus) Info() []SeedInfo {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	ret := make([]SeedInfo, 0, len(corpus.seeds))
	for _, st := range corpus.seeds {
		ret = append(ret, SeedInfo{
			ID:       st.seed.ID,
			Weight:   st.weight,
			Budget:   st.budget,
			Selected: st.selected,
			Cycles:   st.cycles,
			Yield:    st.reward.Mean(),
			YieldStd: st.reward.Std(),
			Rate:     st.reward.Rate(),
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Stats is a snapshot of the relevant current state figures.
type Stats struct {
	Seeds     int `json:"seeds"`
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Signal    int `json:"signal"`
	Cycles    int `json:"cycles"`
}

func (corpus *Corpus) Stats() Stats {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	pending := len(corpus.pending.seeds)
	return Stats{
		Seeds:     len(corpus.seeds),
		Pending:   pending,
		Processed: len(corpus.seeds) - pending,
		Signal:    len(corpus.signal),
		Cycles:    corpus.cycles,
	}
}
