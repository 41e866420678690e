// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Schedule is a power schedule: it decides how much energy each seed gets.
type Schedule int

const (
	// ScheduleCoverage weighs seeds by contributed edges per unit of execution cost.
	ScheduleCoverage Schedule = iota
	ScheduleUniform
	// ScheduleFast boosts seeds that were rarely mutated (AFLFast style).
	ScheduleFast
	// ScheduleAdaptive scales coverage weights by the observed yield of mutating the seed.
	ScheduleAdaptive
)

var scheduleNames = []string{
	ScheduleCoverage: "coverage",
	ScheduleUniform:  "uniform",
	ScheduleFast:     "fast",
	ScheduleAdaptive: "adaptive",
}

func (s Schedule) String() string {
	if int(s) < len(scheduleNames) {
		return scheduleNames[s]
	}
	return fmt.Sprintf("schedule(%d)", int(s))
}

func ParseSchedule(name string) (Schedule, error) {
	if name == "" {
		return ScheduleCoverage, nil
	}
	for s, n := range scheduleNames {
		if n == name {
			return Schedule(s), nil
		}
	}
	return 0, fmt.Errorf("unknown power schedule %q", name)
}

type Config struct {
	Schedule Schedule
	// BaseEnergy is the number of mutations an average seed gets per queue cycle.
	BaseEnergy int
	// MaxEnergy caps the per-cycle budget of a single seed.
	MaxEnergy int
}

const DefaultBaseEnergy = 16

func (cfg Config) withDefaults() Config {
	if cfg.BaseEnergy <= 0 {
		cfg.BaseEnergy = DefaultBaseEnergy
	}
	if cfg.MaxEnergy < cfg.BaseEnergy {
		cfg.MaxEnergy = 16 * cfg.BaseEnergy
	}
	return cfg
}

// seedList supports weighted random choice over seeds.
type seedList struct {
	seeds    []*seedState
	sumPrios int64
	accPrios []int64
	dirty    bool
}

const prioScale = 1000

func prioOf(weight float64) int64 {
	prio := int64(weight * prioScale)
	if prio < 1 {
		prio = 1
	}
	return prio
}

func (sl *seedList) empty() bool {
	return len(sl.seeds) == 0
}

func (sl *seedList) add(st *seedState) {
	sl.sumPrios += prioOf(st.weight)
	sl.accPrios = append(sl.accPrios, sl.sumPrios)
	sl.seeds = append(sl.seeds, st)
}

func (sl *seedList) remove(st *seedState) {
	for i, s := range sl.seeds {
		if s == st {
			sl.seeds = append(sl.seeds[:i], sl.seeds[i+1:]...)
			sl.dirty = true
			return
		}
	}
}

func (sl *seedList) rebuild() {
	seeds := sl.seeds
	*sl = seedList{accPrios: make([]int64, 0, len(seeds))}
	for _, st := range seeds {
		sl.add(st)
	}
}

func (sl *seedList) choose(r *rand.Rand) *seedState {
	if sl.dirty {
		sl.rebuild()
	}
	randVal := r.Int63n(sl.sumPrios)
	idx := sort.Search(len(sl.accPrios), func(i int) bool {
		return sl.accPrios[i] > randVal
	})
	return sl.seeds[idx]
}

// weight computes the unnormalized energy of a seed under the configured schedule.
func (corpus *Corpus) weight(st *seedState) float64 {
	if corpus.cfg.Schedule == ScheduleUniform {
		return 1
	}
	w := math.Max(1, float64(len(st.seed.Delta))) / corpus.relativeCost(st)
	switch corpus.cfg.Schedule {
	case ScheduleFast:
		boost := math.Exp2(math.Min(float64(st.cycles), 16)) / float64(1+st.selected)
		w *= math.Min(math.Max(boost, 1.0/16), 16)
	case ScheduleAdaptive:
		factor := (1 + st.reward.Mean()) / (1 + corpus.reward.Mean())
		w *= math.Min(math.Max(factor, 0.25), 4)
	}
	return w
}

func (corpus *Corpus) relativeCost(st *seedState) float64 {
	avg := float64(corpus.execTime.Value())
	if avg <= 0 || st.seed.ExecTime <= 0 {
		return 1
	}
	return math.Min(math.Max(float64(st.seed.ExecTime)/avg, 0.1), 10)
}

func (corpus *Corpus) budget(weight float64) int {
	mean := corpus.meanWeight
	if mean <= 0 {
		mean = weight
	}
	energy := int(math.Round(float64(corpus.cfg.BaseEnergy) * weight / mean))
	return min(max(energy, 1), corpus.cfg.MaxEnergy)
}

// enqueue gives a freshly found seed energy for the rest of the current cycle.
func (corpus *Corpus) enqueue(st *seedState) {
	st.weight = corpus.weight(st)
	st.budget = corpus.budget(st.weight)
	st.cycles++
	corpus.pending.add(st)
}

// startCycle requeues every seed with a budget computed from its current weight.
func (corpus *Corpus) startCycle() {
	corpus.cycles++
	total := 0.0
	for _, st := range corpus.seeds {
		st.weight = corpus.weight(st)
		total += st.weight
	}
	corpus.meanWeight = total / float64(len(corpus.seeds))
	corpus.pending = seedList{}
	for _, st := range corpus.seeds {
		st.budget = corpus.budget(st.weight)
		st.cycles++
		corpus.pending.add(st)
	}
}
