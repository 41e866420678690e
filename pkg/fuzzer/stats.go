// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"time"

	"github.com/Ollrogge/hoedur/pkg/corpus"
	"github.com/Ollrogge/hoedur/pkg/mutation"
	"github.com/Ollrogge/hoedur/pkg/stat"
)

type Stats struct {
	statExecTotal     *stat.Val
	statExecFuzz      *stat.Val
	statExecGenerate  *stat.Val
	statExecCandidate *stat.Val
	statExecTime      *stat.Val
	statNewInputs     *stat.Val
	statCrashes       *stat.Val
	statUniqueCrashes *stat.Val
	statHangs         *stat.Val
	statWorkerErrors  *stat.Val
	statEdges         *stat.Val
}

func newStats(edges func() int) Stats {
	return Stats{
		statExecTotal: stat.New("exec total", "Total test input executions",
			stat.Console, stat.Rate{}, stat.Prometheus("hoedur_exec_total")),
		statExecFuzz: stat.New("exec fuzz", "Executions of mutated inputs",
			stat.Rate{}),
		statExecGenerate: stat.New("exec gen", "Executions of generated inputs",
			stat.Rate{}),
		statExecCandidate: stat.New("exec candidate", "Executions of imported inputs",
			stat.Rate{}),
		statExecTime: stat.New("exec time", "Execution time of one input (us)",
			stat.Distribution{}),
		statNewInputs: stat.New("new inputs", "Inputs that added coverage",
			stat.Rate{}, stat.Prometheus("hoedur_new_inputs")),
		statCrashes: stat.New("crashes", "Total number of crashing executions",
			stat.Console, stat.Prometheus("hoedur_crashes")),
		statUniqueCrashes: stat.New("crash types", "Number of unique crash signatures",
			stat.Console, stat.Prometheus("hoedur_crash_types")),
		statHangs: stat.New("hangs", "Executions that exceeded the budget",
			stat.Prometheus("hoedur_hangs")),
		statWorkerErrors: stat.New("worker errors", "Emulator and snapshot failures",
			stat.Rate{}),
		statEdges: stat.New("coverage", "Edges in the global coverage map",
			stat.Console, edges, stat.Prometheus("hoedur_coverage")),
	}
}

// Summary is stored in corpus archives as fuzzer statistics.
type Summary struct {
	Duration      float64           `json:"duration_sec"`
	Execs         int               `json:"execs"`
	Crashes       int               `json:"crashes"`
	UniqueCrashes int               `json:"unique_crashes"`
	Hangs         int               `json:"hangs"`
	Edges         int               `json:"edges"`
	Corpus        corpus.Stats      `json:"corpus"`
	Mutations     map[string]int    `json:"mutations"`
	Rejected      int               `json:"mutations_rejected"`
	Seeds         []corpus.SeedInfo `json:"seeds,omitempty"`
}

func (fuzzer *Fuzzer) Summary() *Summary {
	fuzzer.mu.Lock()
	mut := fuzzer.mutStats
	fuzzer.mu.Unlock()
	s := &Summary{
		Duration:      time.Since(fuzzer.started).Seconds(),
		Execs:         fuzzer.statExecTotal.Val(),
		Crashes:       fuzzer.statCrashes.Val(),
		UniqueCrashes: fuzzer.statUniqueCrashes.Val(),
		Hangs:         fuzzer.statHangs.Val(),
		Edges:         fuzzer.Cover.Len(),
		Corpus:        fuzzer.Corpus.Stats(),
		Mutations:     make(map[string]int),
		Rejected:      mut.Rejected,
		Seeds:         fuzzer.Corpus.Info(),
	}
	for op, n := range mut.Ops {
		if n != 0 {
			s.Mutations[mutation.Op(op).String()] = n
		}
	}
	return s
}

func addMutationStats(dst *mutation.Stats, src mutation.Stats) {
	dst.Produced += src.Produced
	dst.Rejected += src.Rejected
	dst.Failed += src.Failed
	for i := range dst.Ops {
		dst.Ops[i] += src.Ops[i]
	}
}
