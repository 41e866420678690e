// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

// Trace collects raw edge hit counts of a single execution.
// It is fed from the basic block hook and is not safe for concurrent use.
type Trace struct {
	prev uint64
	hits map[Edge]uint32
}

func NewTrace() *Trace {
	return &Trace{hits: make(map[Edge]uint32)}
}

// Block records execution of the basic block at pc.
// The first block of an execution forms an edge from address 0.
func (t *Trace) Block(pc uint64) {
	e := EdgeID(t.prev, pc)
	if t.hits[e] != ^uint32(0) {
		t.hits[e]++
	}
	t.prev = pc
}

// Reset forgets the collected edges but keeps the current position,
// so that coverage collection can continue after a snapshot point.
func (t *Trace) Reset() {
	clear(t.hits)
}

func (t *Trace) Len() int {
	return len(t.hits)
}

// Signal converts the trace to signal. If hitCounts is false all edges get priority 1.
func (t *Trace) Signal(hitCounts bool) Signal {
	if len(t.hits) == 0 {
		return nil
	}
	s := make(Signal, len(t.hits))
	for e, n := range t.hits {
		if hitCounts {
			s[e] = Classify(n)
		} else {
			s[e] = 1
		}
	}
	return s
}
