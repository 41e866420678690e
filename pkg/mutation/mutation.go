// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutation generates new inputs from existing ones.
// All operators respect channel semantics (access width, enumerated values, timing bounds)
// and every produced input is validated against the channel layout before it is returned.
package mutation

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/Ollrogge/hoedur/pkg/input"
)

type Op int

const (
	OpBitFlip Op = iota
	OpArith
	OpSubstitute
	OpInsert
	OpDelete
	OpDuplicate
	OpSplice
	OpTiming
	OpCreate
	numOps
)

var opNames = [numOps]string{"bitflip", "arith", "substitute", "insert", "delete", "duplicate",
	"splice", "timing", "create"}

func (op Op) String() string {
	if op >= 0 && op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Relative operator weights.
var opWeights = [numOps]int{
	OpBitFlip:    10,
	OpArith:      10,
	OpSubstitute: 10,
	OpInsert:     6,
	OpDelete:     4,
	OpDuplicate:  3,
	OpSplice:     3,
	OpTiming:     4,
	OpCreate:     2,
}

const (
	maxAttempts = 16
	maxStack    = 8
	maxRun      = 8
	maxArith    = 35
)

var interesting = []uint64{
	0, 1, 0x7f, 0x80, 0xff, 0x100, 0x7fff, 0x8000, 0xffff, 0x10000,
	0x7fffffff, 0x80000000, 0xffffffff, 0x7fffffffffffffff, 0x8000000000000000, ^uint64(0),
}

// Mutator is not safe for concurrent use, every worker has its own.
type Mutator struct {
	layout *input.Layout
	r      *rand.Rand
	total  int

	Stats Stats
}

type Stats struct {
	Produced int
	// Candidates that violated channel constraints or did not change the input.
	Rejected int
	// Failed is the number of Mutate calls that did not produce any input.
	Failed int
	Ops    [numOps]int
}

func New(layout *input.Layout, r *rand.Rand) *Mutator {
	m := &Mutator{layout: layout, r: r}
	for _, w := range opWeights {
		m.total += w
	}
	return m
}

// Mutate returns a new valid input derived from inp, or nil if no valid candidate was found.
// corpus is used as the source of splicing; it may be empty.
func (m *Mutator) Mutate(inp *input.Input, corpus []*input.Input) *input.Input {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		streams := inp.Clone()
		var ops []Op
		for n := 1 << m.r.Intn(4); n > 0 && len(ops) < maxStack; n-- {
			op := m.chooseOp()
			var ok bool
			streams, ok = m.apply(op, streams, corpus)
			if ok {
				ops = append(ops, op)
			}
		}
		if len(ops) == 0 {
			m.Stats.Rejected++
			continue
		}
		res, err := input.New(streams...)
		if err != nil || res.Equal(inp) || m.layout.Validate(res) != nil {
			m.Stats.Rejected++
			continue
		}
		m.Stats.Produced++
		for _, op := range ops {
			m.Stats.Ops[op]++
		}
		return res
	}
	m.Stats.Failed++
	return nil
}

func (m *Mutator) chooseOp() Op {
	v := m.r.Intn(m.total)
	for op, w := range opWeights {
		if v < w {
			return Op(op)
		}
		v -= w
	}
	panic("unreachable")
}

func (m *Mutator) apply(op Op, streams []input.Stream, corpus []*input.Input) ([]input.Stream, bool) {
	if op == OpCreate {
		return m.create(streams)
	}
	if op == OpSplice {
		return m.splice(streams, corpus)
	}
	if len(streams) == 0 {
		// Empty inputs can only grow.
		return m.create(streams)
	}
	idx := m.r.Intn(len(streams))
	s := &streams[idx]
	spec, ok := m.layout.Spec(s.Channel)
	if !ok {
		// Stale channel from another layout, drop it.
		return slices.Delete(streams, idx, idx+1), true
	}
	switch op {
	case OpBitFlip:
		return streams, m.bitFlip(s, spec)
	case OpArith:
		return streams, m.arith(s, spec)
	case OpSubstitute:
		return streams, m.substitute(s, spec)
	case OpInsert:
		return streams, m.insert(s, spec)
	case OpDelete:
		return streams, m.delete(s, spec)
	case OpDuplicate:
		return streams, m.duplicate(s, spec)
	case OpTiming:
		return streams, m.timing(s, spec)
	}
	return streams, false
}

func (m *Mutator) randRun(n int) (int, int) {
	start := m.r.Intn(n)
	length := 1 + m.r.Intn(min(maxRun, n-start))
	return start, length
}

func (m *Mutator) bitFlip(s *input.Stream, spec *input.ChannelSpec) bool {
	if len(s.Events) == 0 {
		return false
	}
	if len(spec.Values) != 0 {
		// Arbitrary bits are not valid for enumerated channels.
		return m.substitute(s, spec)
	}
	ev := &s.Events[m.r.Intn(len(s.Events))]
	if ev.Size == 0 {
		return false
	}
	ev.Value ^= 1 << uint(m.r.Intn(8*int(ev.Size)))
	return true
}

func (m *Mutator) arith(s *input.Stream, spec *input.ChannelSpec) bool {
	if len(s.Events) == 0 {
		return false
	}
	if len(spec.Values) != 0 {
		return m.substitute(s, spec)
	}
	ev := &s.Events[m.r.Intn(len(s.Events))]
	delta := uint64(1 + m.r.Intn(maxArith))
	if m.r.Intn(2) == 0 {
		ev.Value += delta
	} else {
		ev.Value -= delta
	}
	ev.Value &= input.Mask(ev.Size)
	return true
}

func (m *Mutator) substitute(s *input.Stream, spec *input.ChannelSpec) bool {
	if len(s.Events) == 0 {
		return false
	}
	ev := &s.Events[m.r.Intn(len(s.Events))]
	switch {
	case len(spec.Values) != 0:
		ev.Value = spec.Values[m.r.Intn(len(spec.Values))] & input.Mask(ev.Size)
	case m.r.Intn(4) == 0:
		ev.Value = s.Events[m.r.Intn(len(s.Events))].Value
	default:
		ev.Value = interesting[m.r.Intn(len(interesting))] & input.Mask(ev.Size)
	}
	return true
}

func (m *Mutator) insert(s *input.Stream, spec *input.ChannelSpec) bool {
	_, hi := spec.Limits()
	room := hi - len(s.Events)
	if room <= 0 {
		return false
	}
	n := 1 + m.r.Intn(min(maxRun, room))
	pos := m.r.Intn(len(s.Events) + 1)
	events := make([]input.Event, n)
	for i := range events {
		events[i] = spec.RandEvent(m.r)
	}
	s.Events = slices.Insert(s.Events, pos, events...)
	return true
}

func (m *Mutator) delete(s *input.Stream, spec *input.ChannelSpec) bool {
	lo, _ := spec.Limits()
	if len(s.Events) <= lo || len(s.Events) == 0 {
		return false
	}
	start, length := m.randRun(len(s.Events))
	length = min(length, len(s.Events)-lo)
	s.Events = slices.Delete(s.Events, start, start+length)
	return true
}

func (m *Mutator) duplicate(s *input.Stream, spec *input.ChannelSpec) bool {
	_, hi := spec.Limits()
	if len(s.Events) == 0 || len(s.Events) >= hi {
		return false
	}
	start, length := m.randRun(len(s.Events))
	length = min(length, hi-len(s.Events))
	run := slices.Clone(s.Events[start : start+length])
	s.Events = slices.Insert(s.Events, start+length, run...)
	return true
}

// timing perturbs delivery delays and time advances.
func (m *Mutator) timing(s *input.Stream, spec *input.ChannelSpec) bool {
	if len(s.Events) == 0 {
		return false
	}
	ev := &s.Events[m.r.Intn(len(s.Events))]
	switch {
	case spec.MaxDelta != 0:
		ev.Delta = uint32(m.r.Int63n(int64(spec.MaxDelta) + 1))
	case s.Channel.Kind == input.KindTime && len(spec.Values) == 0:
		// Scale the time advance up or down.
		if m.r.Intn(2) == 0 {
			ev.Value >>= 1 + uint(m.r.Intn(3))
		} else {
			ev.Value = (ev.Value<<(1+uint(m.r.Intn(3))) | 1) & input.Mask(ev.Size)
		}
	default:
		return false
	}
	return true
}

// create adds a stream for a layout channel that the input does not have yet.
func (m *Mutator) create(streams []input.Stream) ([]input.Stream, bool) {
	var missing []*input.ChannelSpec
	specs := m.layout.Specs()
	for i := range specs {
		if !slices.ContainsFunc(streams, func(s input.Stream) bool { return s.Channel == specs[i].Channel }) {
			missing = append(missing, &specs[i])
		}
	}
	if len(missing) == 0 {
		return streams, false
	}
	spec := missing[m.r.Intn(len(missing))]
	lo, hi := spec.Limits()
	n := max(lo, 1+m.r.Intn(min(maxRun, hi)))
	s := input.Stream{Channel: spec.Channel}
	for i := 0; i < n; i++ {
		s.Events = append(s.Events, spec.RandEvent(m.r))
	}
	return append(streams, s), true
}

// splice combines a stream with the corresponding stream of another input:
// either replaces it entirely or joins a prefix of one with a suffix of the other.
func (m *Mutator) splice(streams []input.Stream, corpus []*input.Input) ([]input.Stream, bool) {
	if len(corpus) == 0 {
		return streams, false
	}
	other := corpus[m.r.Intn(len(corpus))]
	donors := other.Streams()
	if len(donors) == 0 {
		return streams, false
	}
	donor := donors[m.r.Intn(len(donors))]
	if _, ok := m.layout.Spec(donor.Channel); !ok {
		return streams, false
	}
	idx := slices.IndexFunc(streams, func(s input.Stream) bool { return s.Channel == donor.Channel })
	if idx == -1 {
		return append(streams, input.Stream{Channel: donor.Channel, Events: slices.Clone(donor.Events)}), true
	}
	s := &streams[idx]
	if m.r.Intn(3) == 0 || len(s.Events) == 0 {
		s.Events = slices.Clone(donor.Events)
		return streams, true
	}
	cut := m.r.Intn(len(s.Events) + 1)
	from := m.r.Intn(len(donor.Events))
	s.Events = append(s.Events[:cut:cut], donor.Events[from:]...)
	return streams, true
}
