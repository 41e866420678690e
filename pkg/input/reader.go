// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"fmt"
)

// ExhaustPolicy defines what a read from a fully consumed stream returns.
type ExhaustPolicy int

const (
	// ExhaustStop ends the execution.
	ExhaustStop ExhaustPolicy = iota
	// ExhaustZero returns zero values.
	ExhaustZero
	// ExhaustLast repeats the last consumed value of the channel.
	ExhaustLast
)

var exhaustNames = []string{"stop", "zero", "last"}

func (p ExhaustPolicy) String() string {
	if int(p) < len(exhaustNames) {
		return exhaustNames[p]
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParseExhaustPolicy(s string) (ExhaustPolicy, error) {
	if s == "" {
		return ExhaustStop, nil
	}
	for i, name := range exhaustNames {
		if name == s {
			return ExhaustPolicy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown exhaust policy %q", s)
}

// Reader tracks per-stream consumption of a single input.
// Reads on one channel never affect the position of another channel.
type Reader struct {
	inp    *Input
	policy ExhaustPolicy
	pos    map[ChannelID]int
	last   map[ChannelID]uint64
}

func (inp *Input) NewReader(policy ExhaustPolicy) *Reader {
	return &Reader{
		inp:    inp,
		policy: policy,
		pos:    make(map[ChannelID]int),
		last:   make(map[ChannelID]uint64),
	}
}

// Next returns the next event of the channel.
// When the stream is exhausted, the result depends on the policy: ok is false for
// ExhaustStop, otherwise a synthesized event of the requested size is returned
// and exhausted is set.
func (r *Reader) Next(ch ChannelID, size uint8) (ev Event, exhausted, ok bool) {
	s, _ := r.inp.Stream(ch)
	pos := r.pos[ch]
	if pos < len(s.Events) {
		ev = s.Events[pos]
		r.pos[ch] = pos + 1
		r.last[ch] = ev.Value
		return ev, false, true
	}
	switch r.policy {
	case ExhaustZero:
		return Event{Size: size}, true, true
	case ExhaustLast:
		return Event{Value: r.last[ch] & Mask(size), Size: size}, true, true
	default:
		return Event{}, true, false
	}
}

// Consumed returns the number of events read from each channel.
func (r *Reader) Consumed() map[ChannelID]int {
	ret := make(map[ChannelID]int, len(r.pos))
	for ch, n := range r.pos {
		ret[ch] = n
	}
	return ret
}

// Exhausted reports whether all streams have been fully consumed.
func (r *Reader) Exhausted() bool {
	for _, s := range r.inp.streams {
		if r.pos[s.Channel] < len(s.Events) {
			return false
		}
	}
	return true
}

func (r *Reader) Input() *Input {
	return r.inp
}
