// Copyright 2018 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package signal provides types for working with coverage feedback.
// Signal element is a control-flow edge between two basic blocks,
// priority is the hit count class of the edge in a single execution.
package signal

import (
	"slices"
)

type (
	Edge uint64
	Prio uint8
)

// EdgeID returns identifier of the edge between two basic blocks.
// Identifiers are exact for 32-bit addresses.
func EdgeID(from, to uint64) Edge {
	if from>>32 == 0 && to>>32 == 0 {
		return Edge(from<<32 | to)
	}
	return Edge(mix(from)<<1 ^ mix(to))
}

// From returns the source block of an edge created from 32-bit addresses.
func (e Edge) From() uint64 { return uint64(e) >> 32 }

// To returns the destination block of an edge created from 32-bit addresses.
func (e Edge) To() uint64 { return uint64(e) & 0xffffffff }

func mix(v uint64) uint64 {
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}

// Classify maps a raw hit count to a hit count class (1..8).
// Classes follow the usual power-of-two buckets: 1, 2, 3, 4-7, 8-15, 16-31, 32-127, 128+.
func Classify(hits uint32) Prio {
	switch {
	case hits == 0:
		return 0
	case hits <= 3:
		return Prio(hits)
	case hits <= 7:
		return 4
	case hits <= 15:
		return 5
	case hits <= 31:
		return 6
	case hits <= 127:
		return 7
	default:
		return 8
	}
}

type Signal map[Edge]Prio

type Serial struct {
	Elems []Edge `json:"elems,omitempty"`
	Prios []Prio `json:"prios,omitempty"`
}

func (s Signal) Len() int {
	return len(s)
}

func (s Signal) Empty() bool {
	return len(s) == 0
}

func (s Signal) Copy() Signal {
	c := make(Signal, len(s))
	for e, p := range s {
		c[e] = p
	}
	return c
}

func (s *Signal) Split(n int) Signal {
	if n >= s.Len() {
		ret := *s
		*s = nil
		return ret
	}
	c := make(Signal, n)
	for e, p := range *s {
		delete(*s, e)
		c[e] = p
		n--
		if n == 0 {
			break
		}
	}
	if len(*s) == 0 {
		*s = nil
	}
	return c
}

func FromRaw(raw []uint64, prio Prio) Signal {
	if len(raw) == 0 {
		return nil
	}
	s := make(Signal, len(raw))
	for _, e := range raw {
		s[Edge(e)] = prio
	}
	return s
}

// Edges returns sorted signal elements.
func (s Signal) Edges() []Edge {
	res := make([]Edge, 0, len(s))
	for e := range s {
		res = append(res, e)
	}
	slices.Sort(res)
	return res
}

// Serialize returns the signal sorted by edge, the result is deterministic.
func (s Signal) Serialize() Serial {
	if s.Empty() {
		return Serial{}
	}
	res := Serial{
		Elems: s.Edges(),
		Prios: make([]Prio, len(s)),
	}
	for i, e := range res.Elems {
		res.Prios[i] = s[e]
	}
	return res
}

func (ser *Serial) AddElem(elem Edge, prio Prio) {
	ser.Elems = append(ser.Elems, elem)
	ser.Prios = append(ser.Prios, prio)
}

func (ser Serial) Deserialize() Signal {
	if len(ser.Elems) != len(ser.Prios) {
		panic("corrupted Serial")
	}
	if len(ser.Elems) == 0 {
		return nil
	}
	s := make(Signal, len(ser.Elems))
	for i, e := range ser.Elems {
		s[e] = ser.Prios[i]
	}
	return s
}

// Diff returns the part of s1 that is not covered by s (new edges or higher hit classes).
func (s Signal) Diff(s1 Signal) Signal {
	if s1.Empty() {
		return nil
	}
	var res Signal
	for e, p1 := range s1 {
		if p, ok := s[e]; ok && p >= p1 {
			continue
		}
		if res == nil {
			res = make(Signal)
		}
		res[e] = p1
	}
	return res
}

func (s Signal) Intersection(s1 Signal) Signal {
	if s1.Empty() {
		return nil
	}
	res := make(Signal, len(s))
	for e, p := range s {
		if p1, ok := s1[e]; ok && p1 >= p {
			res[e] = p
		}
	}
	return res
}

func (s Signal) IntersectsWith(other Signal) bool {
	for e, p := range other {
		if p1, ok := s[e]; ok && p1 >= p {
			return true
		}
	}
	return false
}

// Merge adds s1 to s keeping the maximum priority of every element.
// It returns true if s has changed. Merge is idempotent and never removes elements.
func (s *Signal) Merge(s1 Signal) bool {
	if s1.Empty() {
		return false
	}
	s0 := *s
	if s0 == nil {
		s0 = make(Signal, len(s1))
		*s = s0
	}
	changed := false
	for e, p1 := range s1 {
		if p, ok := s0[e]; !ok || p < p1 {
			s0[e] = p1
			changed = true
		}
	}
	return changed
}

// WithoutPrio collapses all hit classes to 1, the result only tracks edge presence.
func (s Signal) WithoutPrio() Signal {
	if s.Empty() {
		return nil
	}
	res := make(Signal, len(s))
	for e := range s {
		res[e] = 1
	}
	return res
}

type Context struct {
	Signal  Signal
	Context interface{}
}

// Minimize returns the contexts that together cover the whole signal of the corpus,
// preferring the context with the highest priority for every element.
func Minimize(corpus []Context) []interface{} {
	type ContextPrio struct {
		prio Prio
		idx  int
	}
	covered := make(map[Edge]ContextPrio)
	for i, inp := range corpus {
		for e, p := range inp.Signal {
			if prev, ok := covered[e]; !ok || p > prev.prio {
				covered[e] = ContextPrio{
					prio: p,
					idx:  i,
				}
			}
		}
	}
	indices := make(map[int]struct{}, len(covered))
	for _, cp := range covered {
		indices[cp.idx] = struct{}{}
	}
	sorted := make([]int, 0, len(indices))
	for idx := range indices {
		sorted = append(sorted, idx)
	}
	slices.Sort(sorted)
	result := make([]interface{}, 0, len(sorted))
	for _, idx := range sorted {
		result = append(result, corpus[idx].Context)
	}
	return result
}
