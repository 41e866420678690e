// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"math/rand"
)

// RandEvent returns a random event that satisfies the channel spec.
func (spec *ChannelSpec) RandEvent(r *rand.Rand) Event {
	ev := Event{Size: spec.Width}
	if spec.Channel.Kind == KindDMA {
		align := max(spec.Align, 1)
		ev.Size = align * uint8(1+r.Intn(int(spec.Width/align)))
	}
	if len(spec.Values) != 0 {
		ev.Value = spec.Values[r.Intn(len(spec.Values))] & Mask(ev.Size)
	} else {
		ev.Value = RandValue(r, ev.Size)
	}
	if spec.MaxDelta != 0 {
		ev.Delta = uint32(r.Int63n(int64(spec.MaxDelta) + 1))
	}
	return ev
}

// RandValue prefers small and boundary values, they are more likely to hit interesting comparisons.
func RandValue(r *rand.Rand, size uint8) uint64 {
	mask := Mask(size)
	switch r.Intn(4) {
	case 0:
		return uint64(r.Intn(16))
	case 1:
		return mask - uint64(r.Intn(16))&mask
	case 2:
		return 1 << uint(r.Intn(8*int(size)))
	default:
		return r.Uint64() & mask
	}
}

// Generate creates a random valid input for the layout.
// Each stream has between MinEvents and min(MaxEvents, maxLen) events.
func Generate(r *rand.Rand, l *Layout, maxLen int) *Input {
	var streams []Stream
	for i := range l.specs {
		spec := &l.specs[i]
		lo, hi := spec.Limits()
		hi = max(min(hi, maxLen), lo)
		n := lo + r.Intn(hi-lo+1)
		s := Stream{Channel: spec.Channel}
		for j := 0; j < n; j++ {
			s.Events = append(s.Events, spec.RandEvent(r))
		}
		streams = append(streams, s)
	}
	return MustNew(streams...)
}
