// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/Ollrogge/hoedur/pkg/hash"
)

// DefaultMaxEvents bounds stream length when ChannelSpec.MaxEvents is not set.
const DefaultMaxEvents = 1 << 12

// ChannelSpec describes the valid events of a single channel.
type ChannelSpec struct {
	Channel ChannelID `json:"channel" yaml:"channel"`
	// Access width in bytes: 1, 2, 4 or 8. DMA events may be shorter.
	Width uint8 `json:"width" yaml:"width"`
	// Enumerated valid values (e.g. interrupt numbers). Empty means any value that fits Width.
	Values []uint64 `json:"values,omitempty" yaml:"values,omitempty"`
	// DMA transfer size granularity.
	Align     uint8  `json:"align,omitempty" yaml:"align,omitempty"`
	MinEvents int    `json:"min_events,omitempty" yaml:"min_events,omitempty"`
	MaxEvents int    `json:"max_events,omitempty" yaml:"max_events,omitempty"`
	MaxDelta  uint32 `json:"max_delta,omitempty" yaml:"max_delta,omitempty"`
}

func (spec *ChannelSpec) maxEvents() int {
	if spec.MaxEvents == 0 {
		return DefaultMaxEvents
	}
	return spec.MaxEvents
}

// Limits returns the bounds for the number of events in the channel stream.
func (spec *ChannelSpec) Limits() (int, int) {
	return spec.MinEvents, spec.maxEvents()
}

// Mask returns the value mask for an access of the given size.
func Mask(size uint8) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint64(size)) - 1
}

func (spec *ChannelSpec) check() error {
	switch spec.Width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("channel %v: bad width %v", spec.Channel, spec.Width)
	}
	if _, ok := kindNames[spec.Channel.Kind]; !ok {
		return fmt.Errorf("channel %v: unknown kind", spec.Channel)
	}
	if spec.Align != 0 && spec.Width%spec.Align != 0 {
		return fmt.Errorf("channel %v: width %v is not a multiple of align %v",
			spec.Channel, spec.Width, spec.Align)
	}
	if spec.MinEvents < 0 || spec.MinEvents > spec.maxEvents() {
		return fmt.Errorf("channel %v: bad event bounds [%v, %v]",
			spec.Channel, spec.MinEvents, spec.maxEvents())
	}
	for _, v := range spec.Values {
		if v&^Mask(spec.Width) != 0 {
			return fmt.Errorf("channel %v: value 0x%x does not fit width %v", spec.Channel, v, spec.Width)
		}
	}
	return nil
}

// ValidEvent checks a single event against the channel constraints.
func (spec *ChannelSpec) ValidEvent(ev Event) error {
	if spec.Channel.Kind == KindDMA {
		align := max(spec.Align, 1)
		if ev.Size == 0 || ev.Size > spec.Width || ev.Size%align != 0 {
			return fmt.Errorf("bad transfer size %v", ev.Size)
		}
	} else if ev.Size != spec.Width {
		return fmt.Errorf("bad access size %v, want %v", ev.Size, spec.Width)
	}
	if ev.Value&^Mask(ev.Size) != 0 {
		return fmt.Errorf("value 0x%x does not fit size %v", ev.Value, ev.Size)
	}
	if len(spec.Values) != 0 && !slices.Contains(spec.Values, ev.Value) {
		return fmt.Errorf("value 0x%x is not in the enumerated set", ev.Value)
	}
	if ev.Delta > spec.MaxDelta {
		return fmt.Errorf("delta %v exceeds %v", ev.Delta, spec.MaxDelta)
	}
	return nil
}

// Layout is the set of channels of a fuzzing target together with their constraints.
type Layout struct {
	specs []ChannelSpec
	index map[ChannelID]int
	sig   hash.Sig
}

func NewLayout(specs []ChannelSpec) (*Layout, error) {
	l := &Layout{
		specs: slices.Clone(specs),
		index: make(map[ChannelID]int),
	}
	sort.Slice(l.specs, func(i, j int) bool {
		return l.specs[i].Channel.Less(l.specs[j].Channel)
	})
	var buf []byte
	for i := range l.specs {
		spec := &l.specs[i]
		if err := spec.check(); err != nil {
			return nil, err
		}
		if _, ok := l.index[spec.Channel]; ok {
			return nil, fmt.Errorf("duplicate channel %v", spec.Channel)
		}
		l.index[spec.Channel] = i
		buf = append(buf, byte(spec.Channel.Kind), spec.Width, spec.Align)
		buf = binary.LittleEndian.AppendUint64(buf, spec.Channel.Addr)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(spec.MinEvents))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(spec.maxEvents()))
		buf = binary.LittleEndian.AppendUint32(buf, spec.MaxDelta)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(spec.Values)))
		for _, v := range spec.Values {
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
	}
	l.sig = hash.Hash(buf)
	return l, nil
}

func (l *Layout) Spec(ch ChannelID) (*ChannelSpec, bool) {
	idx, ok := l.index[ch]
	if !ok {
		return nil, false
	}
	return &l.specs[idx], true
}

// Specs returns the channel specs sorted by channel. The result must not be modified.
func (l *Layout) Specs() []ChannelSpec {
	return l.specs
}

// Hash identifies the layout; snapshots and inputs are only compatible within one layout.
func (l *Layout) Hash() hash.Sig {
	return l.sig
}

// Validate checks that the input conforms to the layout:
// every stream belongs to a declared channel, all events are well-formed,
// and per-channel event counts are within bounds.
func (l *Layout) Validate(inp *Input) error {
	for _, s := range inp.streams {
		spec, ok := l.Spec(s.Channel)
		if !ok {
			return fmt.Errorf("unknown channel %v", s.Channel)
		}
		if len(s.Events) > spec.maxEvents() {
			return fmt.Errorf("channel %v: %v events exceed the limit %v",
				s.Channel, len(s.Events), spec.maxEvents())
		}
		for i, ev := range s.Events {
			if err := spec.ValidEvent(ev); err != nil {
				return fmt.Errorf("channel %v event %v: %w", s.Channel, i, err)
			}
		}
	}
	for i := range l.specs {
		spec := &l.specs[i]
		if spec.MinEvents == 0 {
			continue
		}
		s, _ := inp.Stream(spec.Channel)
		if len(s.Events) < spec.MinEvents {
			return fmt.Errorf("channel %v: %v events, need at least %v",
				spec.Channel, len(s.Events), spec.MinEvents)
		}
	}
	return nil
}
