// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package input implements the multi-stream test case model.
// An Input is a set of Streams, one per stimulus channel (MMIO register, interrupt line,
// timer, DMA buffer). Each Stream is consumed strictly in order by the emulation driver
// whenever the firmware requests data on its channel.
//
// Inputs are immutable: all operations that change an input return a new one.
package input

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Ollrogge/hoedur/pkg/hash"
)

type ChannelKind uint8

const (
	KindMMIO ChannelKind = iota + 1
	KindIRQ
	KindTime
	KindDMA
)

var kindNames = map[ChannelKind]string{
	KindMMIO: "mmio",
	KindIRQ:  "irq",
	KindTime: "time",
	KindDMA:  "dma",
}

func (k ChannelKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (ChannelKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown channel kind %q", s)
}

// ChannelID identifies a stimulus source. Addr is the MMIO register or DMA buffer
// address; it is zero for interrupt and time channels.
type ChannelID struct {
	Kind ChannelKind
	Addr uint64
}

func MMIO(addr uint64) ChannelID { return ChannelID{KindMMIO, addr} }
func DMA(addr uint64) ChannelID  { return ChannelID{KindDMA, addr} }

var (
	IRQ  = ChannelID{Kind: KindIRQ}
	Time = ChannelID{Kind: KindTime}
)

func (c ChannelID) String() string {
	if c.Kind == KindMMIO || c.Kind == KindDMA {
		return fmt.Sprintf("%v:0x%x", c.Kind, c.Addr)
	}
	return c.Kind.String()
}

func (c ChannelID) Less(other ChannelID) bool {
	if c.Kind != other.Kind {
		return c.Kind < other.Kind
	}
	return c.Addr < other.Addr
}

// ParseChannel parses the String() form of a channel: "mmio:0x40001000", "irq", "time".
func ParseChannel(s string) (ChannelID, error) {
	kindStr, addrStr, hasAddr := strings.Cut(s, ":")
	kind, err := ParseKind(kindStr)
	if err != nil {
		return ChannelID{}, err
	}
	ch := ChannelID{Kind: kind}
	needAddr := kind == KindMMIO || kind == KindDMA
	if needAddr != hasAddr {
		return ChannelID{}, fmt.Errorf("channel %q: address is required for mmio/dma and forbidden otherwise", s)
	}
	if hasAddr {
		ch.Addr, err = strconv.ParseUint(addrStr, 0, 64)
		if err != nil {
			return ChannelID{}, fmt.Errorf("channel %q: bad address: %w", s, err)
		}
	}
	return ch, nil
}

func (c ChannelID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChannelID) UnmarshalText(data []byte) error {
	ch, err := ParseChannel(string(data))
	if err != nil {
		return err
	}
	*c = ch
	return nil
}

// Event is a single stimulus value.
// Size is the access width in bytes (the DMA transfer length for DMA channels).
// Delta is the number of virtual clock ticks that elapse before the event is delivered.
type Event struct {
	Value uint64
	Size  uint8
	Delta uint32
}

type Stream struct {
	Channel ChannelID
	Events  []Event
}

type Input struct {
	streams []Stream
	length  int
	sig     hash.Sig
}

// New creates an input from the streams. Events are copied, streams are sorted by channel,
// empty streams are dropped.
func New(streams ...Stream) (*Input, error) {
	inp := &Input{}
	seen := make(map[ChannelID]bool)
	for _, s := range streams {
		if seen[s.Channel] {
			return nil, fmt.Errorf("duplicate stream for channel %v", s.Channel)
		}
		seen[s.Channel] = true
		if len(s.Events) == 0 {
			continue
		}
		inp.streams = append(inp.streams, Stream{
			Channel: s.Channel,
			Events:  append([]Event(nil), s.Events...),
		})
		inp.length += len(s.Events)
	}
	sort.Slice(inp.streams, func(i, j int) bool {
		return inp.streams[i].Channel.Less(inp.streams[j].Channel)
	})
	inp.sig = hash.Hash(inp.canonical())
	return inp, nil
}

func MustNew(streams ...Stream) *Input {
	inp, err := New(streams...)
	if err != nil {
		panic(err)
	}
	return inp
}

// Empty is an input without any stream.
var Empty = MustNew()

func (inp *Input) canonical() []byte {
	buf := make([]byte, 0, 16*len(inp.streams)+13*inp.length)
	for _, s := range inp.streams {
		buf = append(buf, byte(s.Channel.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, s.Channel.Addr)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Events)))
		for _, ev := range s.Events {
			buf = binary.LittleEndian.AppendUint64(buf, ev.Value)
			buf = append(buf, ev.Size)
			buf = binary.LittleEndian.AppendUint32(buf, ev.Delta)
		}
	}
	return buf
}

// Sig is the content hash of the input.
func (inp *Input) Sig() hash.Sig {
	return inp.sig
}

// Len returns the total number of events across all streams.
func (inp *Input) Len() int {
	return inp.length
}

func (inp *Input) NumStreams() int {
	return len(inp.streams)
}

// Streams returns the streams sorted by channel.
// The event slices are shared with the input and must not be modified.
func (inp *Input) Streams() []Stream {
	ret := make([]Stream, len(inp.streams))
	for i, s := range inp.streams {
		ret[i] = Stream{s.Channel, s.Events[:len(s.Events):len(s.Events)]}
	}
	return ret
}

// Stream returns the stream for the channel, if present.
// The event slice must not be modified.
func (inp *Input) Stream(ch ChannelID) (Stream, bool) {
	idx := inp.index(ch)
	if idx < 0 {
		return Stream{Channel: ch}, false
	}
	s := inp.streams[idx]
	return Stream{s.Channel, s.Events[:len(s.Events):len(s.Events)]}, true
}

func (inp *Input) index(ch ChannelID) int {
	idx := sort.Search(len(inp.streams), func(i int) bool {
		return !inp.streams[i].Channel.Less(ch)
	})
	if idx < len(inp.streams) && inp.streams[idx].Channel == ch {
		return idx
	}
	return -1
}

func (inp *Input) Channels() []ChannelID {
	ret := make([]ChannelID, len(inp.streams))
	for i, s := range inp.streams {
		ret[i] = s.Channel
	}
	return ret
}

// Clone returns a deep copy of the streams that the caller may freely modify
// and pass back to New.
func (inp *Input) Clone() []Stream {
	ret := make([]Stream, len(inp.streams))
	for i, s := range inp.streams {
		ret[i] = Stream{s.Channel, append([]Event(nil), s.Events...)}
	}
	return ret
}

// Truncate returns the input limited to the given number of events per channel.
// Channels missing from consumed are dropped entirely.
func (inp *Input) Truncate(consumed map[ChannelID]int) *Input {
	var streams []Stream
	changed := false
	for _, s := range inp.streams {
		n := consumed[s.Channel]
		if n > len(s.Events) {
			n = len(s.Events)
		}
		if n != len(s.Events) {
			changed = true
		}
		if n > 0 {
			streams = append(streams, Stream{s.Channel, s.Events[:n]})
		}
	}
	if !changed {
		return inp
	}
	return MustNew(streams...)
}

func (inp *Input) Equal(other *Input) bool {
	return inp.sig == other.sig
}

func (inp *Input) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "input %v [%v events]", inp.sig.Short(), inp.length)
	for _, s := range inp.streams {
		fmt.Fprintf(buf, " %v=%d", s.Channel, len(s.Events))
	}
	return buf.String()
}

// InputError denotes a corrupted stored input.
type InputError struct {
	Name string
	Err  error
}

func (e *InputError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("corrupted input: %v", e.Err)
	}
	return fmt.Sprintf("corrupted input %v: %v", e.Name, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}
