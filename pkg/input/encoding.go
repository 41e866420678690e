// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package input

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// On-disk input file layout (flatbuffers):
//
//	table InputFileRaw { version: uint; streams: [StreamRaw]; }
//	table StreamRaw { kind: ubyte; addr: ulong; values: [ulong]; sizes: [ubyte]; deltas: [uint]; }
//
// The buffer carries the "HDRI" file identifier.
const (
	fileIdent   = "HDRI"
	fileVersion = 1

	fileSlotVersion = 0
	fileSlotStreams = 1
	fileSlotCount   = 2

	streamSlotKind   = 0
	streamSlotAddr   = 1
	streamSlotValues = 2
	streamSlotSizes  = 3
	streamSlotDeltas = 4
	streamSlotCount  = 5
)

func slot(i int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*i)
}

// Serialize encodes the input in the input file format.
// Encoding is deterministic: equal inputs produce equal bytes.
func (inp *Input) Serialize() []byte {
	b := flatbuffers.NewBuilder(64 + 16*inp.length)
	offsets := make([]flatbuffers.UOffsetT, len(inp.streams))
	for i, s := range inp.streams {
		n := len(s.Events)
		b.StartVector(8, n, 8)
		for j := n - 1; j >= 0; j-- {
			b.PrependUint64(s.Events[j].Value)
		}
		values := b.EndVector(n)
		sizes := make([]byte, n)
		for j, ev := range s.Events {
			sizes[j] = ev.Size
		}
		sizesOff := b.CreateByteVector(sizes)
		b.StartVector(4, n, 4)
		for j := n - 1; j >= 0; j-- {
			b.PrependUint32(s.Events[j].Delta)
		}
		deltas := b.EndVector(n)

		b.StartObject(streamSlotCount)
		b.PrependUint8Slot(streamSlotKind, uint8(s.Channel.Kind), 0)
		b.PrependUint64Slot(streamSlotAddr, s.Channel.Addr, 0)
		b.PrependUOffsetTSlot(streamSlotValues, values, 0)
		b.PrependUOffsetTSlot(streamSlotSizes, sizesOff, 0)
		b.PrependUOffsetTSlot(streamSlotDeltas, deltas, 0)
		offsets[i] = b.EndObject()
	}
	b.StartVector(4, len(offsets), 4)
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	streams := b.EndVector(len(offsets))
	b.StartObject(fileSlotCount)
	b.PrependUint32Slot(fileSlotVersion, fileVersion, 0)
	b.PrependUOffsetTSlot(fileSlotStreams, streams, 0)
	b.FinishWithFileIdentifier(b.EndObject(), []byte(fileIdent))
	return b.FinishedBytes()
}

// Deserialize decodes an input file. Malformed data results in *InputError.
func Deserialize(data []byte) (inp *Input, err error) {
	defer func() {
		// Flatbuffers accessors do not check bounds.
		if r := recover(); r != nil {
			inp, err = nil, &InputError{Err: fmt.Errorf("malformed buffer: %v", r)}
		}
	}()
	if len(data) < 2*flatbuffers.SizeUOffsetT || string(data[4:8]) != fileIdent {
		return nil, &InputError{Err: fmt.Errorf("bad file identifier")}
	}
	root := flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}
	if version := tableUint32(&root, fileSlotVersion); version != fileVersion {
		return nil, &InputError{Err: fmt.Errorf("unsupported version %v", version)}
	}
	var streams []Stream
	if o := flatbuffers.UOffsetT(root.Offset(slot(fileSlotStreams))); o != 0 {
		n := root.VectorLen(o)
		if n*flatbuffers.SizeUOffsetT > len(data) {
			return nil, &InputError{Err: fmt.Errorf("bad stream count %v", n)}
		}
		start := root.Vector(o)
		for i := 0; i < n; i++ {
			st := flatbuffers.Table{Bytes: data}
			st.Pos = root.Indirect(start + flatbuffers.UOffsetT(i*flatbuffers.SizeUOffsetT))
			s, err := decodeStream(&st)
			if err != nil {
				return nil, &InputError{Err: fmt.Errorf("stream %v: %w", i, err)}
			}
			streams = append(streams, s)
		}
	}
	inp, err = New(streams...)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	return inp, nil
}

func decodeStream(st *flatbuffers.Table) (Stream, error) {
	s := Stream{
		Channel: ChannelID{
			Kind: ChannelKind(tableUint8(st, streamSlotKind)),
			Addr: tableUint64(st, streamSlotAddr),
		},
	}
	if _, ok := kindNames[s.Channel.Kind]; !ok {
		return s, fmt.Errorf("unknown channel kind %v", s.Channel.Kind)
	}
	var values []uint64
	if o := flatbuffers.UOffsetT(st.Offset(slot(streamSlotValues))); o != 0 {
		n := st.VectorLen(o)
		if n*8 > len(st.Bytes) {
			return s, fmt.Errorf("bad values length %v", n)
		}
		start := st.Vector(o)
		values = make([]uint64, n)
		for i := range values {
			values[i] = st.GetUint64(start + flatbuffers.UOffsetT(i*8))
		}
	}
	var sizes []byte
	if o := flatbuffers.UOffsetT(st.Offset(slot(streamSlotSizes))); o != 0 {
		sizes = st.ByteVector(o + st.Pos)
	}
	var deltas []uint32
	if o := flatbuffers.UOffsetT(st.Offset(slot(streamSlotDeltas))); o != 0 {
		n := st.VectorLen(o)
		if n*4 > len(st.Bytes) {
			return s, fmt.Errorf("bad deltas length %v", n)
		}
		start := st.Vector(o)
		deltas = make([]uint32, n)
		for i := range deltas {
			deltas[i] = st.GetUint32(start + flatbuffers.UOffsetT(i*4))
		}
	}
	if len(sizes) != len(values) || len(deltas) != len(values) {
		return s, fmt.Errorf("channel %v: mismatching vector lengths %v/%v/%v",
			s.Channel, len(values), len(sizes), len(deltas))
	}
	s.Events = make([]Event, len(values))
	for i := range s.Events {
		s.Events[i] = Event{Value: values[i], Size: sizes[i], Delta: deltas[i]}
	}
	return s, nil
}

func tableUint8(t *flatbuffers.Table, i int) uint8 {
	if o := flatbuffers.UOffsetT(t.Offset(slot(i))); o != 0 {
		return t.GetUint8(o + t.Pos)
	}
	return 0
}

func tableUint32(t *flatbuffers.Table, i int) uint32 {
	if o := flatbuffers.UOffsetT(t.Offset(slot(i))); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return 0
}

func tableUint64(t *flatbuffers.Table, i int) uint64 {
	if o := flatbuffers.UOffsetT(t.Offset(slot(i))); o != 0 {
		return t.GetUint64(o + t.Pos)
	}
	return 0
}
