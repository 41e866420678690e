// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package driver

import (
	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/input"
)

// streamBus serves firmware stimulus requests from the input streams.
type streamBus struct {
	layout   *input.Layout
	reader   *input.Reader
	pause    bool
	requests int
	debug    bool
	logf     func(level int, msg string, args ...interface{})
}

// boot makes the bus pause the machine on the first request.
func (b *streamBus) boot() {
	b.reader = nil
	b.pause = true
	b.requests = 0
}

func (b *streamBus) reset(reader *input.Reader) {
	b.reader = reader
	b.pause = false
	b.requests = 0
}

func (b *streamBus) Feed(req emu.Request) (input.Event, emu.Feed) {
	if b.pause {
		b.pause = false
		return input.Event{}, emu.FeedPause
	}
	if b.reader == nil {
		return input.Event{}, emu.FeedStop
	}
	b.requests++
	ev, exhausted, ok := b.reader.Next(req.Channel, req.Size)
	if b.debug {
		b.logf(0, "0x%08x: %v request #%v size %v: value 0x%x delta %v exhausted %v",
			req.PC, req.Channel, b.requests, req.Size, ev.Value, ev.Delta, exhausted)
	}
	if !ok {
		return ev, emu.FeedStop
	}
	if ev.Size == 0 {
		ev.Size = req.Size
	}
	return ev, emu.FeedOK
}
