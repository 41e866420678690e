// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package driver

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/maruel/panicparse/stack"
)

const maxPanicFrames = 8

// faultCrash builds the crash record for a firmware fault.
// The signature covers the fault kind, location and the call stack, but not the
// accessed address, so the same bug with varying pointers is deduplicated.
func faultCrash(f *emu.Fault) *Crash {
	vals := append([]uint64{uint64(f.Kind), f.PC}, f.CallStack...)
	title := f.String()
	if n := len(f.CallStack); n != 0 {
		title += fmt.Sprintf(" called from 0x%x", f.CallStack[n-1])
	}
	return &Crash{
		Signature: hash.Uint64s(vals...),
		Title:     title,
		Fault:     f,
	}
}

// panicCrash builds the crash record for a panic of the emulator backend.
// The signature is derived from the functions of the panicking goroutine.
func panicCrash(val interface{}, dump []byte) *Crash {
	frames := panicFrames(dump)
	title := fmt.Sprintf("emulator panic: %v", val)
	if len(frames) != 0 {
		title += " in " + frames[0]
	}
	sigData := strings.Join(frames, "\n")
	if sigData == "" {
		sigData = title
	}
	return &Crash{
		Signature: hash.Hash([]byte("panic"), []byte(sigData)),
		Title:     title,
		Fault:     &emu.Fault{Kind: emu.FaultHost},
		Host:      true,
	}
}

// panicFrames returns the function names of the panicking goroutine starting from
// the function that has panicked.
func panicFrames(dump []byte) []string {
	ctx, err := stack.ParseDump(bytes.NewReader(dump), io.Discard, false)
	if err != nil || ctx == nil {
		return nil
	}
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		calls := gr.Stack.Calls
		for i, call := range calls {
			if call.Func.PkgDotName() == "runtime.gopanic" {
				calls = calls[i+1:]
				break
			}
		}
		var frames []string
		for _, call := range calls {
			name := call.Func.PkgDotName()
			if strings.HasPrefix(name, "runtime.") {
				continue
			}
			frames = append(frames, name)
			if len(frames) == maxPanicFrames {
				break
			}
		}
		return frames
	}
	return nil
}
