// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hook

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/Ollrogge/hoedur/pkg/osutil"
)

// Tracer writes the address of every executed basic block, one per line.
// The resulting trace is used for root cause analysis of crashes.
type Tracer struct {
	w      *bufio.Writer
	closer io.Closer
	blocks uint64
}

func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: bufio.NewWriter(w)}
}

// CreateTracer creates a tracer writing to the file.
func CreateTracer(path string) (*Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, osutil.DefaultFilePerm)
	if err != nil {
		return nil, err
	}
	t := NewTracer(f)
	t.closer = f
	return t, nil
}

func (t *Tracer) OnBlock(pc uint64, st State) error {
	t.blocks++
	_, err := fmt.Fprintf(t.w, "0x%08x\n", pc)
	return err
}

func (t *Tracer) Blocks() uint64 {
	return t.blocks
}

func (t *Tracer) Close() error {
	err := t.w.Flush()
	if t.closer != nil {
		if err1 := t.closer.Close(); err == nil {
			err = err1
		}
	}
	return err
}
