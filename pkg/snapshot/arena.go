// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"fmt"
)

type arena struct {
	mem    []byte
	used   int
	mapped bool
}

type chunk struct {
	off int
}

func (a *arena) alloc(size int) (chunk, error) {
	if a.used+size > len(a.mem) {
		return chunk{}, fmt.Errorf("arena is full (%v/%v bytes)", a.used, len(a.mem))
	}
	c := chunk{off: a.used}
	a.used += size
	return c, nil
}

func (a *arena) close() error {
	mem := a.mem
	a.mem = nil
	if a.mapped && mem != nil {
		return unmap(mem)
	}
	return nil
}
