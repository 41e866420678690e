// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux || darwin || freebsd || netbsd || openbsd

package snapshot

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newArena maps anonymous private memory, so large snapshot arenas are not
// scanned by the garbage collector and are released eagerly on close.
func newArena(size int) (*arena, error) {
	if size == 0 {
		return &arena{}, nil
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap of %v bytes failed: %w", size, err)
	}
	return &arena{mem: mem, mapped: true}, nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
