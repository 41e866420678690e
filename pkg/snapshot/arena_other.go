// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package snapshot

func newArena(size int) (*arena, error) {
	return &arena{mem: make([]byte, size)}, nil
}

func unmap(mem []byte) error {
	return nil
}
