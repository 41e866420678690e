// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log is the process-wide logger.
// Messages carry a verbosity level and are printed if the level does not exceed
// the configured verbosity. Recent messages of levels 0 and 1 can be kept in
// memory for the HTTP status page.
package log

import (
	"fmt"
	golog "log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	verbosity   atomic.Int32
	prependTime = true // for testing

	mu    sync.Mutex
	cache *ring
)

// ring keeps up to len(lines) recent messages, but no more than maxMem bytes.
type ring struct {
	lines  []string
	pos    int
	mem    int
	maxMem int
}

func (r *ring) add(line string) {
	r.mem += len(line) - len(r.lines[r.pos])
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	// Evict the oldest lines, but always keep the newest one.
	for i := 0; i < len(r.lines)-1 && r.mem > r.maxMem; i++ {
		pos := (r.pos + i) % len(r.lines)
		r.mem -= len(r.lines[pos])
		r.lines[pos] = ""
	}
	if r.mem < 0 {
		panic("log cache size underflow")
	}
}

func (r *ring) String() string {
	buf := new(strings.Builder)
	for i := range r.lines {
		line := r.lines[(r.pos+i)%len(r.lines)]
		if line == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EnableLogCaching starts caching up to maxLines recent messages,
// but no more than maxMem bytes. The cache is read with CachedLogOutput.
func EnableLogCaching(maxLines, maxMem int) {
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	mu.Lock()
	defer mu.Unlock()
	if cache != nil {
		panic("log caching is already enabled")
	}
	cache = &ring{
		lines:  make([]string, maxLines),
		maxMem: maxMem,
	}
}

func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	if cache == nil {
		return ""
	}
	return cache.String()
}

// SetVerbosity sets the verbosity level (the -vv flag of the tools).
func SetVerbosity(v int) {
	verbosity.Store(int32(v))
}

// V reports whether messages of level v are printed.
func V(v int) bool {
	return int32(v) <= verbosity.Load()
}

func Logf(v int, msg string, args ...interface{}) {
	if v <= 1 {
		mu.Lock()
		if cache != nil {
			timeStr := ""
			if prependTime {
				timeStr = time.Now().Format("2006/01/02 15:04:05 ")
			}
			cache.add(timeStr + fmt.Sprintf(msg, args...))
		}
		mu.Unlock()
	}
	if V(v) {
		golog.Printf(msg, args...)
	}
}

// Errorf logs at level 0 with an "ERROR:" prefix.
func Errorf(msg string, args ...interface{}) {
	Logf(0, "ERROR: "+msg, args...)
}
