// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

import (
	"fmt"
	"sync"
)

// Map is the global coverage map shared by all fuzzing workers.
// All implementations are safe for concurrent use.
type Map interface {
	// Merge adds the signal to the map and returns the part that was new.
	Merge(s Signal) Signal
	// Diff returns the part of the signal that is new to the map without merging it.
	Diff(s Signal) Signal
	// Len returns the number of covered elements.
	Len() int
	// Edges returns the sorted covered elements (slot indices for hashed maps).
	Edges() []Edge
}

const (
	MapExact  = "exact"
	MapHashed = "hashed"

	DefaultHashedSize = 1 << 16
)

// NewMap creates a coverage map of the given type ("exact" or "hashed").
func NewMap(typ string, size int) (Map, error) {
	switch typ {
	case "", MapExact:
		return NewExact(), nil
	case MapHashed:
		if size == 0 {
			size = DefaultHashedSize
		}
		if size < 0 || size&(size-1) != 0 {
			return nil, fmt.Errorf("hashed coverage map size must be a power of 2, got %v", size)
		}
		return NewHashed(size), nil
	default:
		return nil, fmt.Errorf("unknown coverage map type %q", typ)
	}
}

// Exact tracks every edge separately.
type Exact struct {
	mu     sync.RWMutex
	signal Signal
}

func NewExact() *Exact {
	return &Exact{signal: make(Signal)}
}

func (m *Exact) Merge(s Signal) Signal {
	m.mu.RLock()
	diff := m.signal.Diff(s)
	m.mu.RUnlock()
	if diff.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Recompute under the write lock, another goroutine may have merged a part of it.
	diff = m.signal.Diff(diff)
	m.signal.Merge(diff)
	return diff
}

func (m *Exact) Diff(s Signal) Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal.Diff(s)
}

func (m *Exact) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.signal)
}

func (m *Exact) Edges() []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal.Edges()
}

// Signal returns a copy of the covered signal.
func (m *Exact) Signal() Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal.Copy()
}

// Hashed is a fixed-size bitmap of hit classes indexed by edge hash.
// Colliding edges share a slot, so it may miss some new coverage.
type Hashed struct {
	mu     sync.RWMutex
	slots  []Prio
	mask   uint64
	filled int
}

func NewHashed(size int) *Hashed {
	return &Hashed{
		slots: make([]Prio, size),
		mask:  uint64(size - 1),
	}
}

func (m *Hashed) slot(e Edge) uint64 {
	return mix(uint64(e)) & m.mask
}

func (m *Hashed) diffLocked(s Signal) Signal {
	var res Signal
	pending := make(map[uint64]Prio)
	for e, p := range s {
		idx := m.slot(e)
		if m.slots[idx] >= p || pending[idx] >= p {
			continue
		}
		pending[idx] = p
		if res == nil {
			res = make(Signal)
		}
		res[e] = p
	}
	return res
}

func (m *Hashed) Merge(s Signal) Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	diff := m.diffLocked(s)
	for e, p := range diff {
		idx := m.slot(e)
		if m.slots[idx] == 0 {
			m.filled++
		}
		m.slots[idx] = max(m.slots[idx], p)
	}
	return diff
}

func (m *Hashed) Diff(s Signal) Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.diffLocked(s)
}

func (m *Hashed) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filled
}

func (m *Hashed) Edges() []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Edge
	for i, p := range m.slots {
		if p != 0 {
			res = append(res, Edge(i))
		}
	}
	return res
}

// Bitmap returns a copy of the raw slots.
func (m *Hashed) Bitmap() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]byte, len(m.slots))
	for i, p := range m.slots {
		res[i] = byte(p)
	}
	return res
}
