// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package signal

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/Ollrogge/hoedur/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestIntersectsWith(t *testing.T) {
	base := FromRaw([]uint64{0, 1, 2, 3, 4}, 1)
	assert.True(t, base.IntersectsWith(FromRaw([]uint64{0, 5, 10}, 1)))
	assert.False(t, base.IntersectsWith(FromRaw([]uint64{5, 10, 15}, 1)))
	// The other signal has a higher priority.
	assert.False(t, base.IntersectsWith(FromRaw([]uint64{0, 1, 2}, 2)))
}

func TestEdgeID(t *testing.T) {
	e := EdgeID(0x08000010, 0x08000020)
	assert.Equal(t, uint64(0x08000010), e.From())
	assert.Equal(t, uint64(0x08000020), e.To())
	assert.NotEqual(t, EdgeID(1, 2), EdgeID(2, 1))
	assert.NotEqual(t, EdgeID(1<<40, 2), EdgeID(2, 1<<40))
}

func TestClassify(t *testing.T) {
	tests := map[uint32]Prio{
		0: 0, 1: 1, 2: 2, 3: 3, 4: 4, 7: 4, 8: 5, 15: 5,
		16: 6, 31: 6, 32: 7, 127: 7, 128: 8, 1 << 30: 8,
	}
	for hits, want := range tests {
		assert.Equal(t, want, Classify(hits), "hits=%v", hits)
	}
}

func TestMerge(t *testing.T) {
	var s Signal
	assert.True(t, s.Merge(Signal{1: 1, 2: 3}))
	assert.False(t, s.Merge(Signal{1: 1, 2: 2}))
	assert.True(t, s.Merge(Signal{2: 4}))
	assert.False(t, s.Merge(nil))
	assert.Equal(t, Signal{1: 1, 2: 4}, s)
}

func TestDiff(t *testing.T) {
	s := Signal{1: 1, 2: 3}
	assert.Equal(t, Signal{2: 4, 3: 1}, s.Diff(Signal{1: 1, 2: 4, 3: 1}))
	assert.Nil(t, s.Diff(Signal{1: 1, 2: 2}))
}

func TestSerialize(t *testing.T) {
	s := Signal{5: 1, 1: 2, 3: 8}
	ser := s.Serialize()
	assert.Equal(t, []Edge{1, 3, 5}, ser.Elems)
	assert.Equal(t, []Prio{2, 8, 1}, ser.Prios)
	if diff := cmp.Diff(s, ser.Deserialize()); diff != "" {
		t.Fatal(diff)
	}
}

func TestMinimize(t *testing.T) {
	res := Minimize([]Context{
		{Signal: Signal{1: 1, 2: 1}, Context: "a"},
		{Signal: Signal{1: 2}, Context: "b"},
		{Signal: Signal{2: 1}, Context: "c"},
	})
	assert.Equal(t, []interface{}{"a", "b"}, res)
}

func TestTrace(t *testing.T) {
	tr := NewTrace()
	for i := 0; i < 5; i++ {
		tr.Block(0x10)
		tr.Block(0x20)
	}
	assert.Equal(t, Signal{
		EdgeID(0, 0x10):    1,
		EdgeID(0x10, 0x20): 4,
		EdgeID(0x20, 0x10): 4,
	}, tr.Signal(true))
	assert.Equal(t, Signal{
		EdgeID(0, 0x10):    1,
		EdgeID(0x10, 0x20): 1,
		EdgeID(0x20, 0x10): 1,
	}, tr.Signal(false))
	tr.Reset()
	tr.Block(0x30)
	assert.Equal(t, Signal{EdgeID(0x20, 0x30): 1}, tr.Signal(true))
}

func randSignal(r *rand.Rand, n int) Signal {
	s := make(Signal)
	for i := 0; i < n; i++ {
		s[Edge(r.Intn(1000))] = Prio(1 + r.Intn(8))
	}
	return s
}

func TestMapMonotonicAndIdempotent(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for _, typ := range []string{MapExact, MapHashed} {
		t.Run(typ, func(t *testing.T) {
			m, err := NewMap(typ, 1<<8)
			assert.NoError(t, err)
			prev := 0
			for i := 0; i < testutil.IterCount(); i++ {
				s := randSignal(r, 20)
				m.Merge(s)
				assert.GreaterOrEqual(t, m.Len(), prev)
				prev = m.Len()
				// Merging the same signal again must not report anything new.
				assert.Empty(t, m.Merge(s))
				assert.Empty(t, m.Diff(s))
				assert.Equal(t, prev, m.Len())
			}
		})
	}
}

func TestMapConcurrentMerge(t *testing.T) {
	m := NewExact()
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := make(Signal)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				diff := m.Merge(Signal{Edge(i): 1, Edge(1000 + w): 1})
				mu.Lock()
				for e := range diff {
					// Every new element is reported exactly once.
					assert.NotContains(t, total, e)
					total[e] = 1
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 104, m.Len())
	assert.Equal(t, 104, len(total))
	assert.Equal(t, total, m.Signal())
}

func TestHashedMap(t *testing.T) {
	m := NewHashed(4)
	diff := m.Merge(Signal{1: 1, 2: 1, 3: 1, 4: 1, 5: 1, 6: 1})
	assert.LessOrEqual(t, m.Len(), 4)
	assert.Equal(t, m.Len(), len(m.Edges()))
	assert.LessOrEqual(t, len(diff), 6)
	assert.Len(t, m.Bitmap(), 4)
	assert.NotEmpty(t, m.Merge(Signal{1: 2}))
}

func TestNewMapErrors(t *testing.T) {
	_, err := NewMap("bloom", 0)
	assert.Error(t, err)
	_, err = NewMap(MapHashed, 100)
	assert.Error(t, err)
	m, err := NewMap(MapHashed, 0)
	assert.NoError(t, err)
	assert.Len(t, m.(*Hashed).Bitmap(), DefaultHashedSize)
}
