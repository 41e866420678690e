// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	set := newSet(false)
	assert.Empty(t, set.Collect(All))

	v0 := set.New("v0", "desc0")
	v0.Add(1)
	v0.Add(2)
	assert.Equal(t, 3, v0.Val())

	v1 := set.New("v1", "desc1", Console, func() int { return 42 })
	assert.Equal(t, 42, v1.Val())
	assert.Panics(t, func() { v1.Add(1) })

	ui := set.Collect(All)
	assert.Len(t, ui, 2)
	assert.Equal(t, "v1", ui[0].Name, "console level goes first")
	assert.Equal(t, "42", ui[0].Value)
	assert.Equal(t, "v0", ui[1].Name)

	assert.Len(t, set.Collect(Console), 1)
}

func TestDistribution(t *testing.T) {
	set := newSet(false)
	v := set.New("exec time", "", Distribution{})
	assert.Equal(t, 0, v.Val())
	for i := 1; i <= 100; i++ {
		v.Add(i)
	}
	assert.InDelta(t, 50, v.Val(), 1)
	assert.InDelta(t, 90, v.Quantile(0.9), 5)
	ui := set.Collect(All)
	assert.Len(t, ui, 1)
	assert.Contains(t, ui[0].Value, "p95")
}

func TestPrometheus(t *testing.T) {
	set := newSet(false)
	old := set.New("execs", "", Prometheus("test_execs"))
	old.Add(5)
	cur := set.New("execs", "", Prometheus("test_execs"))
	cur.Add(2)
	families, err := set.registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "test_execs", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 1)
	assert.Equal(t, 2.0, families[0].GetMetric()[0].GetGauge().GetValue())
	assert.Len(t, set.Collect(All), 1)
}

func TestLenOf(t *testing.T) {
	set := newSet(false)
	var mu sync.RWMutex
	var items []int
	v := set.New("items", "", LenOf(&items, &mu))
	assert.Equal(t, 0, v.Val())
	items = append(items, 1, 2)
	assert.Equal(t, 2, v.Val())
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "100 (10/sec)", formatRate(100, 10*time.Second))
	assert.Equal(t, "10 (60/min)", formatRate(10, 10*time.Second))
	assert.Equal(t, "1 (360/hour)", formatRate(1, 10*time.Second))
}

func TestAverage(t *testing.T) {
	var avg AverageValue[time.Duration]
	avg.Save(time.Second)
	avg.Save(3 * time.Second)
	assert.Equal(t, 2*time.Second, avg.Value())
}
