// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covreport

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReport() *Report {
	r := New("c0ffee", "test")
	r.SetCoverage([]signal.Edge{3, 1, 2}, []byte{1, 0, 1})
	r.Add(&Input{ID: 0, Timestamp: Timestamp(time.Second), Len: 5, NewEdges: []signal.Edge{1, 2}})
	r.Add(&Input{ID: 1, Timestamp: Timestamp(3 * time.Second), Len: 4, CrashReason: "fault A"})
	r.Add(&Input{ID: 2, Timestamp: Timestamp(2 * time.Second), Len: 6, CrashReason: "fault A"})
	r.Add(&Input{ID: 3, Len: 1, CrashReason: "fault B"})
	r.Add(&Input{ID: 4, Timestamp: Timestamp(9 * time.Second), Len: 2, CrashReason: "fault B"})
	r.Add(&Input{ID: 5, Timestamp: Timestamp(9 * time.Second), Len: 9, Hang: true})
	return r
}

func TestSaveLoad(t *testing.T) {
	r := testReport()
	assert.Equal(t, []signal.Edge{1, 2, 3}, r.Edges)
	file := filepath.Join(t.TempDir(), "report.json.xz")
	require.NoError(t, r.Save(file))
	loaded, err := Load(file)
	require.NoError(t, err)
	if diff := cmp.Diff(r, loaded); diff != "" {
		t.Fatal(diff)
	}
	assert.Equal(t, signal.Signal{1: 1, 2: 1, 3: 1}, loaded.Signal())
}

func TestCorrupted(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("{}")))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFirstCrashes(t *testing.T) {
	want := []Occurrence{
		{Reason: "fault A", Time: 2, Input: 2, Len: 6},
		{Reason: "fault B", Time: 9, Input: 4, Len: 2},
	}
	if diff := cmp.Diff(want, testReport().FirstCrashes()); diff != "" {
		t.Fatal(diff)
	}
}

func TestShortestCrashes(t *testing.T) {
	want := []Occurrence{
		{Reason: "fault A", Time: 3, Input: 1, Len: 4},
		{Reason: "fault B", Time: 0, Input: 3, Len: 1},
	}
	if diff := cmp.Diff(want, testReport().ShortestCrashes()); diff != "" {
		t.Fatal(diff)
	}
}
