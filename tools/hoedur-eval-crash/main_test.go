// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/covreport"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testInput(n int) *input.Input {
	var events []input.Event
	for i := 0; i < n; i++ {
		events = append(events, input.Event{Value: uint64(i), Size: 4})
	}
	return input.MustNew(input.Stream{Channel: input.MMIO(0x40000000), Events: events})
}

func TestShortestReproducers(t *testing.T) {
	report := covreport.New("c0ffee", "test")
	report.Add(&covreport.Input{ID: 0, Len: 1})
	report.Add(&covreport.Input{ID: 1, Timestamp: covreport.Timestamp(time.Second), CrashReason: "fault A"})
	report.Add(&covreport.Input{ID: 2, Timestamp: covreport.Timestamp(5 * time.Second), CrashReason: "fault A"})
	report.Add(&covreport.Input{ID: 3, CrashReason: "fault B"})
	report.Add(&covreport.Input{ID: 4, CrashReason: "fault B"})
	report.Add(&covreport.Input{ID: 5, CrashReason: "fault C"})
	ar := &archive.Archive{
		Inputs: []archive.Input{
			{ID: 0, Input: testInput(1)},
			{ID: 1, Input: testInput(5)},
			{ID: 2, Input: testInput(3)},
			{ID: 3, Input: testInput(2)},
			{ID: 4, Input: testInput(2)},
		},
	}
	// Input 5 is missing from the archive, so fault C has no reproducer.
	want := []covreport.Occurrence{
		{Reason: "fault A", Time: 5, Input: 2, Len: 3},
		{Reason: "fault B", Input: 3, Len: 2},
	}
	if diff := cmp.Diff(want, shortestReproducers(report, ar)); diff != "" {
		t.Fatal(diff)
	}
}

func TestOutput(t *testing.T) {
	crashes := []covreport.Occurrence{
		{Reason: "fault A", Time: 12, Input: 2, Len: 3, Report: "report.json.xz"},
	}
	buf := new(bytes.Buffer)
	require.NoError(t, writeText(buf, crashes, false))
	assert.Equal(t, "     12 s : fault A :\t input id 2 (report.json.xz)\n", buf.String())

	buf.Reset()
	require.NoError(t, writeText(buf, crashes, true))
	assert.Contains(t, buf.String(), "input id 2 (3 events, report.json.xz)")

	buf.Reset()
	require.NoError(t, writeYAML(buf, crashes))
	var decoded []covreport.Occurrence
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, crashes, decoded)
}
