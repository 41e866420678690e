// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"testing"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/covreport"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInput(n int) *input.Input {
	var events []input.Event
	for i := 0; i < n; i++ {
		events = append(events, input.Event{Value: uint64(i), Size: 4})
	}
	return input.MustNew(input.Stream{Channel: input.MMIO(0x40000000), Events: events})
}

func testCorpus(t *testing.T) []byte {
	buf := new(bytes.Buffer)
	w, err := archive.NewWriter(buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteConfig([]byte(`{"name": "test"}`)))
	require.NoError(t, w.WriteSession(archive.NewSession("test")))
	for id := 0; id < 4; id++ {
		require.NoError(t, w.WriteInput(id, testInput(id+1)))
	}
	require.NoError(t, w.WriteStats(map[string]int{"execs": 10}))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func runExtract(t *testing.T, corpus []byte, sel selection) (*archive.Archive, error) {
	r, err := archive.NewReader(bytes.NewReader(corpus))
	require.NoError(t, err)
	out := new(bytes.Buffer)
	w, err := archive.NewWriter(out)
	require.NoError(t, err)
	extractErr := extract(r, w, sel)
	require.NoError(t, w.Close())
	if extractErr != nil {
		return nil, extractErr
	}
	r, err = archive.NewReader(out)
	require.NoError(t, err)
	ar, err := archive.Read(r)
	require.NoError(t, err)
	return ar, nil
}

func TestExtractByID(t *testing.T) {
	ar, err := runExtract(t, testCorpus(t), selection{id: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name": "test"}`), ar.Config)
	require.NotNil(t, ar.Session)
	assert.Equal(t, "test", ar.Session.Name)
	assert.Nil(t, ar.Stats)
	require.Len(t, ar.Inputs, 1)
	assert.Equal(t, 2, ar.Inputs[0].ID)
	assert.True(t, ar.Inputs[0].Input.Equal(testInput(3)))
}

func TestExtractExternal(t *testing.T) {
	ext := testInput(7)
	ar, err := runExtract(t, testCorpus(t), selection{input: ext})
	require.NoError(t, err)
	require.Len(t, ar.Inputs, 1)
	assert.Equal(t, 0, ar.Inputs[0].ID)
	assert.True(t, ar.Inputs[0].Input.Equal(ext))
	assert.NotNil(t, ar.Config)
}

func TestExtractMissing(t *testing.T) {
	_, err := runExtract(t, testCorpus(t), selection{id: 9})
	assert.Error(t, err)
}

func TestShortestCrash(t *testing.T) {
	r, err := archive.NewReader(bytes.NewReader(testCorpus(t)))
	require.NoError(t, err)
	ar, err := archive.Read(r)
	require.NoError(t, err)

	report := covreport.New("c0ffee", "test")
	report.Add(&covreport.Input{ID: 0})
	report.Add(&covreport.Input{ID: 1, CrashReason: "fault A"})
	report.Add(&covreport.Input{ID: 3, CrashReason: "fault B"})
	id, err := shortestCrashIn(report, ar)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = shortestCrashIn(covreport.New("c0ffee", "test"), ar)
	assert.Error(t, err)
}
