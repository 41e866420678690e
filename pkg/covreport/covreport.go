// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package covreport stores the aggregate coverage of a corpus replay
// together with per-input records as xz-compressed JSON.
package covreport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Ollrogge/hoedur/pkg/osutil"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/ulikunitz/xz"
)

type Report struct {
	Session string        `json:"session,omitempty"`
	Name    string        `json:"name,omitempty"`
	Created time.Time     `json:"created"`
	Edges   []signal.Edge `json:"edges"`
	Bitmap  []byte        `json:"bitmap,omitempty"`
	Inputs  []*Input      `json:"inputs"`
}

type Input struct {
	ID int `json:"id"`
	// Seconds since the session start, absent when unknown.
	Timestamp   *uint64       `json:"timestamp,omitempty"`
	Len         int           `json:"len"`
	NewEdges    []signal.Edge `json:"new_edges,omitempty"`
	CrashReason string        `json:"crash_reason,omitempty"`
	Hang        bool          `json:"hang,omitempty"`
}

func New(session, name string) *Report {
	return &Report{
		Session: session,
		Name:    name,
		Created: time.Now().UTC().Truncate(time.Second),
	}
}

func (r *Report) Add(inp *Input) {
	r.Inputs = append(r.Inputs, inp)
}

// SetCoverage records the aggregate edges and, for hashed maps, the raw bitmap.
func (r *Report) SetCoverage(edges []signal.Edge, bitmap []byte) {
	r.Edges = append([]signal.Edge{}, edges...)
	sort.Slice(r.Edges, func(i, j int) bool { return r.Edges[i] < r.Edges[j] })
	r.Bitmap = bitmap
}

func (r *Report) Signal() signal.Signal {
	s := make(signal.Signal, len(r.Edges))
	for _, e := range r.Edges {
		s[e] = 1
	}
	return s
}

func (r *Report) Write(w io.Writer) error {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(xw)
	if err := enc.Encode(r); err != nil {
		xw.Close()
		return fmt.Errorf("failed to encode coverage report: %w", err)
	}
	return xw.Close()
}

func (r *Report) Save(filename string) error {
	buf := new(bytes.Buffer)
	if err := r.Write(buf); err != nil {
		return err
	}
	return osutil.WriteFileAtomically(filename, buf.Bytes())
}

func Read(rd io.Reader) (*Report, error) {
	xr, err := xz.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage report: %w", err)
	}
	r := new(Report)
	if err := json.NewDecoder(xr).Decode(r); err != nil {
		return nil, fmt.Errorf("failed to decode coverage report: %w", err)
	}
	return r, nil
}

func Load(filename string) (*Report, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Occurrence names the input that triggered a crash reason.
type Occurrence struct {
	Reason string `yaml:"reason"`
	Time   uint64 `yaml:"time"`
	Input  int    `yaml:"input"`
	Len    int    `yaml:"len"`
	Report string `yaml:"report,omitempty"`
}

// FirstCrashes returns the earliest input for every crash reason, ordered by time.
// Inputs without a timestamp are skipped.
func (r *Report) FirstCrashes() []Occurrence {
	first := make(map[string]Occurrence)
	for _, inp := range r.Inputs {
		if inp.CrashReason == "" || inp.Timestamp == nil {
			continue
		}
		if prev, ok := first[inp.CrashReason]; ok && prev.Time <= *inp.Timestamp {
			continue
		}
		first[inp.CrashReason] = Occurrence{
			Reason: inp.CrashReason,
			Time:   *inp.Timestamp,
			Input:  inp.ID,
			Len:    inp.Len,
		}
	}
	return sortOccurrences(first, func(a, b Occurrence) bool {
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.Input < b.Input
	})
}

// ShortestCrashes returns the shortest input for every crash reason.
func (r *Report) ShortestCrashes() []Occurrence {
	best := make(map[string]Occurrence)
	for _, inp := range r.Inputs {
		if inp.CrashReason == "" {
			continue
		}
		if prev, ok := best[inp.CrashReason]; ok && prev.Len <= inp.Len {
			continue
		}
		var ts uint64
		if inp.Timestamp != nil {
			ts = *inp.Timestamp
		}
		best[inp.CrashReason] = Occurrence{
			Reason: inp.CrashReason,
			Time:   ts,
			Input:  inp.ID,
			Len:    inp.Len,
		}
	}
	return sortOccurrences(best, func(a, b Occurrence) bool {
		return a.Reason < b.Reason
	})
}

func sortOccurrences(m map[string]Occurrence, less func(a, b Occurrence) bool) []Occurrence {
	res := make([]Occurrence, 0, len(m))
	for _, occ := range m {
		res = append(res, occ)
	}
	sort.Slice(res, func(i, j int) bool { return less(res[i], res[j]) })
	return res
}

func Timestamp(d time.Duration) *uint64 {
	ts := uint64(d / time.Second)
	return &ts
}
