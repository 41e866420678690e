// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fwconfig

import (
	"encoding/json"

	"github.com/Ollrogge/hoedur/pkg/corpus"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/input"
)

type Config struct {
	// Session name (used in archive names and reports).
	Name string `json:"name"`
	// Location of the firmware image.
	Target string `json:"target"`
	// Emulator backend, "fwvm" by default.
	Arch string `json:"arch"`
	// Backend-specific parameters, passed to the emulator as is.
	Emulator json.RawMessage `json:"emulator,omitempty"`
	// Location of a working directory. Outputs here include:
	// - <workdir>/crashes/*: deduplicated crashes with shortest reproducers
	// - <workdir>/hangs/*: samples of hanging inputs
	// - <workdir>/corpus.db: seeds for resumption
	// - <workdir>/corpus.tar.xz: corpus archive of the last session
	Workdir string `json:"workdir"`
	// Address of the HTTP statistics endpoint (e.g. "localhost:50000"), optional.
	HTTP string `json:"http,omitempty"`

	// Input channels the firmware may request stimulus from.
	Channels []input.ChannelSpec `json:"channels"`
	// Maximum number of events in a generated input.
	MaxInputLen int `json:"max_input_len"`

	// Wall-clock execution budget per input in milliseconds.
	ExecTimeout int `json:"exec_timeout"`
	// Instruction budget per input.
	ExecInstructions uint64 `json:"exec_instructions"`
	// Collect edge coverage (true by default).
	Coverage bool `json:"coverage"`
	// Distinguish edges by hit-count classes.
	HitCounts bool `json:"hit_counts"`
	// Path of a file to write the executed block trace to (replay only).
	Trace string `json:"trace,omitempty"`
	// One of "first-input", "boot", "none".
	Snapshot string `json:"snapshot"`
	// Hook script (.yaml, .yml or .json rules).
	Hook string `json:"hook,omitempty"`
	// What firmware reads once a stream is exhausted: "stop", "zero" or "last".
	Exhausted string `json:"exhausted"`

	// Number of parallel fuzzing workers.
	Procs int `json:"procs"`
	// Power schedule: "coverage", "uniform", "fast" or "adaptive".
	Schedule string `json:"schedule"`
	// Mutations granted to an average seed per queue cycle.
	BaseEnergy int `json:"base_energy"`
	// Global coverage map: "exact" or "hashed".
	CoverMap string `json:"cover_map"`
	// Number of buckets of the hashed coverage map, power of 2.
	CoverMapSize int `json:"cover_map_size"`

	// Maximum number of reports kept per crash.
	MaxCrashLogs int `json:"max_crash_logs"`
	// Maximum number of hanging inputs kept.
	MaxHangSamples int `json:"max_hang_samples"`
	// Terminate the session on the first crash.
	StopOnCrash bool `json:"stop_on_crash"`
	// Corpus archives to import before fuzzing.
	ImportCorpus []string `json:"import_corpus,omitempty"`

	// Implementation details beyond this point. Filled after parsing.
	Image          []byte                `json:"-"`
	Layout         *input.Layout         `json:"-"`
	SnapshotPolicy driver.SnapshotPolicy `json:"-"`
	ExhaustPolicy  input.ExhaustPolicy   `json:"-"`
	PowerSchedule  corpus.Schedule       `json:"-"`
}
