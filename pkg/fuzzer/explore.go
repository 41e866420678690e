// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/osutil"
)

// Exploration stores crashing and non-crashing inputs of an exploration
// session separately:
//
//	exploration/crashes/input-<id>.bin
//	exploration/non_crashes/input-<id>.bin
//
// Every distinct input is stored once.
type Exploration struct {
	dir string

	mu         sync.Mutex
	seen       map[string]bool
	nextID     int
	crashes    int
	nonCrashes int
}

// NewExploration recreates the exploration directories in workdir.
func NewExploration(workdir string) (*Exploration, error) {
	dir := filepath.Join(workdir, "exploration")
	for _, sub := range []string{"crashes", "non_crashes"} {
		if err := osutil.ResetDir(filepath.Join(dir, sub)); err != nil {
			return nil, err
		}
	}
	return &Exploration{
		dir:  dir,
		seen: make(map[string]bool),
	}, nil
}

func (ex *Exploration) SaveCrash(inp *input.Input) error {
	return ex.save("crashes", inp, &ex.crashes)
}

func (ex *Exploration) SaveInput(inp *input.Input) error {
	return ex.save("non_crashes", inp, &ex.nonCrashes)
}

func (ex *Exploration) save(sub string, inp *input.Input, counter *int) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	sig := sub + inp.Sig().String()
	if ex.seen[sig] {
		return nil
	}
	ex.seen[sig] = true
	id := ex.nextID
	ex.nextID++
	*counter++
	file := filepath.Join(ex.dir, sub, fmt.Sprintf("input-%v.bin", id))
	return osutil.WriteFile(file, inp.Serialize())
}

// Crashes returns the number of stored crashing inputs.
func (ex *Exploration) Crashes() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.crashes
}

// NonCrashes returns the number of stored non-crashing inputs.
func (ex *Exploration) NonCrashes() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.nonCrashes
}
