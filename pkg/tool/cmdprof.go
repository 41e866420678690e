// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
)

// profiles collects the CPU profile of a whole fuzzing session and
// snapshots the heap when the session ends.
type profiles struct {
	cpu     *os.File
	memFile string
}

func startProfiles(cpuFile, memFile string) (*profiles, error) {
	p := &profiles{memFile: memFile}
	if cpuFile == "" {
		return p, nil
	}
	f, err := os.Create(cpuFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start cpu profile: %w", err)
	}
	p.cpu = f
	return p, nil
}

// stop may be called more than once, only the first call writes the profiles.
func (p *profiles) stop() error {
	var errs []error
	if p.cpu != nil {
		pprof.StopCPUProfile()
		errs = append(errs, p.cpu.Close())
		p.cpu = nil
	}
	if p.memFile != "" {
		errs = append(errs, writeHeapProfile(p.memFile))
		p.memFile = ""
	}
	return errors.Join(errs...)
}

func writeHeapProfile(file string) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create mem profile: %w", err)
	}
	runtime.GC()
	err = pprof.WriteHeapProfile(f)
	if err1 := f.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return fmt.Errorf("failed to write mem profile: %w", err)
	}
	return nil
}
