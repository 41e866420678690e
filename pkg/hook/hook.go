// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hook defines the per-block callback interface for external analysis code.
// Hooks see the program counter and may inspect or modify the machine state.
// Hook implementations are loaded by file extension; built-in ones are declarative
// YAML rules and a PC trace writer.
package hook

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/Ollrogge/hoedur/pkg/emu"
)

// State is the view of the machine passed to hooks.
type State interface {
	PC() uint64
	ReadRegister(name string) (uint64, error)
	WriteRegister(name string, val uint64) error
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

type Hook interface {
	// OnBlock is invoked before execution of every basic block.
	// Returning an error aborts the hook for the rest of the run.
	OnBlock(pc uint64, st State) error
	Close() error
}

// Resetter is implemented by hooks that keep per-run state.
type Resetter interface {
	Reset()
}

// Reset resets per-run state of the hook, if it has any.
func Reset(h Hook) {
	if r, ok := h.(Resetter); ok {
		r.Reset()
	}
}

// ScriptError is a failure of a hook.
type ScriptError struct {
	Hook string
	PC   uint64
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("hook %v failed at 0x%x: %v", e.Hook, e.PC, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

type loaderFunc func(path string) (Hook, error)

var loaders = make(map[string]loaderFunc)

// Register registers a loader for hook files with the extension (e.g. ".yaml").
func Register(ext string, loader loaderFunc) {
	loaders[ext] = loader
}

func Extensions() []string {
	var res []string
	for ext := range loaders {
		res = append(res, ext)
	}
	slices.Sort(res)
	return res
}

// Load loads the hook from the file using the loader for the file extension.
func Load(path string) (Hook, error) {
	ext := filepath.Ext(path)
	loader, ok := loaders[ext]
	if !ok {
		return nil, fmt.Errorf("no hook loader for %q files (supported: %v)", ext, Extensions())
	}
	h, err := loader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load hook %v: %w", path, err)
	}
	return h, nil
}

type machineState struct {
	m     emu.Machine
	regs  map[string]int
	names []string
}

// NewState returns the hook view of the machine.
func NewState(m emu.Machine) State {
	st := &machineState{
		m:     m,
		regs:  make(map[string]int),
		names: m.Registers(),
	}
	for i, name := range st.names {
		st.regs[name] = i
	}
	return st
}

func (st *machineState) PC() uint64 {
	return st.m.PC()
}

func (st *machineState) reg(name string) (int, error) {
	idx, ok := st.regs[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return idx, nil
}

func (st *machineState) ReadRegister(name string) (uint64, error) {
	idx, err := st.reg(name)
	if err != nil {
		return 0, err
	}
	return st.m.ReadRegister(idx)
}

func (st *machineState) WriteRegister(name string, val uint64) error {
	idx, err := st.reg(name)
	if err != nil {
		return err
	}
	return st.m.WriteRegister(idx, val)
}

func (st *machineState) ReadMemory(addr uint64, buf []byte) error {
	return st.m.ReadMemory(addr, buf)
}

func (st *machineState) WriteMemory(addr uint64, data []byte) error {
	return st.m.WriteMemory(addr, data)
}

// Chain combines several hooks, they are invoked in order.
func Chain(hooks ...Hook) Hook {
	var res chain
	for _, h := range hooks {
		if h != nil {
			res = append(res, h)
		}
	}
	switch len(res) {
	case 0:
		return nil
	case 1:
		return res[0]
	}
	return res
}

type chain []Hook

func (c chain) OnBlock(pc uint64, st State) error {
	for _, h := range c {
		if err := h.OnBlock(pc, st); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) Reset() {
	for _, h := range c {
		Reset(h)
	}
}

func (c chain) Close() error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.Close())
	}
	return errors.Join(errs...)
}
