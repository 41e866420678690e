// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package emu provides the narrow capability interface of a full-system firmware emulator
// for the rest of the system. Emulator backends register themselves by architecture name.
// The package knows nothing about fuzzing: the machine pulls stimulus through a Bus
// whenever the firmware blocks on a channel.
package emu

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Ollrogge/hoedur/pkg/input"
)

// Machine represents a single emulated board.
// A Machine is not safe for concurrent use; every worker owns its own instance.
type Machine interface {
	// LoadImage loads the firmware image and resets the machine.
	LoadImage(image []byte) error

	// SetBus sets the stimulus source for channel requests.
	SetBus(bus Bus)

	// SetBlockHook registers fn to be called before every executed basic block.
	// Passing nil disables the hook and its overhead.
	SetBlockHook(fn func(pc uint64))

	// Run executes until exit, halt, fault, a Bus stop/pause, or until budget instructions
	// are executed (0 means no limit). A done context stops the run with StopInterrupted.
	// Run returns error only for failures of the emulator itself.
	Run(ctx context.Context, budget uint64) (*Stop, error)

	// PC returns the current program counter.
	PC() uint64

	// Registers returns the register names, register index is the index in this slice.
	Registers() []string
	ReadRegister(idx int) (uint64, error)
	WriteRegister(idx int, val uint64) error

	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error

	// State returns views of the mutable machine state (registers, memory, devices).
	// The views are valid until the next call to Run/LoadImage and must not be retained.
	State() []Region
	// SetState replaces the mutable machine state with regions previously returned by State.
	SetState(regions []Region) error

	// Close releases emulator resources.
	Close() error
}

// Region is a named chunk of machine state.
type Region struct {
	Name string
	Data []byte
}

// Request is a stimulus request of the firmware.
type Request struct {
	Channel input.ChannelID
	Size    uint8
	PC      uint64
}

// Feed tells the machine how to proceed after a Bus request.
type Feed int

const (
	// FeedOK delivers the returned event.
	FeedOK Feed = iota
	// FeedStop ends the run with StopExhausted.
	FeedStop
	// FeedPause ends the run with StopPaused, the request is repeated on the next Run.
	FeedPause
)

// Bus provides stimulus to the machine.
type Bus interface {
	Feed(req Request) (input.Event, Feed)
}

type StopReason int

const (
	StopExit StopReason = iota
	StopHalt
	StopFault
	StopBudget
	StopExhausted
	StopPaused
	StopInterrupted
)

var stopNames = []string{"exit", "halt", "fault", "budget", "exhausted", "paused", "interrupted"}

func (r StopReason) String() string {
	if int(r) < len(stopNames) {
		return stopNames[r]
	}
	return fmt.Sprintf("stop(%d)", int(r))
}

type FaultKind int

const (
	// FaultMemory is an access to unmapped or protected memory (incl. null pointers).
	FaultMemory FaultKind = iota
	// FaultInstruction is an undefined or malformed instruction.
	FaultInstruction
	// FaultAbort is an explicit abort by the firmware (e.g. HardFault handler, assert).
	FaultAbort
	// FaultStack is a call stack overflow or underflow.
	FaultStack
	// FaultHost is a failure of the emulator itself.
	FaultHost
)

var faultNames = []string{"memory", "instruction", "abort", "stack", "host"}

func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// Fault describes an abnormal stop of the emulated CPU.
type Fault struct {
	Kind FaultKind
	PC   uint64
	Addr uint64
	// Return addresses, innermost last.
	CallStack []uint64
}

func (f *Fault) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "%v fault at 0x%x", f.Kind, f.PC)
	if f.Kind == FaultMemory {
		fmt.Fprintf(buf, " accessing 0x%x", f.Addr)
	}
	return buf.String()
}

type Stop struct {
	Reason StopReason
	PC     uint64
	// Firmware-provided exit code for StopExit.
	ExitCode uint64
	Fault    *Fault
	// Instructions executed during the Run call.
	Executed uint64
	// Virtual clock ticks at the time of the stop.
	Ticks uint64
}

func (s *Stop) String() string {
	if s.Fault != nil {
		return s.Fault.String()
	}
	return fmt.Sprintf("%v at 0x%x", s.Reason, s.PC)
}

// EmulationError is returned on failures of the emulator itself.
type EmulationError struct {
	Arch string
	Op   string
	Err  error
}

func (e *EmulationError) Error() string {
	return fmt.Sprintf("%v emulator: %v: %v", e.Arch, e.Op, e.Err)
}

func (e *EmulationError) Unwrap() error {
	return e.Err
}

// Env contains global constant parameters for machines of a fuzzing session.
type Env struct {
	Arch  string
	Debug bool
	// Backend-specific configuration.
	Config []byte
}

type ctorFunc func(env *Env) (Machine, error)

type Type struct {
	Ctor ctorFunc
}

var Types = make(map[string]Type)

// Register registers a new emulator backend within the package.
func Register(arch string, ctor ctorFunc) {
	Types[arch] = Type{Ctor: ctor}
}

// Arches returns names of all registered backends.
func Arches() []string {
	var res []string
	for arch := range Types {
		res = append(res, arch)
	}
	slices.Sort(res)
	return res
}

// Create creates a new machine for env.Arch.
func Create(env *Env) (Machine, error) {
	typ, ok := Types[env.Arch]
	if !ok {
		return nil, fmt.Errorf("unknown emulator architecture %q (supported: %v)", env.Arch, Arches())
	}
	m, err := typ.Ctor(env)
	if err != nil {
		return nil, &EmulationError{Arch: env.Arch, Op: "create", Err: err}
	}
	return m, nil
}
