// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fwvm implements a deterministic reference firmware machine.
// Firmware is written in a tiny assembly language (see assemble). The machine has
// 8 general purpose registers, RAM, an MMIO window whose reads are served by the
// stimulus bus, an interrupt vector table, a virtual clock and a DMA engine.
// It is used as the default backend and in tests instead of a native emulator.
package fwvm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Ollrogge/hoedur/pkg/config"
	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/input"
)

const (
	Arch = "fwvm"

	CodeBase = 0x08000000
	InstrLen = 4
	RAMBase  = 0x20000000
	MMIOBase = 0x40000000
	MMIOEnd  = 0x50000000
	// Accesses below this address are null pointer dereferences.
	NullLimit = 0x1000

	numRegs    = 8
	devSize    = 0x1000
	irqFrame   = 1 << 63
	frameEq    = 1 << 61
	frameLt    = 1 << 62
	frameFlags = irqFrame | frameEq | frameLt
	ctxCheck   = 1 << 10
)

type Config struct {
	RAMSize  int `json:"ram_size"`
	MaxDepth int `json:"max_depth"`
}

func init() {
	emu.Register(Arch, ctor)
}

func ctor(env *emu.Env) (emu.Machine, error) {
	cfg := &Config{
		RAMSize:  64 << 10,
		MaxDepth: 64,
	}
	if len(env.Config) != 0 {
		if err := config.LoadData(env.Config, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse fwvm config: %w", err)
		}
	}
	if cfg.RAMSize <= 0 || cfg.MaxDepth <= 0 {
		return nil, fmt.Errorf("bad fwvm config %+v", *cfg)
	}
	return New(cfg), nil
}

type cpu struct {
	regs  [numRegs]uint64
	pc    uint64
	eq    bool
	lt    bool
	ticks uint64
	stack []uint64
}

type Machine struct {
	cfg    Config
	prog   *program
	cpu    cpu
	ram    []byte
	dev    []byte
	cpuBuf []byte
	bus    emu.Bus
	hook   func(pc uint64)
}

func New(cfg *Config) *Machine {
	return &Machine{
		cfg:    *cfg,
		ram:    make([]byte, cfg.RAMSize),
		dev:    make([]byte, devSize),
		cpuBuf: make([]byte, (5+numRegs+cfg.MaxDepth)*8),
	}
}

func (m *Machine) LoadImage(image []byte) error {
	prog, err := assemble(image)
	if err != nil {
		return &emu.EmulationError{Arch: Arch, Op: "load image", Err: err}
	}
	m.prog = prog
	m.cpu = cpu{pc: CodeBase}
	clear(m.ram)
	clear(m.dev)
	return nil
}

func (m *Machine) SetBus(bus emu.Bus) {
	m.bus = bus
}

func (m *Machine) SetBlockHook(fn func(pc uint64)) {
	m.hook = fn
}

func (m *Machine) PC() uint64 {
	return m.cpu.pc
}

func (m *Machine) Registers() []string {
	names := make([]string, 0, numRegs+2)
	for i := 0; i < numRegs; i++ {
		names = append(names, fmt.Sprintf("r%v", i))
	}
	return append(names, "pc", "ticks")
}

func (m *Machine) ReadRegister(idx int) (uint64, error) {
	switch {
	case idx >= 0 && idx < numRegs:
		return m.cpu.regs[idx], nil
	case idx == numRegs:
		return m.cpu.pc, nil
	case idx == numRegs+1:
		return m.cpu.ticks, nil
	}
	return 0, fmt.Errorf("bad register index %v", idx)
}

func (m *Machine) WriteRegister(idx int, val uint64) error {
	switch {
	case idx >= 0 && idx < numRegs:
		m.cpu.regs[idx] = val
	case idx == numRegs:
		m.cpu.pc = val
	case idx == numRegs+1:
		m.cpu.ticks = val
	default:
		return fmt.Errorf("bad register index %v", idx)
	}
	return nil
}

func (m *Machine) ramSlice(addr uint64, size int) []byte {
	if addr < RAMBase || addr-RAMBase+uint64(size) > uint64(len(m.ram)) {
		return nil
	}
	off := addr - RAMBase
	return m.ram[off : off+uint64(size)]
}

func (m *Machine) ReadMemory(addr uint64, buf []byte) error {
	mem := m.ramSlice(addr, len(buf))
	if mem == nil {
		return fmt.Errorf("memory [0x%x, +%v) is not readable", addr, len(buf))
	}
	copy(buf, mem)
	return nil
}

func (m *Machine) WriteMemory(addr uint64, data []byte) error {
	mem := m.ramSlice(addr, len(data))
	if mem == nil {
		return fmt.Errorf("memory [0x%x, +%v) is not writable", addr, len(data))
	}
	copy(mem, data)
	return nil
}

func (m *Machine) State() []emu.Region {
	buf := m.cpuBuf
	clear(buf)
	put := func(i int, v uint64) { binary.LittleEndian.PutUint64(buf[i*8:], v) }
	for i, r := range m.cpu.regs {
		put(i, r)
	}
	var flags uint64
	if m.cpu.eq {
		flags |= 1
	}
	if m.cpu.lt {
		flags |= 2
	}
	put(numRegs, m.cpu.pc)
	put(numRegs+1, flags)
	put(numRegs+2, m.cpu.ticks)
	put(numRegs+3, uint64(len(m.cpu.stack)))
	for i, v := range m.cpu.stack {
		put(numRegs+5+i, v)
	}
	return []emu.Region{
		{Name: "cpu", Data: buf},
		{Name: "ram", Data: m.ram},
		{Name: "dev", Data: m.dev},
	}
}

func (m *Machine) SetState(regions []emu.Region) error {
	if len(regions) != 3 || len(regions[0].Data) != len(m.cpuBuf) ||
		len(regions[1].Data) != len(m.ram) || len(regions[2].Data) != len(m.dev) {
		return fmt.Errorf("incompatible machine state")
	}
	buf := regions[0].Data
	get := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[i*8:]) }
	for i := range m.cpu.regs {
		m.cpu.regs[i] = get(i)
	}
	m.cpu.pc = get(numRegs)
	flags := get(numRegs + 1)
	m.cpu.eq = flags&1 != 0
	m.cpu.lt = flags&2 != 0
	m.cpu.ticks = get(numRegs + 2)
	depth := int(get(numRegs + 3))
	if depth > m.cfg.MaxDepth {
		return fmt.Errorf("bad call stack depth %v", depth)
	}
	m.cpu.stack = m.cpu.stack[:0]
	for i := 0; i < depth; i++ {
		m.cpu.stack = append(m.cpu.stack, get(numRegs+5+i))
	}
	copy(m.ram, regions[1].Data)
	copy(m.dev, regions[2].Data)
	return nil
}

func (m *Machine) Close() error {
	m.prog = nil
	return nil
}

// stopError carries a run stop out of the instruction interpreter.
type stopError struct {
	reason   emu.StopReason
	fault    *emu.Fault
	exitCode uint64
}

func (m *Machine) fault(kind emu.FaultKind, addr uint64) *stopError {
	stack := make([]uint64, len(m.cpu.stack))
	for i, v := range m.cpu.stack {
		stack[i] = v &^ frameFlags
	}
	return &stopError{
		reason: emu.StopFault,
		fault:  &emu.Fault{Kind: kind, PC: m.cpu.pc, Addr: addr, CallStack: stack},
	}
}

func (m *Machine) Run(ctx context.Context, budget uint64) (*emu.Stop, error) {
	if m.prog == nil {
		return nil, &emu.EmulationError{Arch: Arch, Op: "run", Err: fmt.Errorf("no image loaded")}
	}
	if m.bus == nil {
		return nil, &emu.EmulationError{Arch: Arch, Op: "run", Err: fmt.Errorf("no bus")}
	}
	var executed uint64
	var stop *stopError
	for {
		if budget != 0 && executed >= budget {
			stop = &stopError{reason: emu.StopBudget}
			break
		}
		if executed%ctxCheck == 0 && ctx.Err() != nil {
			stop = &stopError{reason: emu.StopInterrupted}
			break
		}
		pc := m.cpu.pc
		idx := (pc - CodeBase) / InstrLen
		if pc < CodeBase || (pc-CodeBase)%InstrLen != 0 || idx >= uint64(len(m.prog.code)) {
			stop = m.fault(emu.FaultInstruction, pc)
			break
		}
		ins := &m.prog.code[idx]
		if ins.leader && m.hook != nil {
			m.hook(pc)
			if m.cpu.pc != pc {
				// The hook has redirected execution.
				continue
			}
		}
		if stop = m.step(ins, idx); stop != nil {
			if stop.reason != emu.StopPaused {
				executed++
			}
			break
		}
		executed++
	}
	return &emu.Stop{
		Reason:   stop.reason,
		PC:       m.cpu.pc,
		ExitCode: stop.exitCode,
		Fault:    stop.fault,
		Executed: executed,
		Ticks:    m.cpu.ticks,
	}, nil
}

func (m *Machine) request(ch input.ChannelID, size uint8) (input.Event, *stopError) {
	ev, feed := m.bus.Feed(emu.Request{Channel: ch, Size: size, PC: m.cpu.pc})
	switch feed {
	case emu.FeedStop:
		return ev, &stopError{reason: emu.StopExhausted}
	case emu.FeedPause:
		return ev, &stopError{reason: emu.StopPaused}
	}
	m.cpu.ticks += uint64(ev.Delta)
	return ev, nil
}

func (m *Machine) load(addr uint64, size uint8) (uint64, *stopError) {
	switch {
	case addr >= MMIOBase && addr < MMIOEnd:
		ev, stop := m.request(input.MMIO(addr), size)
		return ev.Value & input.Mask(size), stop
	case addr >= RAMBase:
		if mem := m.ramSlice(addr, int(size)); mem != nil {
			var buf [8]byte
			copy(buf[:], mem)
			return binary.LittleEndian.Uint64(buf[:]), nil
		}
	}
	return 0, m.fault(emu.FaultMemory, addr)
}

func (m *Machine) store(addr uint64, size uint8, val uint64) *stopError {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	switch {
	case addr >= MMIOBase && addr < MMIOEnd:
		off := addr & (devSize - 1)
		copy(m.dev[off:], buf[:size])
		return nil
	case addr >= RAMBase:
		if mem := m.ramSlice(addr, int(size)); mem != nil {
			copy(mem, buf[:size])
			return nil
		}
	}
	return m.fault(emu.FaultMemory, addr)
}

func (m *Machine) push(v uint64) *stopError {
	if len(m.cpu.stack) >= m.cfg.MaxDepth {
		return m.fault(emu.FaultStack, 0)
	}
	m.cpu.stack = append(m.cpu.stack, v)
	return nil
}

func (m *Machine) pop(irq bool) (uint64, *stopError) {
	n := len(m.cpu.stack)
	if n == 0 || (m.cpu.stack[n-1]&irqFrame != 0) != irq {
		return 0, m.fault(emu.FaultStack, 0)
	}
	v := m.cpu.stack[n-1]
	m.cpu.stack = m.cpu.stack[:n-1]
	return v, nil
}

func pcOf(idx uint64) uint64 {
	return CodeBase + idx*InstrLen
}

// step executes a single instruction. On pause the machine state is left untouched,
// so the instruction is repeated by the next Run.
func (m *Machine) step(ins *instr, idx uint64) *stopError {
	regs := &m.cpu.regs
	next := pcOf(idx + 1)
	switch ins.op {
	case opNop:
	case opMovi:
		regs[ins.a.reg] = ins.b.imm
	case opMov:
		regs[ins.a.reg] = regs[ins.b.reg]
	case opAdd:
		regs[ins.a.reg] += regs[ins.b.reg]
	case opAddi:
		regs[ins.a.reg] += ins.b.imm
	case opSub:
		regs[ins.a.reg] -= regs[ins.b.reg]
	case opSubi:
		regs[ins.a.reg] -= ins.b.imm
	case opAnd:
		if ins.b.reg < 0 {
			regs[ins.a.reg] &= ins.b.imm
		} else {
			regs[ins.a.reg] &= regs[ins.b.reg]
		}
	case opCmp, opCmpi:
		other := ins.b.imm
		if ins.op == opCmp {
			other = regs[ins.b.reg]
		}
		m.cpu.eq = regs[ins.a.reg] == other
		m.cpu.lt = regs[ins.a.reg] < other
	case opLdr, opLdrReg:
		addr := ins.b.imm
		if ins.op == opLdrReg {
			addr = regs[ins.b.reg]
		}
		if addr < NullLimit {
			return m.fault(emu.FaultMemory, addr)
		}
		val, stop := m.load(addr, ins.size)
		if stop != nil {
			return stop
		}
		regs[ins.a.reg] = val
	case opStr, opStrReg:
		addr := ins.b.imm
		if ins.op == opStrReg {
			addr = regs[ins.b.reg]
		}
		if addr < NullLimit {
			return m.fault(emu.FaultMemory, addr)
		}
		if stop := m.store(addr, ins.size, regs[ins.a.reg]); stop != nil {
			return stop
		}
	case opBeq, opBne, opBlt, opJmp:
		taken := ins.op == opJmp ||
			ins.op == opBeq && m.cpu.eq ||
			ins.op == opBne && !m.cpu.eq ||
			ins.op == opBlt && m.cpu.lt
		if taken {
			next = pcOf(ins.a.imm)
		}
	case opCall:
		if stop := m.push(next); stop != nil {
			return stop
		}
		next = pcOf(ins.a.imm)
	case opRet:
		ret, stop := m.pop(false)
		if stop != nil {
			return stop
		}
		next = ret
	case opIret:
		frame, stop := m.pop(true)
		if stop != nil {
			return stop
		}
		m.cpu.eq = frame&frameEq != 0
		m.cpu.lt = frame&frameLt != 0
		next = frame &^ frameFlags
	case opWfi:
		ev, stop := m.request(input.IRQ, 1)
		if stop != nil {
			return stop
		}
		if handler, ok := m.prog.vectors[ev.Value]; ok {
			frame := next | irqFrame
			if m.cpu.eq {
				frame |= frameEq
			}
			if m.cpu.lt {
				frame |= frameLt
			}
			if stop := m.push(frame); stop != nil {
				return stop
			}
			regs[0] = ev.Value
			next = pcOf(uint64(handler))
		}
	case opSleep:
		ev, stop := m.request(input.Time, 4)
		if stop != nil {
			return stop
		}
		m.cpu.ticks += ev.Value
	case opDma:
		ev, stop := m.request(input.DMA(ins.b.imm), 8)
		if stop != nil {
			return stop
		}
		// The engine moves at most one 64-bit word per request.
		if ev.Size > 8 {
			return m.fault(emu.FaultMemory, ins.b.imm)
		}
		if stop := m.store(ins.b.imm, ev.Size, ev.Value); stop != nil {
			return stop
		}
		regs[0] = uint64(ev.Size)
	case opHalt:
		return &stopError{reason: emu.StopHalt}
	case opExit:
		code := ins.a.imm
		if ins.a.reg >= 0 {
			code = regs[ins.a.reg]
		}
		return &stopError{reason: emu.StopExit, exitCode: code}
	case opAbort:
		return m.fault(emu.FaultAbort, 0)
	default:
		return m.fault(emu.FaultInstruction, m.cpu.pc)
	}
	m.cpu.pc = next
	return nil
}
