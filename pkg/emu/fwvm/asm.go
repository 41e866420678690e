// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fwvm

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type opcode int

const (
	opNop opcode = iota
	opMovi
	opMov
	opAdd
	opAddi
	opSub
	opSubi
	opAnd
	opLdr
	opLdrReg
	opStr
	opStrReg
	opCmp
	opCmpi
	opBeq
	opBne
	opBlt
	opJmp
	opCall
	opRet
	opIret
	opWfi
	opSleep
	opDma
	opHalt
	opExit
	opAbort
)

type operand struct {
	reg  int
	imm  uint64
	name string
}

type instr struct {
	op     opcode
	size   uint8
	a, b   operand
	leader bool
	line   int
}

var mnemonics = map[string]opcode{
	"nop": opNop, "movi": opMovi, "mov": opMov, "add": opAdd, "sub": opSub, "and": opAnd,
	"cmp": opCmp, "beq": opBeq, "bne": opBne, "blt": opBlt, "jmp": opJmp,
	"call": opCall, "ret": opRet, "iret": opIret, "wfi": opWfi, "sleep": opSleep,
	"dma": opDma, "halt": opHalt, "exit": opExit, "abort": opAbort,
}

var loadSizes = map[string]uint8{"ldrb": 1, "ldrh": 2, "ldr": 4, "ldrd": 8}
var storeSizes = map[string]uint8{"strb": 1, "strh": 2, "str": 4, "strd": 8}

type program struct {
	code    []instr
	vectors map[uint64]int
}

// assemble translates firmware source into a program.
//
// Syntax: one instruction per line, "label:" defines a label, ';' starts a comment,
// ".irq N label" installs label as the handler of interrupt N.
func assemble(src []byte) (*program, error) {
	p := &program{vectors: make(map[uint64]int)}
	labels := make(map[string]int)
	type fixup struct {
		idx  int
		name string
		irq  bool
		line int
	}
	var fixups []fixup
	s := bufio.NewScanner(bytes.NewReader(src))
	for line := 1; s.Scan(); line++ {
		text := s.Text()
		if pos := strings.IndexByte(text, ';'); pos != -1 {
			text = text[:pos]
		}
		text = strings.TrimSpace(text)
		for {
			name, rest, ok := strings.Cut(text, ":")
			if !ok || strings.ContainsAny(name, " \t[") {
				break
			}
			if _, dup := labels[name]; dup {
				return nil, fmt.Errorf("line %v: duplicate label %q", line, name)
			}
			labels[name] = len(p.code)
			text = strings.TrimSpace(rest)
		}
		if text == "" {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
		if fields[0] == ".irq" {
			if len(fields) != 3 {
				return nil, fmt.Errorf("line %v: want .irq N label", line)
			}
			num, err := strconv.ParseUint(fields[1], 0, 8)
			if err != nil {
				return nil, fmt.Errorf("line %v: bad interrupt number: %w", line, err)
			}
			fixups = append(fixups, fixup{idx: int(num), name: fields[2], irq: true, line: line})
			continue
		}
		ins, target, err := parseInstr(fields)
		if err != nil {
			return nil, fmt.Errorf("line %v: %w", line, err)
		}
		ins.line = line
		if target != "" {
			fixups = append(fixups, fixup{idx: len(p.code), name: target, line: line})
		}
		p.code = append(p.code, ins)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(p.code) == 0 {
		return nil, fmt.Errorf("empty program")
	}
	for _, f := range fixups {
		target, ok := labels[f.name]
		if !ok || target >= len(p.code) {
			return nil, fmt.Errorf("line %v: unknown label %q", f.line, f.name)
		}
		if f.irq {
			p.vectors[uint64(f.idx)] = target
		} else {
			p.code[f.idx].a.imm = uint64(target)
		}
		p.code[target].leader = true
	}
	p.code[0].leader = true
	for i := range p.code[:len(p.code)-1] {
		switch p.code[i].op {
		case opBeq, opBne, opBlt, opJmp, opCall, opRet, opIret, opWfi:
			p.code[i+1].leader = true
		}
	}
	return p, nil
}

func parseInstr(fields []string) (instr, string, error) {
	mn, args := fields[0], fields[1:]
	var ins instr
	want := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%v: want %v operands, got %v", mn, n, len(args))
		}
		return nil
	}
	if size, ok := loadSizes[mn]; ok {
		ins.size = size
		if err := want(2); err != nil {
			return ins, "", err
		}
		rd, err := parseReg(args[0])
		if err != nil {
			return ins, "", err
		}
		ins.a.reg = rd
		ins.op, ins.b, err = parseMem(args[1], opLdr, opLdrReg)
		return ins, "", err
	}
	if size, ok := storeSizes[mn]; ok {
		ins.size = size
		if err := want(2); err != nil {
			return ins, "", err
		}
		rs, err := parseReg(args[0])
		if err != nil {
			return ins, "", err
		}
		ins.a.reg = rs
		ins.op, ins.b, err = parseMem(args[1], opStr, opStrReg)
		return ins, "", err
	}
	op, ok := mnemonics[mn]
	if !ok {
		return ins, "", fmt.Errorf("unknown instruction %q", mn)
	}
	ins.op = op
	var err error
	switch op {
	case opNop, opRet, opIret, opWfi, opSleep, opHalt, opAbort:
		err = want(0)
	case opExit:
		if len(args) == 1 {
			if ins.a.reg, err = parseReg(args[0]); err != nil {
				ins.a.imm, err = parseImm(args[0])
				ins.a.reg = -1
			}
		} else {
			ins.a.reg = 0
			err = want(0)
		}
	case opBeq, opBne, opBlt, opJmp, opCall:
		if err = want(1); err == nil {
			return ins, args[0], nil
		}
	case opDma:
		if err = want(1); err == nil {
			var mem operand
			if op, mem, err = parseMem(args[0], opDma, -1); err == nil {
				ins.b = mem
			}
		}
	case opMovi:
		if err = want(2); err == nil {
			if ins.a.reg, err = parseReg(args[0]); err == nil {
				ins.b.imm, err = parseImm(args[1])
			}
		}
	case opMov, opAdd, opSub, opAnd, opCmp:
		if err = want(2); err == nil {
			if ins.a.reg, err = parseReg(args[0]); err == nil {
				if reg, regErr := parseReg(args[1]); regErr == nil {
					ins.b.reg = reg
				} else {
					ins.b.imm, err = parseImm(args[1])
					switch op {
					case opAdd:
						ins.op = opAddi
					case opSub:
						ins.op = opSubi
					case opCmp:
						ins.op = opCmpi
					case opAnd:
						ins.op = opAnd
						ins.b.reg = -1
					case opMov:
						ins.op = opMovi
					}
				}
			}
		}
	}
	return ins, "", err
}

func parseReg(s string) (int, error) {
	if len(s) == 2 && s[0] == 'r' && s[1] >= '0' && s[1] < '0'+numRegs {
		return int(s[1] - '0'), nil
	}
	return 0, fmt.Errorf("bad register %q", s)
}

func parseImm(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad immediate %q", s)
	}
	return v, nil
}

// parseMem parses "[0x40001000]" (absolute) or "[r1]" (register-indirect).
func parseMem(s string, absOp, regOp opcode) (opcode, operand, error) {
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return 0, operand{}, fmt.Errorf("bad memory operand %q", s)
	}
	inner := s[1 : len(s)-1]
	if reg, err := parseReg(inner); err == nil {
		if regOp < 0 {
			return 0, operand{}, fmt.Errorf("register-indirect operand is not supported here")
		}
		return regOp, operand{reg: reg}, nil
	}
	imm, err := parseImm(inner)
	return absOp, operand{imm: imm, reg: -1}, err
}
