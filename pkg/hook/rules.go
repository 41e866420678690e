// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hook

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/Ollrogge/hoedur/pkg/config"
	"github.com/Ollrogge/hoedur/pkg/log"
)

// Rules is a declarative hook. Example:
//
//	rules:
//	  - pc: 0x08000010
//	    set: {r0: 1}
//	    write: [{addr: 0x20000000, data: "0102"}]
//	    log: "reached init"
//	  - pc: 0x08000100
//	    jump: 0x08000120
//	  - pc: 0x08000200
//	    fail: "unexpected path"
type Rules struct {
	Rules []Rule `yaml:"rules" json:"rules"`

	name string
	byPC map[uint64][]int
	hits []int
}

type Rule struct {
	PC    uint64            `yaml:"pc" json:"pc"`
	Set   map[string]uint64 `yaml:"set,omitempty" json:"set,omitempty"`
	Write []MemWrite        `yaml:"write,omitempty" json:"write,omitempty"`
	Jump  uint64            `yaml:"jump,omitempty" json:"jump,omitempty"`
	Log   string            `yaml:"log,omitempty" json:"log,omitempty"`
	Fail  string            `yaml:"fail,omitempty" json:"fail,omitempty"`
	// Limit of rule applications per run, 0 means unlimited.
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`

	data [][]byte
}

type MemWrite struct {
	Addr uint64 `yaml:"addr" json:"addr"`
	Data string `yaml:"data" json:"data"`
}

func init() {
	Register(".yaml", loadRules)
	Register(".yml", loadRules)
	Register(".json", loadRules)
}

func loadRules(path string) (Hook, error) {
	r := new(Rules)
	if err := config.LoadFile(path, r); err != nil {
		return nil, err
	}
	if err := r.compile(filepath.Base(path)); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseRules parses YAML rules.
func ParseRules(name string, data []byte) (*Rules, error) {
	r := new(Rules)
	if err := config.LoadYAMLData(data, r); err != nil {
		return nil, err
	}
	if err := r.compile(name); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rules) compile(name string) error {
	r.name = name
	r.byPC = make(map[uint64][]int)
	r.hits = make([]int, len(r.Rules))
	for i := range r.Rules {
		rule := &r.Rules[i]
		for _, w := range rule.Write {
			data, err := hex.DecodeString(w.Data)
			if err != nil {
				return fmt.Errorf("rule %v: bad data %q: %w", i, w.Data, err)
			}
			rule.data = append(rule.data, data)
		}
		r.byPC[rule.PC] = append(r.byPC[rule.PC], i)
	}
	return nil
}

// Reset forgets per-run rule application counts.
func (r *Rules) Reset() {
	clear(r.hits)
}

func (r *Rules) OnBlock(pc uint64, st State) error {
	for _, idx := range r.byPC[pc] {
		rule := &r.Rules[idx]
		if rule.Limit != 0 && r.hits[idx] >= rule.Limit {
			continue
		}
		r.hits[idx]++
		if rule.Fail != "" {
			return &ScriptError{Hook: r.name, PC: pc, Err: fmt.Errorf("%v", rule.Fail)}
		}
		if rule.Log != "" {
			log.Logf(0, "hook %v: 0x%x: %v", r.name, pc, rule.Log)
		}
		regs := make([]string, 0, len(rule.Set))
		for reg := range rule.Set {
			regs = append(regs, reg)
		}
		slices.Sort(regs)
		for _, reg := range regs {
			if err := st.WriteRegister(reg, rule.Set[reg]); err != nil {
				return &ScriptError{Hook: r.name, PC: pc, Err: err}
			}
		}
		for i, w := range rule.Write {
			if err := st.WriteMemory(w.Addr, rule.data[i]); err != nil {
				return &ScriptError{Hook: r.name, PC: pc, Err: err}
			}
		}
		if rule.Jump != 0 {
			if err := st.WriteRegister("pc", rule.Jump); err != nil {
				return &ScriptError{Hook: r.name, PC: pc, Err: err}
			}
		}
	}
	return nil
}

func (r *Rules) Close() error {
	return nil
}
