// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hook

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/emu/fwvm"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zeroBus struct{}

func (zeroBus) Feed(req emu.Request) (input.Event, emu.Feed) {
	return input.Event{Size: req.Size}, emu.FeedOK
}

func runWithHook(t *testing.T, src string, h Hook) (emu.Machine, *emu.Stop, error) {
	m, err := emu.Create(&emu.Env{Arch: fwvm.Arch})
	require.NoError(t, err)
	require.NoError(t, m.LoadImage([]byte(src)))
	m.SetBus(zeroBus{})
	st := NewState(m)
	var hookErr error
	m.SetBlockHook(func(pc uint64) {
		if hookErr != nil {
			return
		}
		hookErr = h.OnBlock(pc, st)
	})
	stop, err := m.Run(context.Background(), 1000)
	require.NoError(t, err)
	return m, stop, hookErr
}

const firmware = `
	ldr r0, [0x40000000]
	cmp r0, 1
	beq good
	exit 1
good:
	ldr r1, [0x20000000]
	exit r1
`

func TestRules(t *testing.T) {
	rules, err := ParseRules("test", []byte(`
rules:
  - pc: 0x08000000
    log: start
  - pc: 0x0800000c
    set: {r0: 1}
    jump: 0x08000010
    write:
      - addr: 0x20000000
        data: "2a00"
`))
	require.NoError(t, err)
	_, stop, hookErr := runWithHook(t, firmware, rules)
	require.NoError(t, hookErr)
	assert.Equal(t, emu.StopExit, stop.Reason)
	assert.Equal(t, uint64(42), stop.ExitCode)
}

func TestRulesFail(t *testing.T) {
	rules, err := ParseRules("test", []byte(`
rules:
  - pc: 0x0800000c
    fail: boom
`))
	require.NoError(t, err)
	_, stop, hookErr := runWithHook(t, firmware, rules)
	var scriptErr *ScriptError
	require.True(t, errors.As(hookErr, &scriptErr))
	assert.Equal(t, uint64(0x0800000c), scriptErr.PC)
	// The run itself is not affected by the failed hook.
	assert.Equal(t, emu.StopExit, stop.Reason)
	assert.Equal(t, uint64(1), stop.ExitCode)
}

func TestRulesBadRegister(t *testing.T) {
	rules, err := ParseRules("test", []byte(`
rules:
  - pc: 0x08000000
    set: {x9: 1}
`))
	require.NoError(t, err)
	_, _, hookErr := runWithHook(t, firmware, rules)
	var scriptErr *ScriptError
	assert.True(t, errors.As(hookErr, &scriptErr))
}

func TestRulesLimit(t *testing.T) {
	rules, err := ParseRules("test", []byte(`
rules:
  - pc: 0x08000000
    limit: 1
    fail: once
`))
	require.NoError(t, err)
	assert.Error(t, rules.OnBlock(0x08000000, nil))
	assert.NoError(t, rules.OnBlock(0x08000000, nil))
	Reset(rules)
	assert.Error(t, rules.OnBlock(0x08000000, nil))
}

func TestParseRulesErrors(t *testing.T) {
	_, err := ParseRules("test", []byte("rules:\n  - pc: 1\n    write: [{addr: 1, data: zz}]\n"))
	assert.Error(t, err)
	_, err = ParseRules("test", []byte("rules:\n  - pc: 1\n    unknown: 1\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hook.yaml")
	require.NoError(t, os.WriteFile(file, []byte("rules:\n  - pc: 0x08000000\n    log: hi\n"), 0644))
	h, err := Load(file)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	_, err = Load(filepath.Join(dir, "hook.lua"))
	assert.Error(t, err)
}

func TestTracer(t *testing.T) {
	buf := new(bytes.Buffer)
	tracer := NewTracer(buf)
	_, _, hookErr := runWithHook(t, firmware, tracer)
	require.NoError(t, hookErr)
	require.NoError(t, tracer.Close())
	assert.Equal(t, "0x08000000\n0x0800000c\n", buf.String())
	assert.Equal(t, uint64(2), tracer.Blocks())
}

func TestChain(t *testing.T) {
	assert.Nil(t, Chain(nil, nil))
	buf1, buf2 := new(bytes.Buffer), new(bytes.Buffer)
	t1, t2 := NewTracer(buf1), NewTracer(buf2)
	assert.Same(t, t1, Chain(nil, t1))
	h := Chain(t1, t2)
	require.NoError(t, h.OnBlock(0x10, nil))
	require.NoError(t, h.Close())
	assert.Equal(t, buf1.String(), buf2.String())
}
