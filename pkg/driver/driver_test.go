// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package driver

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/emu/fwvm"
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/Ollrogge/hoedur/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	regData = 0x40001000

	// Reads the data register twice, then idles serving interrupts and sleeping.
	idleFirmware = `
	.irq 3 irq_handler
	ldr r0, [0x40001000]
	cmp r0, 1
	bne idle
	ldr r1, [0x40001000]
	cmp r1, 2
	bne idle
	movi r7, 1
idle:
	wfi
	sleep
	jmp idle
irq_handler:
	add r6, 1
	iret
`

	// Dereferences a null pointer if the data register reads 0xdead.
	crashFirmware = `
	ldr r0, [0x40001000]
	cmp r0, 0xdead
	bne ok
	call crash
ok:
	halt
crash:
	movi r1, 0
	ldr r2, [r1]
	ret
`

	hangFirmware = `
	ldr r0, [0x40001000]
loop:
	add r0, 1
	jmp loop
`
)

func pc(idx uint64) uint64 {
	return fwvm.CodeBase + idx*fwvm.InstrLen
}

func testLayout(t testing.TB) *input.Layout {
	l, err := input.NewLayout([]input.ChannelSpec{
		{Channel: input.MMIO(regData), Width: 4},
		{Channel: input.IRQ, Width: 1, Values: []uint64{3}, MaxEvents: 16},
		{Channel: input.Time, Width: 4, MaxEvents: 16},
	})
	require.NoError(t, err)
	return l
}

func newDriver(t testing.TB, firmware string, mutate func(cfg *Config)) *Driver {
	cfg := &Config{
		Env:      &emu.Env{Arch: fwvm.Arch},
		Image:    []byte(firmware),
		Layout:   testLayout(t),
		Policy:   SnapshotFirstInput,
		Budget:   Budget{Instructions: 10000},
		Coverage: true,
	}
	if mutate != nil {
		mutate(cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func mmio(vals ...uint64) input.Stream {
	s := input.Stream{Channel: input.MMIO(regData)}
	for _, v := range vals {
		s.Events = append(s.Events, input.Event{Value: v, Size: 4})
	}
	return s
}

func TestScenarioIdle(t *testing.T) {
	d := newDriver(t, idleFirmware, nil)
	assert.Equal(t, pc(0), d.SnapshotPC())
	inp := input.MustNew(
		mmio(0x1, 0x2),
		input.Stream{Channel: input.IRQ, Events: []input.Event{{Value: 3, Size: 1}}},
		input.Stream{Channel: input.Time, Events: []input.Event{{Value: 10, Size: 4}}},
	)
	res, err := d.Execute(context.Background(), inp)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.Equal(t, emu.StopExhausted, res.Stop.Reason)
	assert.Equal(t, uint64(10), res.Stop.Ticks)
	assert.Equal(t, map[input.ChannelID]int{
		input.MMIO(regData): 2,
		input.IRQ:           1,
		input.Time:          1,
	}, res.Consumed)
	// The block handling the second read and the interrupt handler are covered.
	assert.Contains(t, res.Cover, signal.EdgeID(pc(3), pc(6)))
	assert.Contains(t, res.Cover, signal.EdgeID(pc(7), pc(10)))

	// The same input without the expected values does not reach the handling block.
	res, err = d.Execute(context.Background(), input.MustNew(mmio(0x5)))
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.NotContains(t, res.Cover, signal.EdgeID(pc(3), pc(6)))
}

func TestScenarioCrash(t *testing.T) {
	d := newDriver(t, crashFirmware, nil)
	var first *Crash
	for i := 0; i < 5; i++ {
		res, err := d.Execute(context.Background(), input.MustNew(mmio(0xdead)))
		require.NoError(t, err)
		require.Equal(t, StatusCrash, res.Status)
		require.NotNil(t, res.Crash)
		assert.False(t, res.Crash.Host)
		assert.Equal(t, emu.FaultMemory, res.Crash.Fault.Kind)
		if first == nil {
			first = res.Crash
			continue
		}
		assert.Equal(t, first.Signature, res.Crash.Signature)
		assert.Equal(t, first.Title, res.Crash.Title)
	}
	res, err := d.Execute(context.Background(), input.MustNew(mmio(0xbeef)))
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.Equal(t, emu.StopHalt, res.Stop.Reason)
}

func TestScenarioHang(t *testing.T) {
	d := newDriver(t, hangFirmware, nil)
	for i := 0; i < 10; i++ {
		res, err := d.Execute(context.Background(), input.MustNew(mmio(0x1)))
		require.NoError(t, err)
		assert.Equal(t, StatusHang, res.Status)
		assert.Equal(t, uint64(10000), res.Executed)
	}
	// Wall-clock budget only.
	d = newDriver(t, hangFirmware, func(cfg *Config) {
		cfg.Budget = Budget{Timeout: 20 * time.Millisecond}
	})
	for i := 0; i < 3; i++ {
		res, err := d.Execute(context.Background(), input.MustNew(mmio(0x1)))
		require.NoError(t, err)
		assert.Equal(t, StatusHang, res.Status)
	}
}

func TestExhaustPolicy(t *testing.T) {
	inp := input.MustNew(mmio(0x1, 0x2))
	res, err := newDriver(t, idleFirmware, nil).Execute(context.Background(), inp)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	// With zero-fill the idle loop never stops.
	res, err = newDriver(t, idleFirmware, func(cfg *Config) {
		cfg.Exhaust = input.ExhaustZero
	}).Execute(context.Background(), inp)
	require.NoError(t, err)
	assert.Equal(t, StatusHang, res.Status)
}

func TestDeterminism(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	d := newDriver(t, idleFirmware, func(cfg *Config) { cfg.HitCounts = true })
	layout := testLayout(t)
	opts := cmpopts.IgnoreFields(Result{}, "Duration")
	for i := 0; i < testutil.IterCount(); i++ {
		inp := input.Generate(r, layout, 5)
		res1, err := d.Execute(context.Background(), inp)
		require.NoError(t, err)
		res2, err := d.Execute(context.Background(), inp)
		require.NoError(t, err)
		if diff := cmp.Diff(res1, res2, opts); diff != "" {
			t.Fatalf("input %v:\n%v", inp, diff)
		}
	}
}

func TestSnapshotPolicies(t *testing.T) {
	inp := input.MustNew(
		mmio(0x1, 0x2),
		input.Stream{Channel: input.IRQ, Events: []input.Event{{Value: 3, Size: 1}, {Value: 3, Size: 1}}},
	)
	var results []*Result
	for _, policy := range []SnapshotPolicy{SnapshotFirstInput, SnapshotBoot, SnapshotNone} {
		d := newDriver(t, idleFirmware, func(cfg *Config) { cfg.Policy = policy })
		res, err := d.Execute(context.Background(), inp)
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, res := range results[1:] {
		assert.Equal(t, results[0].Status, res.Status)
		assert.Equal(t, results[0].Consumed, res.Consumed)
		assert.Equal(t, results[0].Stop.Ticks, res.Stop.Ticks)
	}
}

func TestNoCoverage(t *testing.T) {
	d := newDriver(t, idleFirmware, func(cfg *Config) { cfg.Coverage = false })
	res, err := d.Execute(context.Background(), input.MustNew(mmio(0x1, 0x2)))
	require.NoError(t, err)
	assert.Nil(t, res.Cover)
}

func TestHookFailure(t *testing.T) {
	rules, err := hook.ParseRules("test", []byte("rules:\n  - pc: 0x0800000c\n    fail: boom\n"))
	require.NoError(t, err)
	d := newDriver(t, crashFirmware, func(cfg *Config) { cfg.Hook = rules })
	for i := 0; i < 2; i++ {
		res, err := d.Execute(context.Background(), input.MustNew(mmio(0xdead)))
		require.NoError(t, err)
		var scriptErr *hook.ScriptError
		require.True(t, errors.As(res.HookErr, &scriptErr))
		// The run is not affected.
		assert.Equal(t, StatusCrash, res.Status)
		assert.NotEmpty(t, res.Cover)
	}
}

type countingHook struct {
	blocks int
	closed int
}

func (h *countingHook) OnBlock(pc uint64, st hook.State) error {
	h.blocks++
	return nil
}

func (h *countingHook) Close() error {
	h.closed++
	return nil
}

func TestHookClosed(t *testing.T) {
	h := new(countingHook)
	d, err := New(&Config{
		Env:    &emu.Env{Arch: fwvm.Arch},
		Image:  []byte(idleFirmware),
		Layout: testLayout(t),
		Policy: SnapshotFirstInput,
		Budget: Budget{Instructions: 10000},
		Hook:   h,
	})
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), input.MustNew(mmio(0x1, 0x2)))
	require.NoError(t, err)
	assert.NotZero(t, h.blocks)
	assert.Zero(t, h.closed)
	require.NoError(t, d.Close())
	assert.Equal(t, 1, h.closed)

	// A driver that fails to start still releases its hook.
	h = new(countingHook)
	_, err = New(&Config{
		Env:    &emu.Env{Arch: "z80"},
		Layout: testLayout(t),
		Hook:   h,
	})
	require.Error(t, err)
	assert.Equal(t, 1, h.closed)
}

func TestCanceledContext(t *testing.T) {
	d := newDriver(t, idleFirmware, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Execute(ctx, input.Empty)
	assert.ErrorIs(t, err, context.Canceled)
}

type panicMachine struct {
	*fwvm.Machine
}

func (m panicMachine) Run(ctx context.Context, budget uint64) (*emu.Stop, error) {
	panic("backend bug")
}

func init() {
	emu.Register("panicky", func(env *emu.Env) (emu.Machine, error) {
		return panicMachine{fwvm.New(&fwvm.Config{RAMSize: 1 << 10, MaxDepth: 4})}, nil
	})
}

func TestEmulatorPanic(t *testing.T) {
	d := newDriver(t, idleFirmware, func(cfg *Config) {
		cfg.Env = &emu.Env{Arch: "panicky"}
		cfg.Policy = SnapshotBoot
	})
	var sig *Crash
	for i := 0; i < 2; i++ {
		res, err := d.Execute(context.Background(), input.Empty)
		var emuErr *emu.EmulationError
		require.True(t, errors.As(err, &emuErr))
		require.NotNil(t, res)
		assert.Equal(t, StatusCrash, res.Status)
		assert.True(t, res.Crash.Host)
		assert.Contains(t, res.Crash.Title, "backend bug")
		if sig != nil {
			assert.Equal(t, sig.Signature, res.Crash.Signature)
		}
		sig = res.Crash
	}
}

func TestUnknownArch(t *testing.T) {
	_, err := New(&Config{
		Env:    &emu.Env{Arch: "z80"},
		Layout: testLayout(t),
	})
	assert.Error(t, err)
}

func TestParseSnapshotPolicy(t *testing.T) {
	p, err := ParseSnapshotPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SnapshotFirstInput, p)
	_, err = ParseSnapshotPolicy("sometimes")
	assert.Error(t, err)
}
