// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package driver executes multi-stream inputs on an emulated machine.
// Events of every stream are fed to the firmware strictly in order whenever it requests
// data on the stream channel. Which channel is serviced next is decided by the firmware.
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/Ollrogge/hoedur/pkg/snapshot"
)

type Status int

const (
	StatusNormal Status = iota
	StatusCrash
	StatusHang
)

var statusNames = []string{"normal", "crash", "hang"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type SnapshotPolicy string

const (
	// SnapshotFirstInput takes the snapshot when firmware first requests stimulus,
	// so the deterministic boot sequence is executed only once.
	SnapshotFirstInput SnapshotPolicy = "first-input"
	// SnapshotBoot takes the snapshot right after the image is loaded.
	SnapshotBoot SnapshotPolicy = "boot"
	// SnapshotNone reloads the image before every execution.
	SnapshotNone SnapshotPolicy = "none"
)

func ParseSnapshotPolicy(s string) (SnapshotPolicy, error) {
	switch p := SnapshotPolicy(s); p {
	case "":
		return SnapshotFirstInput, nil
	case SnapshotFirstInput, SnapshotBoot, SnapshotNone:
		return p, nil
	}
	return "", fmt.Errorf("unknown snapshot policy %q", s)
}

// Budget limits a single execution. Zero values mean no limit.
type Budget struct {
	Instructions uint64
	Timeout      time.Duration
}

type Config struct {
	Env     *emu.Env
	Image   []byte
	Layout  *input.Layout
	Exhaust input.ExhaustPolicy
	Policy  SnapshotPolicy
	Budget  Budget
	// Coverage enables the per-block coverage hook.
	Coverage  bool
	HitCounts bool
	// Hook is invoked on every block if set. The driver owns the hook and closes it
	// on Close, or when New fails.
	Hook  hook.Hook
	Debug bool
	Logf  func(level int, msg string, args ...interface{})
}

type Crash struct {
	Signature hash.Sig
	Title     string
	Fault     *emu.Fault
	// Host is set if the emulator itself has failed.
	Host bool
}

type Result struct {
	Status   Status
	Cover    signal.Signal
	Duration time.Duration
	Executed uint64
	Crash    *Crash
	Stop     *emu.Stop
	// Number of events consumed from every stream.
	Consumed map[input.ChannelID]int
	// Requests is the number of stimulus requests served.
	Requests int
	HookErr  error
}

func (res *Result) String() string {
	if res.Crash != nil {
		return fmt.Sprintf("%v: %v", res.Status, res.Crash.Title)
	}
	return fmt.Sprintf("%v (%v, %v instructions, %v edges)", res.Status, res.Stop, res.Executed, len(res.Cover))
}

type Driver struct {
	cfg       *Config
	machine   emu.Machine
	snaps     *snapshot.Manager
	snap      *snapshot.Snapshot
	bus       *streamBus
	state     hook.State
	bootCover signal.Signal
	trace     *signal.Trace
	hookErr   error
}

// New creates the machine, loads the image and takes the base snapshot according to the policy.
func New(cfg *Config) (*Driver, error) {
	if cfg.Logf == nil {
		cfg.Logf = log.Logf
	}
	machine, err := emu.Create(cfg.Env)
	if err != nil {
		if cfg.Hook != nil {
			cfg.Hook.Close()
		}
		return nil, err
	}
	d := &Driver{
		cfg:     cfg,
		machine: machine,
		bus:     &streamBus{layout: cfg.Layout, debug: cfg.Debug, logf: cfg.Logf},
		state:   hook.NewState(machine),
	}
	machine.SetBus(d.bus)
	if err := d.setup(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) setup() error {
	if err := d.machine.LoadImage(d.cfg.Image); err != nil {
		return err
	}
	if d.cfg.Policy == SnapshotNone {
		return nil
	}
	d.snaps = snapshot.NewManager(d.machine, d.cfg.Layout.Hash(), 1)
	if d.cfg.Policy == SnapshotFirstInput {
		if err := d.bootToFirstInput(); err != nil {
			return err
		}
	}
	snap, err := d.snaps.Save()
	if err != nil {
		return err
	}
	d.snap = snap
	d.cfg.Logf(1, "snapshot taken at 0x%x (%v bytes)", snap.PC(), snap.Size())
	return nil
}

func (d *Driver) bootToFirstInput() error {
	if d.cfg.Coverage {
		d.trace = signal.NewTrace()
		d.machine.SetBlockHook(d.trace.Block)
	}
	d.bus.boot()
	stop, err := d.machine.Run(context.Background(), d.cfg.Budget.Instructions)
	d.machine.SetBlockHook(nil)
	if err != nil {
		return err
	}
	if stop.Reason == emu.StopPaused {
		if d.trace != nil {
			d.bootCover = d.trace.Signal(d.cfg.HitCounts)
		}
		return nil
	}
	// Firmware does not consume any input, every run is equal to the boot.
	d.cfg.Logf(0, "firmware did not request input during boot (%v), snapshotting after image load", stop)
	return d.machine.LoadImage(d.cfg.Image)
}

// BootCover returns coverage of the boot sequence executed before the snapshot.
func (d *Driver) BootCover() signal.Signal {
	return d.bootCover
}

func (d *Driver) SnapshotPC() uint64 {
	if d.snap == nil {
		return 0
	}
	return d.snap.PC()
}

// Execute runs the input from the snapshot.
// A done ctx is only checked before the execution; a started run is never interrupted.
// A returned *snapshot.SnapshotError or *emu.EmulationError means the driver is not
// usable anymore and must be recreated. For emulator failures the result is returned as well.
func (d *Driver) Execute(ctx context.Context, inp *input.Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	if d.snap != nil {
		if err := d.snaps.Restore(d.snap); err != nil {
			return nil, err
		}
	} else if err := d.machine.LoadImage(d.cfg.Image); err != nil {
		return nil, err
	}
	reader := inp.NewReader(d.cfg.Exhaust)
	d.bus.reset(reader)
	d.trace = nil
	d.hookErr = nil
	if d.cfg.Coverage {
		d.trace = signal.NewTrace()
	}
	if d.cfg.Hook != nil {
		hook.Reset(d.cfg.Hook)
	}
	if d.trace != nil || d.cfg.Hook != nil {
		d.machine.SetBlockHook(d.onBlock)
	} else {
		d.machine.SetBlockHook(nil)
	}
	runCtx := context.Background()
	if d.cfg.Budget.Timeout != 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, d.cfg.Budget.Timeout)
		defer cancel()
	}
	stop, crash, runErr := d.run(runCtx)
	res := &Result{
		Duration: time.Since(start),
		Stop:     stop,
		Consumed: reader.Consumed(),
		Requests: d.bus.requests,
		HookErr:  d.hookErr,
		Crash:    crash,
	}
	if stop != nil {
		res.Executed = stop.Executed
	}
	if d.trace != nil {
		res.Cover = d.trace.Signal(d.cfg.HitCounts)
		res.Cover.Merge(d.bootCover)
	}
	switch {
	case crash != nil:
		res.Status = StatusCrash
	case runErr != nil:
		// The emulator failed without a fault of the firmware.
		res.Status = StatusHang
	default:
		res.Status, res.Crash = classify(stop)
	}
	d.cfg.Logf(3, "executed %v: %v", inp, res)
	return res, runErr
}

func classify(stop *emu.Stop) (Status, *Crash) {
	switch stop.Reason {
	case emu.StopFault:
		return StatusCrash, faultCrash(stop.Fault)
	case emu.StopBudget, emu.StopInterrupted:
		return StatusHang, nil
	default:
		return StatusNormal, nil
	}
}

func (d *Driver) run(ctx context.Context) (stop *emu.Stop, crash *Crash, err error) {
	defer func() {
		if r := recover(); r != nil {
			crash = panicCrash(r, debug.Stack())
			err = &emu.EmulationError{Arch: d.cfg.Env.Arch, Op: "run", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	stop, err = d.machine.Run(ctx, d.cfg.Budget.Instructions)
	var emuErr *emu.EmulationError
	if err != nil && !errors.As(err, &emuErr) {
		err = &emu.EmulationError{Arch: d.cfg.Env.Arch, Op: "run", Err: err}
	}
	return
}

func (d *Driver) onBlock(pc uint64) {
	if d.trace != nil {
		d.trace.Block(pc)
	}
	if d.cfg.Hook == nil || d.hookErr != nil {
		return
	}
	if err := d.cfg.Hook.OnBlock(pc, d.state); err != nil {
		var scriptErr *hook.ScriptError
		if !errors.As(err, &scriptErr) {
			err = &hook.ScriptError{Hook: "hook", PC: pc, Err: err}
		}
		d.cfg.Logf(1, "%v, tracing is disabled for the rest of the run", err)
		d.hookErr = err
	}
}

func (d *Driver) Close() error {
	var errs []error
	if d.snaps != nil {
		errs = append(errs, d.snaps.Close())
	}
	errs = append(errs, d.machine.Close())
	if d.cfg.Hook != nil {
		errs = append(errs, d.cfg.Hook.Close())
	}
	return errors.Join(errs...)
}
