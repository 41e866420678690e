// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fwconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Ollrogge/hoedur/pkg/config"
	"github.com/Ollrogge/hoedur/pkg/corpus"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/emu"
	_ "github.com/Ollrogge/hoedur/pkg/emu/fwvm" // the reference backend is the default
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/osutil"
	"github.com/Ollrogge/hoedur/pkg/signal"
)

// ConfigError is returned for any invalid configuration. It is fatal for the session.
type ConfigError struct {
	Param string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("bad config: %v", e.Err)
	}
	return fmt.Sprintf("bad config param %v: %v", e.Param, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func paramError(param, msg string, args ...interface{}) error {
	return &ConfigError{Param: param, Err: fmt.Errorf(msg, args...)}
}

func LoadData(data []byte) (*Config, error) {
	cfg, err := LoadPartialData(data)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return cfg, nil
}

func LoadPartialFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		Name:             "hoedur",
		Arch:             "fwvm",
		Coverage:         true,
		ExecTimeout:      1000,
		ExecInstructions: 1 << 20,
		MaxInputLen:      256,
		Procs:            1,
		Snapshot:         string(driver.SnapshotFirstInput),
		Exhausted:        input.ExhaustStop.String(),
		Schedule:         corpus.ScheduleCoverage.String(),
		BaseEnergy:       corpus.DefaultBaseEnergy,
		CoverMap:         signal.MapExact,
		CoverMapSize:     signal.DefaultHashedSize,
		MaxCrashLogs:     100,
		MaxHangSamples:   10,
	}
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return paramError("workdir", "is empty")
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)
	if cfg.Target == "" {
		return paramError("target", "is empty")
	}
	cfg.Target = osutil.Abs(cfg.Target)
	image, err := os.ReadFile(cfg.Target)
	if err != nil {
		return &ConfigError{Param: "target", Err: err}
	}
	cfg.Image = image
	if !slices.Contains(emu.Arches(), cfg.Arch) {
		return paramError("arch", "unknown emulator %q, supported: %v", cfg.Arch, emu.Arches())
	}
	if len(cfg.Channels) == 0 {
		return paramError("channels", "no input channels")
	}
	if cfg.Layout, err = input.NewLayout(cfg.Channels); err != nil {
		return &ConfigError{Param: "channels", Err: err}
	}
	if cfg.MaxInputLen < 1 {
		return paramError("max_input_len", "must be positive, got %v", cfg.MaxInputLen)
	}
	if cfg.ExecTimeout < 0 {
		return paramError("exec_timeout", "must not be negative, got %v", cfg.ExecTimeout)
	}
	if cfg.ExecTimeout == 0 && cfg.ExecInstructions == 0 {
		return paramError("exec_timeout", "no execution budget: both exec_timeout and exec_instructions are 0")
	}
	if cfg.SnapshotPolicy, err = driver.ParseSnapshotPolicy(cfg.Snapshot); err != nil {
		return &ConfigError{Param: "snapshot", Err: err}
	}
	if cfg.ExhaustPolicy, err = input.ParseExhaustPolicy(cfg.Exhausted); err != nil {
		return &ConfigError{Param: "exhausted", Err: err}
	}
	if cfg.PowerSchedule, err = corpus.ParseSchedule(cfg.Schedule); err != nil {
		return &ConfigError{Param: "schedule", Err: err}
	}
	if cfg.Procs < 1 || cfg.Procs > 64 {
		return paramError("procs", "'%v', want [1, 64]", cfg.Procs)
	}
	if _, err := signal.NewMap(cfg.CoverMap, cfg.CoverMapSize); err != nil {
		return &ConfigError{Param: "cover_map", Err: err}
	}
	if cfg.Hook != "" {
		cfg.Hook = osutil.Abs(cfg.Hook)
		if !slices.Contains(hook.Extensions(), filepath.Ext(cfg.Hook)) {
			return paramError("hook", "unsupported hook %v, supported extensions: %v",
				cfg.Hook, hook.Extensions())
		}
	}
	if cfg.Trace != "" {
		cfg.Trace = osutil.Abs(cfg.Trace)
	}
	for i, archive := range cfg.ImportCorpus {
		cfg.ImportCorpus[i] = osutil.Abs(archive)
	}
	return nil
}

// Budget returns the per-execution budget.
func (cfg *Config) Budget() driver.Budget {
	return driver.Budget{
		Instructions: cfg.ExecInstructions,
		Timeout:      time.Duration(cfg.ExecTimeout) * time.Millisecond,
	}
}

// DriverConfig returns the emulation driver configuration. The hook, if any,
// must be loaded separately for every driver since hooks keep per-run state.
func (cfg *Config) DriverConfig(h hook.Hook, logf func(int, string, ...interface{})) *driver.Config {
	return &driver.Config{
		Env: &emu.Env{
			Arch:   cfg.Arch,
			Config: cfg.Emulator,
		},
		Image:     cfg.Image,
		Layout:    cfg.Layout,
		Exhaust:   cfg.ExhaustPolicy,
		Policy:    cfg.SnapshotPolicy,
		Budget:    cfg.Budget(),
		Coverage:  cfg.Coverage,
		HitCounts: cfg.HitCounts,
		Hook:      h,
		Logf:      logf,
	}
}

// Serialize returns the configuration as stored in corpus archives.
func (cfg *Config) Serialize() []byte {
	data, err := config.SaveData(cfg, false)
	if err != nil {
		panic(err)
	}
	return data
}
