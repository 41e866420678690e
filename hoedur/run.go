// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/fuzzer"
	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/tool"
)

// runInput replays a single input. A crashing input exits with the crash code.
func runInput(ctx context.Context, cfg *fwconfig.Config, opts *options, args []string) int {
	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Errorf("%v", err)
		return tool.ExitConfig
	}
	inp, err := input.Deserialize(data)
	if err != nil {
		log.Errorf("%v", err)
		return tool.ExitConfig
	}
	if err := cfg.Layout.Validate(inp); err != nil {
		log.Errorf("input does not match the configured channels: %v", err)
		return tool.ExitConfig
	}
	var h hook.Hook
	if newHook := hookLoader(cfg, true); newHook != nil {
		if h, err = newHook(); err != nil {
			log.Errorf("%v", err)
			return tool.ExitConfig
		}
	}
	drvCfg := cfg.DriverConfig(h, log.Logf)
	drvCfg.Debug = opts.debug
	res, err := fuzzer.Replay(ctx, drvCfg, inp)
	if res == nil {
		log.Errorf("failed to execute %v: %v", args[0], err)
		return tool.ExitConfig
	}
	if err != nil {
		log.Logf(0, "emulator failure: %v", err)
	}
	printResult(inp, res, opts.stats)
	if res.HookErr != nil {
		log.Logf(0, "hook failed: %v", res.HookErr)
	}
	if res.Status == driver.StatusCrash {
		return tool.ExitCrash
	}
	return tool.ExitOK
}

func printResult(inp *input.Input, res *driver.Result, stats bool) {
	fmt.Printf("%v: %v", inp, res.Status)
	if res.Crash != nil {
		fmt.Printf(": %v", res.Crash.Title)
	}
	fmt.Printf("\n")
	if !stats {
		return
	}
	fmt.Printf("stop: %v\n", res.Stop)
	fmt.Printf("executed: %v blocks in %v, %v requests\n", res.Executed, res.Duration, res.Requests)
	fmt.Printf("coverage: %v edges\n", len(res.Cover))
	var channels []input.ChannelID
	for ch := range res.Consumed {
		channels = append(channels, ch)
	}
	slices.SortFunc(channels, func(a, b input.ChannelID) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	for _, ch := range channels {
		fmt.Printf("consumed %v: %v\n", ch, res.Consumed[ch])
	}
}

func replayArchive(ctx context.Context, cfg *fwconfig.Config, opts *options, file string) (
	*archive.Archive, *fuzzer.CorpusCoverage, error) {
	ar, err := archive.Load(file)
	if err != nil {
		return nil, nil, err
	}
	if opts.trace != "" {
		log.Logf(0, "-trace is ignored for corpus replay, use it with run")
	}
	ar.Validate(cfg.Layout)
	newHook := hookLoader(cfg, false)
	newDriver := func() (*driver.Driver, error) {
		var h hook.Hook
		if newHook != nil {
			var err error
			if h, err = newHook(); err != nil {
				return nil, err
			}
		}
		drvCfg := cfg.DriverConfig(h, log.Logf)
		drvCfg.Debug = opts.debug
		return driver.New(drvCfg)
	}
	log.Logf(0, "replaying %v inputs of %v on %v workers", len(ar.Inputs), file, cfg.Procs)
	cov, err := fuzzer.ReplayCorpus(ctx, newDriver, ar.Inputs, cfg.Procs)
	if err != nil {
		return nil, nil, err
	}
	for _, rep := range cov.Inputs {
		if rep.Result != nil && log.V(1) {
			log.Logf(1, "input %v: %v, %v edges, %v new", rep.ID, rep.Result.Status,
				len(rep.Result.Cover), len(rep.NewEdges))
		}
	}
	return ar, cov, nil
}

func runCorpus(ctx context.Context, cfg *fwconfig.Config, opts *options, args []string) int {
	ar, cov, err := replayArchive(ctx, cfg, opts, args[0])
	if err != nil {
		log.Errorf("%v", err)
		return tool.ExitConfig
	}
	printCoverage(ar, cov)
	return tool.ExitOK
}

func runCoverage(ctx context.Context, cfg *fwconfig.Config, opts *options, args []string) int {
	ar, cov, err := replayArchive(ctx, cfg, opts, args[1])
	if err != nil {
		log.Errorf("%v", err)
		return tool.ExitConfig
	}
	printCoverage(ar, cov)
	report := fuzzer.CoverageReport(ar, cov)
	if err := report.Save(args[0]); err != nil {
		log.Errorf("failed to write coverage report: %v", err)
		return tool.ExitConfig
	}
	log.Logf(0, "wrote coverage report %v", args[0])
	return tool.ExitOK
}

func printCoverage(ar *archive.Archive, cov *fuzzer.CorpusCoverage) {
	fmt.Printf("%v inputs (%v skipped), %v edges\n", len(ar.Inputs), ar.Skipped, len(cov.Signal))
	for _, rep := range cov.Crashes() {
		fmt.Printf("input %v crashes: %v\n", rep.ID, rep.Result.Crash.Title)
	}
	for _, rep := range cov.Inputs {
		if rep.Err != nil {
			fmt.Printf("input %v: emulator failure: %v\n", rep.ID, rep.Err)
		}
	}
}
