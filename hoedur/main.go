// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// hoedur fuzzes firmware images inside an emulator and replays the resulting inputs.
//
//	hoedur fuzz -config cfg.json
//	hoedur explore -config cfg.json crash.tar.xz
//	hoedur run -config cfg.json input.bin
//	hoedur run-corpus corpus.tar.xz
//	hoedur run-cov report.json.xz corpus.tar.xz
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/hook"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/osutil"
	"github.com/Ollrogge/hoedur/pkg/tool"
)

type options struct {
	config  string
	stats   bool
	debug   bool
	trace   string
	hook    string
	http    string
	vv      int
	procs   int
	execs   int
	seed    int64
	imports tool.ListFlag
}

type mode struct {
	args string
	// Number of positional arguments.
	nargs int
	// The last positional argument is a corpus archive that carries a configuration.
	archive bool
	run     func(ctx context.Context, cfg *fwconfig.Config, opts *options, args []string) int
}

var modes = map[string]mode{
	"fuzz":       {"", 0, false, runFuzz},
	"explore":    {"<archive>", 1, true, runExplore},
	"run":        {"<input>", 1, false, runInput},
	"run-corpus": {"<archive>", 1, true, runCorpus},
	"run-cov":    {"<report> <archive>", 2, true, runCoverage},
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	name := os.Args[1]
	m, ok := modes[name]
	if !ok {
		usage()
	}
	opts := new(options)
	flags := flag.NewFlagSet("hoedur "+name, flag.ExitOnError)
	flags.StringVar(&opts.config, "config", "", "configuration file")
	flags.BoolVar(&opts.stats, "stats", false, "print statistics")
	flags.BoolVar(&opts.debug, "debug", false, "dump all firmware stimulus requests to the console")
	flags.StringVar(&opts.trace, "trace", "", "write the executed basic blocks to this file (run only)")
	flags.StringVar(&opts.hook, "hook", "", "hook rules file, overrides the configuration")
	flags.StringVar(&opts.http, "http", "", "serve statistics on this address, overrides the configuration")
	flags.IntVar(&opts.vv, "vv", 0, "verbosity")
	flags.IntVar(&opts.procs, "procs", 0, "number of parallel workers, overrides the configuration")
	flags.IntVar(&opts.execs, "execs", 0, "stop fuzzing after this many executions")
	flags.Int64Var(&opts.seed, "seed", 0, "random seed (0 uses the current time)")
	flags.Var(&opts.imports, "import", "corpus archives to import before fuzzing (comma-separated)")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hoedur %v [flags] %v\n", name, m.args)
		flags.PrintDefaults()
	}
	stopProfiling, err := tool.Init(flags, os.Args[2:])
	if err != nil {
		tool.Fail(err)
	}
	args := flags.Args()
	if len(args) != m.nargs {
		flags.Usage()
		os.Exit(tool.ExitConfig)
	}
	log.SetVerbosity(opts.vv)
	log.EnableLogCaching(1000, 1<<20)

	var cfgData []byte
	if m.archive && opts.config == "" {
		if cfgData, err = archiveConfig(args[len(args)-1]); err != nil {
			tool.Failf("%v", err)
		}
	}
	cfg, err := loadConfig(opts, cfgData)
	if err != nil {
		tool.Failf("%v", err)
	}

	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdown
		cancel()
	}()
	code := m.run(ctx, cfg, opts, args)
	cancel()
	stopProfiling()
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  hoedur fuzz -config cfg.json\n")
	fmt.Fprintf(os.Stderr, "  hoedur explore [-config cfg.json] <archive>\n")
	fmt.Fprintf(os.Stderr, "  hoedur run -config cfg.json <input>\n")
	fmt.Fprintf(os.Stderr, "  hoedur run-corpus [-config cfg.json] <archive>\n")
	fmt.Fprintf(os.Stderr, "  hoedur run-cov [-config cfg.json] <report> <archive>\n")
	fmt.Fprintf(os.Stderr, "run 'hoedur <mode> -help' for the list of flags\n")
	os.Exit(tool.ExitConfig)
}

// archiveConfig returns the session configuration stored in a corpus archive.
func archiveConfig(file string) ([]byte, error) {
	r, err := archive.Open(file)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("%v: no configuration entry, use -config: %w", file, err)
		}
		if entry.Kind == archive.EntryConfig {
			return entry.Data, nil
		}
	}
}

// loadConfig loads the configuration file (or data taken from an archive)
// and applies the command line overrides.
func loadConfig(opts *options, data []byte) (*fwconfig.Config, error) {
	var cfg *fwconfig.Config
	var err error
	switch {
	case data != nil:
		cfg, err = fwconfig.LoadPartialData(data)
	case opts.config != "":
		cfg, err = fwconfig.LoadPartialFile(opts.config)
	default:
		return nil, fmt.Errorf("no configuration, use -config")
	}
	if err != nil {
		return nil, err
	}
	if opts.hook != "" {
		cfg.Hook = opts.hook
	}
	if opts.http != "" {
		cfg.HTTP = opts.http
	}
	if opts.trace != "" {
		cfg.Trace = opts.trace
	}
	if opts.procs != 0 {
		cfg.Procs = opts.procs
	}
	cfg.ImportCorpus = append(cfg.ImportCorpus, opts.imports...)
	if err := fwconfig.Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// hookLoader returns a constructor of per-driver hooks: the configured rules
// and, if requested, a block tracer.
func hookLoader(cfg *fwconfig.Config, trace bool) func() (hook.Hook, error) {
	if cfg.Hook == "" && (!trace || cfg.Trace == "") {
		return nil
	}
	return func() (hook.Hook, error) {
		var hooks []hook.Hook
		if cfg.Hook != "" {
			h, err := hook.Load(cfg.Hook)
			if err != nil {
				return nil, err
			}
			hooks = append(hooks, h)
		}
		if trace && cfg.Trace != "" {
			tracer, err := hook.CreateTracer(cfg.Trace)
			if err != nil {
				for _, h := range hooks {
					h.Close()
				}
				return nil, err
			}
			hooks = append(hooks, tracer)
		}
		return hook.Chain(hooks...), nil
	}
}
