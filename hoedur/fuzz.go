// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/db"
	"github.com/Ollrogge/hoedur/pkg/fuzzer"
	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/manager"
	"github.com/Ollrogge/hoedur/pkg/osutil"
	"github.com/Ollrogge/hoedur/pkg/stat"
	"github.com/Ollrogge/hoedur/pkg/tool"
	"github.com/Ollrogge/hoedur/pkg/triage"
)

const statsPeriod = 10 * time.Second

func runFuzz(ctx context.Context, cfg *fwconfig.Config, opts *options, args []string) int {
	return fuzz(ctx, cfg, opts, nil)
}

// runExplore fuzzes starting from the inputs of the archive and keeps crashing
// and non-crashing inputs apart. A crash never ends the session.
func runExplore(ctx context.Context, cfg *fwconfig.Config, opts *options, args []string) int {
	cfg.StopOnCrash = false
	cfg.ImportCorpus = append(cfg.ImportCorpus, osutil.Abs(args[0]))
	explore, err := fuzzer.NewExploration(cfg.Workdir)
	if err != nil {
		log.Errorf("failed to create exploration dirs: %v", err)
		return tool.ExitConfig
	}
	code := fuzz(ctx, cfg, opts, explore)
	log.Logf(0, "exploration: %v crashing, %v non-crashing inputs",
		explore.Crashes(), explore.NonCrashes())
	return code
}

func fuzz(ctx context.Context, cfg *fwconfig.Config, opts *options, explore *fuzzer.Exploration) int {
	if err := osutil.MkdirAll(cfg.Workdir); err != nil {
		log.Errorf("failed to create workdir: %v", err)
		return tool.ExitConfig
	}
	crashes := &triage.CrashStore{
		BaseDir:        cfg.Workdir,
		MaxCrashLogs:   cfg.MaxCrashLogs,
		MaxHangSamples: cfg.MaxHangSamples,
	}
	corpusDB, err := db.Open(filepath.Join(cfg.Workdir, "corpus.db"), cfg.Layout.Hash(), true)
	if corpusDB == nil {
		log.Errorf("failed to open corpus database: %v", err)
		return tool.ExitConfig
	}
	if err != nil {
		log.Logf(0, "corpus database was repaired: %v", err)
	}
	if corpusDB.Stale {
		log.Logf(0, "corpus database was recorded for a different channel layout")
	}
	candidates := corpusDB.Inputs()
	log.Logf(0, "loaded %v inputs from corpus.db", len(candidates))
	for _, file := range cfg.ImportCorpus {
		ar, err := archive.Load(file)
		if err != nil {
			log.Errorf("failed to import %v: %v", file, err)
			return tool.ExitConfig
		}
		for _, inp := range ar.Inputs {
			candidates = append(candidates, inp.Input)
		}
		log.Logf(0, "imported %v inputs from %v (%v skipped)", len(ar.Inputs), file, ar.Skipped)
	}
	candidates = dedup(candidates)

	arFile := filepath.Join(cfg.Workdir, "corpus.tar.xz")
	if explore != nil {
		arFile = filepath.Join(cfg.Workdir, "exploration", "corpus.tar.xz")
	}
	ar, err := archive.Create(arFile)
	if err != nil {
		log.Errorf("failed to create corpus archive: %v", err)
		return tool.ExitConfig
	}
	session := archive.NewSession(cfg.Name)
	if err := ar.WriteConfig(cfg.Serialize()); err != nil {
		log.Errorf("failed to write corpus archive: %v", err)
		return tool.ExitConfig
	}
	if err := ar.WriteSession(session); err != nil {
		log.Errorf("failed to write corpus archive: %v", err)
		return tool.ExitConfig
	}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	fz, err := fuzzer.NewFuzzer(&fuzzer.Config{
		Target:     cfg,
		Debug:      opts.debug,
		Logf:       log.Logf,
		Seed:       seed,
		Candidates: candidates,
		Crashes:    crashes,
		CorpusDB:   corpusDB,
		Archive:    ar,
		Explore:    explore,
		NewHook:    hookLoader(cfg, false),
		MaxExecs:   opts.execs,
	})
	if err != nil {
		log.Errorf("%v", err)
		return tool.ExitConfig
	}
	if opts.trace != "" {
		log.Logf(0, "-trace is ignored while fuzzing, use it with run")
	}
	log.Logf(0, "session %v: fuzzing %v with %v workers (seed %v)", session.ID, cfg.Target, cfg.Procs, seed)

	if cfg.HTTP != "" {
		serv := &manager.HTTPServer{
			Cfg:        cfg,
			StartTime:  time.Now(),
			CrashStore: crashes,
		}
		serv.Fuzzer.Store(fz)
		go func() {
			if err := serv.Serve(ctx); err != nil {
				log.Errorf("http server failed: %v", err)
			}
		}()
	}
	if opts.stats {
		go printStats(ctx)
	}

	runErr := fz.Run(ctx)
	summary := fz.Summary()
	if err := ar.WriteStats(summary); err != nil {
		log.Errorf("failed to write fuzzer stats: %v", err)
	}
	if err := ar.Close(); err != nil {
		log.Errorf("failed to close corpus archive: %v", err)
	}
	log.Logf(0, "done: %v execs, %v edges, %v seeds, %v crashes (%v unique), %v hangs",
		summary.Execs, summary.Edges, summary.Corpus.Seeds,
		summary.Crashes, summary.UniqueCrashes, summary.Hangs)
	switch {
	case errors.Is(runErr, fuzzer.ErrCrashStop):
		log.Logf(0, "%v", runErr)
		return tool.ExitCrash
	case runErr != nil:
		log.Errorf("%v", runErr)
		return tool.ExitConfig
	}
	return tool.ExitOK
}

func dedup(inputs []*input.Input) []*input.Input {
	seen := make(map[string]bool)
	var res []*input.Input
	for _, inp := range inputs {
		sig := inp.Sig().String()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		res = append(res, inp)
	}
	return res
}

func printStats(ctx context.Context) {
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		buf := new(strings.Builder)
		for i, s := range stat.Collect(stat.Console) {
			if i != 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(buf, "%v: %v", s.Name, s.Value)
		}
		log.Logf(0, "%v", buf)
	}
}
