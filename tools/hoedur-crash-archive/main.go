// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// hoedur-crash-archive extracts a single reproducer from a corpus archive.
// The new archive carries the configuration entries of the corpus archive and
// one input, so it can be passed to hoedur explore or hoedur run-corpus.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/covreport"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/tool"
)

func main() {
	var (
		flagArchive  = flag.String("archive", "", "corpus archive (required)")
		flagID       = flag.Int("id", -1, "id of the input to extract")
		flagInput    = flag.String("input", "", "external input file to store instead of an archive input")
		flagShortest = flag.Bool("shortest", false, "extract the shortest crashing input, requires -report")
		flagReport   = flag.String("report", "", "coverage report of the corpus archive")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hoedur-crash-archive -archive corpus.tar.xz "+
			"(-id N | -input file | -shortest -report report.json.xz) crash.tar.xz\n")
		flag.PrintDefaults()
	}
	stop, err := tool.Init(flag.CommandLine, os.Args[1:])
	if err != nil {
		tool.Fail(err)
	}
	defer stop()
	if flag.NArg() != 1 || *flagArchive == "" {
		flag.Usage()
		os.Exit(tool.ExitConfig)
	}
	sel := selection{id: *flagID}
	switch {
	case *flagInput != "":
		data, err := os.ReadFile(*flagInput)
		if err != nil {
			tool.Fail(err)
		}
		if sel.input, err = input.Deserialize(data); err != nil {
			tool.Failf("%v: %v", *flagInput, err)
		}
		sel.id = 0
	case *flagShortest:
		if *flagReport == "" {
			tool.Failf("-shortest requires -report")
		}
		if sel.id, err = shortestCrash(*flagArchive, *flagReport); err != nil {
			tool.Fail(err)
		}
		log.Logf(0, "shortest crashing input is %v", sel.id)
	case sel.id < 0:
		tool.Failf("neither -id nor -input nor -shortest was provided")
	}

	r, err := archive.Open(*flagArchive)
	if err != nil {
		tool.Failf("failed to load corpus archive: %v", err)
	}
	defer r.Close()
	w, err := archive.Create(flag.Arg(0))
	if err != nil {
		tool.Failf("failed to create crash archive: %v", err)
	}
	copyErr := extract(r, w, sel)
	if err := w.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		os.Remove(flag.Arg(0))
		tool.Fail(copyErr)
	}
	log.Logf(0, "wrote %v", flag.Arg(0))
}

// selection names the input that goes to the new archive: either the archive
// input with the given id or an external input stored under that id.
type selection struct {
	id    int
	input *input.Input
}

// extract copies the configuration entries of r to w together with the selected input.
// Fuzzer statistics and all other inputs are dropped.
func extract(r *archive.Reader, w *archive.Writer, sel selection) error {
	found := false
	if sel.input != nil {
		if err := w.WriteInput(sel.id, sel.input); err != nil {
			return err
		}
		found = true
	}
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch entry.Kind {
		case archive.EntryConfig, archive.EntrySession:
			err = w.WriteFile(entry.Name, entry.Data)
		case archive.EntryInput:
			if sel.input == nil && entry.ID == sel.id {
				err = w.WriteFile(entry.Name, entry.Data)
				found = true
			}
		case archive.EntryStats:
			log.Logf(1, "skipping %v", entry.Name)
		default:
			log.Logf(0, "warning: unknown archive entry %v", entry.Name)
		}
		if err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("no input with id %v in the archive", sel.id)
	}
	return nil
}

// shortestCrash returns the id of the shortest archive input that crashed according to the report.
func shortestCrash(archiveFile, reportFile string) (int, error) {
	report, err := covreport.Load(reportFile)
	if err != nil {
		return 0, fmt.Errorf("failed to load coverage report: %w", err)
	}
	ar, err := archive.Load(archiveFile)
	if err != nil {
		return 0, fmt.Errorf("failed to load corpus archive: %w", err)
	}
	return shortestCrashIn(report, ar)
}

func shortestCrashIn(report *covreport.Report, ar *archive.Archive) (int, error) {
	crashed := make(map[int]bool)
	for _, inp := range report.Inputs {
		if inp.CrashReason != "" {
			crashed[inp.ID] = true
		}
	}
	best, ok := ar.Shortest(func(id int) bool { return crashed[id] })
	if !ok {
		return 0, errors.New("the archive has no crashing inputs")
	}
	return best.ID, nil
}
