// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// hoedur-eval-crash lists the crash reasons found in a coverage report.
// By default it prints the first input that triggered every reason.
// With -archive it prints the shortest reproducer of every reason instead.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/covreport"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/tool"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		flagYAML    = flag.Bool("yaml", false, "print results as yaml")
		flagArchive = flag.String("archive", "", "corpus archive, selects the shortest input per crash reason")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hoedur-eval-crash [-yaml] [-archive corpus.tar.xz] report.json.xz\n")
		flag.PrintDefaults()
	}
	stop, err := tool.Init(flag.CommandLine, os.Args[1:])
	if err != nil {
		tool.Fail(err)
	}
	defer stop()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(tool.ExitConfig)
	}
	file := flag.Arg(0)
	log.Logf(0, "loading coverage report %v", file)
	report, err := covreport.Load(file)
	if err != nil {
		tool.Failf("failed to load coverage report: %v", err)
	}
	var crashes []covreport.Occurrence
	if *flagArchive == "" {
		crashes = report.FirstCrashes()
	} else {
		log.Logf(0, "loading corpus archive %v", *flagArchive)
		ar, err := archive.Load(*flagArchive)
		if err != nil {
			tool.Failf("failed to load corpus archive: %v", err)
		}
		crashes = shortestReproducers(report, ar)
	}
	name := filepath.Base(file)
	for i := range crashes {
		crashes[i].Report = name
	}
	if *flagYAML {
		err = writeYAML(os.Stdout, crashes)
	} else {
		err = writeText(os.Stdout, crashes, *flagArchive != "")
	}
	if err != nil {
		tool.Fail(err)
	}
}

// shortestReproducers picks, for every crash reason of the report, the shortest
// input of the archive that triggered it. Ties go to the lower input id.
func shortestReproducers(report *covreport.Report, ar *archive.Archive) []covreport.Occurrence {
	reasons := make(map[int]*covreport.Input)
	for _, inp := range report.Inputs {
		if inp.CrashReason != "" {
			reasons[inp.ID] = inp
		}
	}
	best := make(map[string]covreport.Occurrence)
	for _, inp := range ar.Inputs {
		cov := reasons[inp.ID]
		if cov == nil {
			continue
		}
		if prev, ok := best[cov.CrashReason]; ok && prev.Len <= inp.Input.Len() {
			continue
		}
		occ := covreport.Occurrence{
			Reason: cov.CrashReason,
			Input:  inp.ID,
			Len:    inp.Input.Len(),
		}
		if cov.Timestamp != nil {
			occ.Time = *cov.Timestamp
		}
		best[cov.CrashReason] = occ
	}
	res := make([]covreport.Occurrence, 0, len(best))
	for _, occ := range best {
		res = append(res, occ)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Reason < res[j].Reason
	})
	return res
}

func writeYAML(w io.Writer, crashes []covreport.Occurrence) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(crashes); err != nil {
		return fmt.Errorf("failed to serialize crashes: %w", err)
	}
	return enc.Close()
}

func writeText(w io.Writer, crashes []covreport.Occurrence, shortest bool) error {
	for _, c := range crashes {
		var err error
		if shortest {
			_, err = fmt.Fprintf(w, "shortest input for crash : %v :\t input id %v (%v events, %v)\n",
				c.Reason, c.Input, c.Len, c.Report)
		} else {
			_, err = fmt.Fprintf(w, "%7d s : %v :\t input id %v (%v)\n",
				c.Time, c.Reason, c.Input, c.Report)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
