// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool contains helpers shared by the hoedur command line tools.
package tool

import (
	"flag"
	"fmt"
	"os"
)

// Exit codes of the command line tools.
const (
	ExitOK     = 0
	ExitConfig = 1
	ExitCrash  = 2
)

func Failf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(ExitConfig)
}

func Fail(err error) {
	Failf("%v", err)
}

// Init parses args into set and installs the -cpuprofile and -memprofile flags.
// The returned function writes the profiles and must be called before exiting.
func Init(set *flag.FlagSet, args []string) (func(), error) {
	cpuprof := set.String("cpuprofile", "", "write CPU profile to this file")
	memprof := set.String("memprofile", "", "write memory profile to this file")
	if err := set.Parse(args); err != nil {
		return nil, err
	}
	prof, err := startProfiles(*cpuprof, *memprof)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := prof.stop(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}, nil
}
