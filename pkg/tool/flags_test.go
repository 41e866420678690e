// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	type Values struct {
		Debug  bool
		Procs  int
		Import ListFlag
	}
	type Test struct {
		args string
		vals *Values
	}
	tests := []Test{
		{"", &Values{false, 1, nil}},
		{"-debug -procs=2", &Values{true, 2, nil}},
		{"-import a,b -import c", &Values{false, 1, ListFlag{"a", "b", "c"}}},
		{"-debug -procs=2 -qux", nil},
	}
	for i, test := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			vals := new(Values)
			flags := flag.NewFlagSet("", flag.ContinueOnError)
			flags.SetOutput(io.Discard)
			flags.BoolVar(&vals.Debug, "debug", false, "")
			flags.IntVar(&vals.Procs, "procs", 1, "")
			flags.Var(&vals.Import, "import", "")
			args := append(strings.Split(test.args, " "), "arg0", "arg1")
			if args[0] == "" {
				args = args[1:]
			}
			done, err := Init(flags, args)
			if test.vals == nil {
				if err == nil {
					t.Fatalf("parsing did not fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("parsing failed: %v", err)
			}
			done()
			if diff := cmp.Diff(test.vals, vals); diff != "" {
				t.Fatal(diff)
			}
			if flags.NArg() != 2 || flags.Arg(0) != "arg0" || flags.Arg(1) != "arg1" {
				t.Fatalf("bad args: %q", flags.Args())
			}
		})
	}
}

func TestListFlagString(t *testing.T) {
	list := &ListFlag{"a", "b", "c"}
	if got, want := list.String(), "[a b c]"; got != want {
		t.Errorf("list.String got: %s, want: %s", got, want)
	}
}

func TestListFlagSet(t *testing.T) {
	list := &ListFlag{}
	if err := list.Set("a, b,, c"); err != nil {
		t.Fatalf("list.Set got: %v, want: nil", err)
	}
	if diff := cmp.Diff(ListFlag{"a", "b", "c"}, *list); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestProfiles(t *testing.T) {
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.prof")
	mem := filepath.Join(dir, "mem.prof")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	done, err := Init(flags, []string{"-cpuprofile", cpu, "-memprofile", mem})
	require.NoError(t, err)
	done()
	done()
	for _, file := range []string{cpu, mem} {
		st, err := os.Stat(file)
		require.NoError(t, err)
		assert.NotZero(t, st.Size(), file)
	}

	flags = flag.NewFlagSet("", flag.ContinueOnError)
	_, err = Init(flags, []string{"-cpuprofile", filepath.Join(dir, "missing", "cpu.prof")})
	assert.Error(t, err)
}
