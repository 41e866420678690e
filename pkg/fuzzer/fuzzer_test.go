// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/db"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/emu/fwvm"
	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"github.com/Ollrogge/hoedur/pkg/triage"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	regData = 0x40001000

	// Dereferences a null pointer once the data register reads 1 and then 2.
	twoStepFirmware = `
	ldr r0, [0x40001000]
	cmp r0, 1
	bne done
	ldr r1, [0x40001000]
	cmp r1, 2
	bne done
	movi r2, 0
	ldr r3, [r2]
done:
	halt
`
)

func init() {
	emu.Register("panicky", func(env *emu.Env) (emu.Machine, error) {
		return panicMachine{fwvm.New(&fwvm.Config{RAMSize: 1 << 10, MaxDepth: 4})}, nil
	})
}

type panicMachine struct {
	*fwvm.Machine
}

func (m panicMachine) Run(ctx context.Context, budget uint64) (*emu.Stop, error) {
	panic("backend bug")
}

func testTarget(t *testing.T, firmware, extra string) *fwconfig.Config {
	dir := t.TempDir()
	target := filepath.Join(dir, "fw.s")
	require.NoError(t, os.WriteFile(target, []byte(firmware), 0644))
	cfg, err := fwconfig.LoadData([]byte(fmt.Sprintf(`{
		"workdir": %q,
		"target": %q,
		"channels": [{"channel": "mmio:0x%x", "width": 4}],
		"max_input_len": 8,
		"exec_instructions": 1000
		%v
	}`, dir, target, regData, extra)))
	require.NoError(t, err)
	return cfg
}

func mmio(vals ...uint64) *input.Input {
	s := input.Stream{Channel: input.MMIO(regData)}
	for _, v := range vals {
		s.Events = append(s.Events, input.Event{Value: v, Size: 4})
	}
	return input.MustNew(s)
}

func TestFuzz(t *testing.T) {
	defer checkGoroutineLeaks()

	target := testTarget(t, twoStepFirmware, `, "procs": 2, "stop_on_crash": true`)
	corpusDB, err := db.Open(filepath.Join(target.Workdir, "corpus.db"), target.Layout.Hash(), true)
	require.NoError(t, err)
	arFile := filepath.Join(target.Workdir, "corpus.tar.xz")
	ar, err := archive.Create(arFile)
	require.NoError(t, err)
	crashes := &triage.CrashStore{BaseDir: target.Workdir}

	fuzzer, err := NewFuzzer(&Config{
		Target:   target,
		Logf:     func(level int, msg string, args ...interface{}) { t.Logf(msg, args...) },
		Seed:     1,
		Crashes:  crashes,
		CorpusDB: corpusDB,
		Archive:  ar,
		MaxExecs: 200000,
	})
	require.NoError(t, err)
	err = fuzzer.Run(context.Background())
	require.True(t, errors.Is(err, ErrCrashStop), "got %v", err)
	require.NoError(t, ar.Close())

	bugs, err := crashes.BugList()
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	repro, err := crashes.Repro(bugs[0].ID)
	require.NoError(t, err)
	// The reproducer is truncated to the consumed events.
	assert.True(t, repro.Equal(mmio(1, 2)), "repro: %v", repro)

	summary := fuzzer.Summary()
	assert.Equal(t, 1, summary.UniqueCrashes)
	assert.NotZero(t, summary.Corpus.Seeds)
	assert.Equal(t, fuzzer.Cover.Len(), summary.Edges)

	seeds := fuzzer.Corpus.Seeds()
	stored, err := db.ReadInputs(filepath.Join(target.Workdir, "corpus.db"))
	require.NoError(t, err)
	assert.Len(t, stored, len(seeds))
	loaded, err := archive.Load(arFile)
	require.NoError(t, err)
	assert.Len(t, loaded.Inputs, len(seeds))
}

func TestCoverageOfFailedRuns(t *testing.T) {
	target := testTarget(t, twoStepFirmware, "")
	fuzzer, err := NewFuzzer(&Config{Target: target})
	require.NoError(t, err)
	inp := mmio(1, 2)
	consumed := map[input.ChannelID]int{input.MMIO(regData): 2}
	stop := func() {}

	fuzzer.process(&outcome{kind: execFuzz, input: inp, parent: -1, res: &driver.Result{
		Status:   driver.StatusCrash,
		Cover:    signal.Signal{signal.EdgeID(0x10, 0x20): 1, signal.EdgeID(0x20, 0x30): 1},
		Consumed: consumed,
		Crash:    &driver.Crash{Signature: hash.Hash([]byte("crash")), Title: "crash"},
	}}, stop)
	assert.Equal(t, 2, fuzzer.Cover.Len())

	fuzzer.process(&outcome{kind: execFuzz, input: inp, parent: -1, res: &driver.Result{
		Status:   driver.StatusHang,
		Cover:    signal.Signal{signal.EdgeID(0x20, 0x30): 1, signal.EdgeID(0x30, 0x40): 1},
		Consumed: consumed,
	}}, stop)
	assert.Equal(t, 3, fuzzer.Cover.Len())
	// Failed runs never become seeds.
	assert.Zero(t, fuzzer.Corpus.Stats().Seeds)
}

func TestMaxExecs(t *testing.T) {
	defer checkGoroutineLeaks()

	target := testTarget(t, twoStepFirmware, `, "procs": 3, "schedule": "fast"`)
	fuzzer, err := NewFuzzer(&Config{
		Target:   target,
		MaxExecs: 300,
	})
	require.NoError(t, err)
	require.NoError(t, fuzzer.Run(context.Background()))
	summary := fuzzer.Summary()
	assert.GreaterOrEqual(t, summary.Execs, 300)
	assert.NotZero(t, summary.Edges)
	// The boot path is always covered, so at least one seed exists.
	assert.NotZero(t, summary.Corpus.Seeds)
	for _, seed := range fuzzer.Corpus.Seeds() {
		assert.NotEmpty(t, seed.Delta)
	}
}

func TestCancel(t *testing.T) {
	defer checkGoroutineLeaks()

	target := testTarget(t, twoStepFirmware, `, "procs": 2`)
	fuzzer, err := NewFuzzer(&Config{Target: target})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, fuzzer.Run(ctx))
	assert.NotZero(t, fuzzer.Summary().Execs)
}

func TestCandidates(t *testing.T) {
	target := testTarget(t, twoStepFirmware, `, "stop_on_crash": true`)
	crashes := &triage.CrashStore{BaseDir: target.Workdir}
	bad := input.MustNew(input.Stream{
		Channel: input.MMIO(0x1234),
		Events:  []input.Event{{Value: 1, Size: 4}},
	})
	fuzzer, err := NewFuzzer(&Config{
		Target:     target,
		Candidates: []*input.Input{bad, mmio(1, 2, 3)},
		Crashes:    crashes,
		MaxExecs:   1,
	})
	require.NoError(t, err)
	err = fuzzer.Run(context.Background())
	require.True(t, errors.Is(err, ErrCrashStop), "got %v", err)
	assert.Equal(t, 1, fuzzer.statExecCandidate.Val())
	bugs, err := crashes.BugList()
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	repro, err := crashes.Repro(bugs[0].ID)
	require.NoError(t, err)
	assert.True(t, repro.Equal(mmio(1, 2)))
}

func TestWorkerRestart(t *testing.T) {
	defer checkGoroutineLeaks()

	target := testTarget(t, twoStepFirmware, `, "procs": 2, "arch": "panicky", "snapshot": "boot"`)
	fuzzer, err := NewFuzzer(&Config{
		Target:   target,
		MaxExecs: 10,
	})
	require.NoError(t, err)
	require.NoError(t, fuzzer.Run(context.Background()))
	summary := fuzzer.Summary()
	assert.GreaterOrEqual(t, summary.Execs, 10)
	assert.Equal(t, summary.Execs, summary.Crashes)
	assert.Equal(t, 1, summary.UniqueCrashes)
	assert.Equal(t, summary.Execs, fuzzer.statWorkerErrors.Val())
	assert.Zero(t, summary.Corpus.Seeds)
}

func TestBootFailure(t *testing.T) {
	defer checkGoroutineLeaks()

	target := testTarget(t, "bogus r0\n", "")
	fuzzer, err := NewFuzzer(&Config{Target: target})
	require.NoError(t, err)
	err = fuzzer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start emulation")
}

func TestReplay(t *testing.T) {
	target := testTarget(t, twoStepFirmware, "")
	res, err := Replay(context.Background(), target.DriverConfig(nil, nil), mmio(1, 2))
	require.NoError(t, err)
	assert.Equal(t, driver.StatusCrash, res.Status)
	res, err = Replay(context.Background(), target.DriverConfig(nil, nil), mmio(1, 3))
	require.NoError(t, err)
	assert.Equal(t, driver.StatusNormal, res.Status)
}

func replayCorpusInputs() []archive.Input {
	inputs := []*input.Input{mmio(0), mmio(1), mmio(1, 0), mmio(1, 2), mmio(5), mmio(1, 2, 7)}
	var res []archive.Input
	for i, inp := range inputs {
		res = append(res, archive.Input{ID: i * 2, Input: inp})
	}
	return res
}

func TestReplayCorpusDeterministic(t *testing.T) {
	target := testTarget(t, twoStepFirmware, "")
	newDriver := func() (*driver.Driver, error) {
		return driver.New(target.DriverConfig(nil, nil))
	}
	inputs := replayCorpusInputs()
	first, err := ReplayCorpus(context.Background(), newDriver, inputs, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := ReplayCorpus(context.Background(), newDriver, inputs, 4)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again,
			cmpopts.IgnoreFields(ReplayedInput{}, "Input", "Result")); diff != "" {
			t.Fatal(diff)
		}
	}
	require.Len(t, first.Inputs, len(inputs))
	assert.Equal(t, 0, first.Inputs[0].ID)
	assert.NotEmpty(t, first.Inputs[0].NewEdges)
	// The same path as an earlier input adds nothing.
	assert.Empty(t, first.Inputs[4].NewEdges)
	crashes := first.Crashes()
	require.Len(t, crashes, 2)
	assert.Equal(t, 6, crashes[0].ID)
	assert.Equal(t, 10, crashes[1].ID)
}

func TestCoverageReport(t *testing.T) {
	target := testTarget(t, twoStepFirmware, "")
	newDriver := func() (*driver.Driver, error) {
		return driver.New(target.DriverConfig(nil, nil))
	}
	session := archive.NewSession("test")
	inputs := replayCorpusInputs()
	for i := range inputs {
		inputs[i].Found = session.Started.Add(time.Duration(i) * time.Second)
	}
	ar := &archive.Archive{Session: &session, Inputs: inputs}
	cov, err := ReplayCorpus(context.Background(), newDriver, inputs, 2)
	require.NoError(t, err)
	report := CoverageReport(ar, cov)
	assert.Equal(t, session.ID, report.Session)
	assert.NotEmpty(t, cov.Boot)
	total := cov.Signal.Copy()
	total.Merge(cov.Boot)
	assert.ElementsMatch(t, total.Edges(), report.Edges)
	require.Len(t, report.Inputs, len(inputs))
	assert.Equal(t, uint64(3), *report.Inputs[3].Timestamp)
	assert.NotEmpty(t, report.Inputs[3].CrashReason)
	assert.Empty(t, report.Inputs[2].CrashReason)
	first := report.FirstCrashes()
	require.Len(t, first, 1)
	assert.Equal(t, 6, first[0].Input)
}

func TestExploration(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "exploration", "crashes", "input-7.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	ex, err := NewExploration(dir)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	require.NoError(t, ex.SaveInput(mmio(1)))
	require.NoError(t, ex.SaveInput(mmio(1)))
	require.NoError(t, ex.SaveCrash(mmio(1, 2)))
	assert.Equal(t, 1, ex.NonCrashes())
	assert.Equal(t, 1, ex.Crashes())
	data, err := os.ReadFile(filepath.Join(dir, "exploration", "crashes", "input-1.bin"))
	require.NoError(t, err)
	inp, err := input.Deserialize(data)
	require.NoError(t, err)
	assert.True(t, inp.Equal(mmio(1, 2)))
	assert.FileExists(t, filepath.Join(dir, "exploration", "non_crashes", "input-0.bin"))
}

func checkGoroutineLeaks() {
	// Inspired by src/net/http/main_test.go.
	buf := make([]byte, 2<<20)
	err := ""
	for i := 0; i < 3; i++ {
		buf = buf[:runtime.Stack(buf, true)]
		err = ""
		for _, g := range strings.Split(string(buf), "\n\n") {
			if !strings.Contains(g, "pkg/fuzzer/fuzzer.go") &&
				!strings.Contains(g, "pkg/fuzzer/worker.go") {
				continue
			}
			err = fmt.Sprintf("%sLeaked goroutine:\n%s", err, g)
		}
		if err == "" {
			return
		}
		// Give ctx.Done() a chance to propagate to all goroutines.
		time.Sleep(100 * time.Millisecond)
	}
	if err != "" {
		panic(err)
	}
}
