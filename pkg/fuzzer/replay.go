// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Ollrogge/hoedur/pkg/archive"
	"github.com/Ollrogge/hoedur/pkg/covreport"
	"github.com/Ollrogge/hoedur/pkg/driver"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/signal"
	"golang.org/x/sync/errgroup"
)

// Replay executes a single input on a fresh driver.
func Replay(ctx context.Context, cfg *driver.Config, inp *input.Input) (*driver.Result, error) {
	drv, err := driver.New(cfg)
	if err != nil {
		return nil, err
	}
	res, err := drv.Execute(ctx, inp)
	closeErr := drv.Close()
	if err != nil {
		return res, err
	}
	return res, closeErr
}

type ReplayedInput struct {
	ID     int
	Input  *input.Input
	Result *driver.Result
	// Err is set if the emulator failed while executing the input.
	Err error
	// NewEdges are the edges this input added to the coverage of all inputs before it.
	NewEdges []signal.Edge
}

type CorpusCoverage struct {
	// Signal is the coverage of all inputs.
	Signal signal.Signal
	// Boot is the coverage of the boot sequence executed before the snapshot.
	Boot   signal.Signal
	Inputs []*ReplayedInput
}

// ReplayCorpus executes all inputs on procs parallel drivers and merges their
// coverage in input order, so the result does not depend on scheduling.
func ReplayCorpus(ctx context.Context, newDriver func() (*driver.Driver, error),
	inputs []archive.Input, procs int) (*CorpusCoverage, error) {
	replayed := make([]*ReplayedInput, len(inputs))
	var next atomic.Int64
	var bootOnce sync.Once
	boot := make(signal.Signal)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < max(procs, 1); p++ {
		g.Go(func() error {
			var drv *driver.Driver
			defer func() {
				if drv != nil {
					drv.Close()
				}
			}()
			for {
				i := int(next.Add(1) - 1)
				if i >= len(inputs) {
					return nil
				}
				if drv == nil {
					var err error
					if drv, err = newDriver(); err != nil {
						return err
					}
					bootOnce.Do(func() { boot.Merge(drv.BootCover()) })
				}
				res, err := drv.Execute(gctx, inputs[i].Input)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil && res == nil {
						return ctxErr
					}
					drv.Close()
					drv = nil
				}
				replayed[i] = &ReplayedInput{
					ID:     inputs[i].ID,
					Input:  inputs[i].Input,
					Result: res,
					Err:    err,
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	cov := &CorpusCoverage{
		Signal: make(signal.Signal),
		Boot:   boot,
		Inputs: replayed,
	}
	for _, rep := range replayed {
		if rep.Result == nil {
			continue
		}
		rep.NewEdges = cov.Signal.Diff(rep.Result.Cover).Edges()
		cov.Signal.Merge(rep.Result.Cover)
	}
	return cov, nil
}

// Crashes returns the replayed inputs that crashed.
func (cov *CorpusCoverage) Crashes() []*ReplayedInput {
	var res []*ReplayedInput
	for _, rep := range cov.Inputs {
		if rep.Result != nil && rep.Result.Status == driver.StatusCrash {
			res = append(res, rep)
		}
	}
	return res
}

// CoverageReport builds the coverage report of a replayed corpus archive.
func CoverageReport(ar *archive.Archive, cov *CorpusCoverage) *covreport.Report {
	var session, name string
	if ar.Session != nil {
		session, name = ar.Session.ID, ar.Session.Name
	}
	report := covreport.New(session, name)
	total := cov.Signal.Copy()
	total.Merge(cov.Boot)
	bitmap := signal.NewHashed(signal.DefaultHashedSize)
	bitmap.Merge(total)
	report.SetCoverage(total.Edges(), bitmap.Bitmap())
	for i, rep := range cov.Inputs {
		rec := &covreport.Input{
			ID:       rep.ID,
			Len:      rep.Input.Len(),
			NewEdges: rep.NewEdges,
		}
		if ar.Session != nil {
			rec.Timestamp = covreport.Timestamp(ar.Elapsed(ar.Inputs[i]))
		}
		if res := rep.Result; res != nil {
			switch res.Status {
			case driver.StatusCrash:
				rec.CrashReason = res.Crash.Title
			case driver.StatusHang:
				rec.Hang = true
			}
		}
		report.Add(rec)
	}
	return report
}
