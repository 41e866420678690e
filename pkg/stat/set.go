// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat keeps the fuzzing metrics of the process.
//
//	statExecs := stat.New("exec total", "Total executions", stat.Rate{})
//	statExecs.Add(1)
//
//	stat.New("corpus", "Seeds in the corpus", stat.LenOf(&seeds, &mu))
//
// The console heartbeat and the HTTP pages read the metrics with Collect,
// metrics created with the Prometheus option are also exported through Gatherer.
package stat

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

type UI struct {
	Name  string
	Desc  string
	Level Level
	Value string
	V     int
}

func New(name, desc string, opts ...any) *Val {
	return global.New(name, desc, opts...)
}

func Collect(level Level) []UI {
	return global.Collect(level)
}

// Gatherer exports the Prometheus metrics of the process.
func Gatherer() prometheus.Gatherer {
	return global.registry
}

var global = newSet(true)

// Level controls whether the metric is printed in the console heartbeat,
// shown on the main HTTP page or only exported.
type Level int

const (
	All Level = iota
	Simple
	Console
)

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Rate formats the metric together with its rate per unit of time.
type Rate struct{}

// Distribution collects a histogram of the added samples, the value is their mean.
type Distribution struct{}

// LenOf reads the metric value from the given slice/map/chan.
func LenOf(containerPtr any, mu *sync.RWMutex) func() int {
	v := reflect.ValueOf(containerPtr)
	_ = v.Elem().Len() // panics if container is not slice/map/chan
	return func() int {
		mu.RLock()
		defer mu.RUnlock()
		return v.Elem().Len()
	}
}

type set struct {
	mu       sync.Mutex
	vals     map[string]*Val
	exported map[string]prometheus.Collector
	registry *prometheus.Registry
	ticks    atomic.Int64
}

const (
	tickPeriod       = time.Second
	histogramBuckets = 255
)

func newSet(tick bool) *set {
	s := &set{
		vals:     make(map[string]*Val),
		exported: make(map[string]prometheus.Collector),
		registry: prometheus.NewRegistry(),
	}
	if tick {
		go func() {
			for range time.NewTicker(tickPeriod).C {
				s.ticks.Add(1)
			}
		}()
	}
	return s
}

// New creates a metric. A metric created under an existing name replaces the old one,
// so a new fuzzing session in the same process reports only its own values.
// Besides the option types a 'func() int' reads the value from a function and
// a 'func(int, time.Duration) string' formats it.
func (s *set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
		fmt:  func(v int, period time.Duration) string { return strconv.Itoa(v) },
	}
	var export Prometheus
	for _, o := range opts {
		switch opt := o.(type) {
		case Level:
			v.level = opt
		case Rate:
			v.fmt = formatRate
		case Distribution:
			v.hist = true
			v.fmt = v.formatDistribution
		case func() int:
			v.ext = opt
		case func(int, time.Duration) string:
			v.fmt = opt
		case Prometheus:
			export = opt
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = v
	if export != "" {
		s.export(string(export), v)
	}
	return v
}

func (s *set) export(name string, v *Val) {
	if old := s.exported[name]; old != nil {
		s.registry.Unregister(old)
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: v.desc,
	}, func() float64 { return float64(v.Val()) })
	s.registry.MustRegister(gauge)
	s.exported[name] = gauge
}

func (s *set) Collect(level Level) []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := time.Duration(s.ticks.Load()) * tickPeriod
	if period == 0 {
		period = tickPeriod
	}
	var res []UI
	for _, v := range s.vals {
		if v.level < level {
			continue
		}
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Level: v.level,
			Value: v.fmt(val, period),
			V:     val,
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Level != res[j].Level {
			return res[i].Level > res[j].Level
		}
		return res[i].Name < res[j].Name
	})
	return res
}

type Val struct {
	name   string
	desc   string
	level  Level
	val    atomic.Int64
	ext    func() int
	fmt    func(int, time.Duration) string
	hist   bool
	histMu sync.Mutex
	histo  *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if !v.hist {
		v.val.Add(int64(val))
		return
	}
	v.histMu.Lock()
	defer v.histMu.Unlock()
	if v.histo == nil {
		v.histo = gohistogram.NewHistogram(histogramBuckets)
	}
	v.histo.Add(float64(val))
}

func (v *Val) Val() int {
	switch {
	case v.ext != nil:
		return v.ext()
	case v.hist:
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histo == nil {
			return 0
		}
		return int(v.histo.Mean())
	}
	return int(v.val.Load())
}

// Quantile returns the q-th quantile of a Distribution metric.
func (v *Val) Quantile(q float64) float64 {
	if !v.hist {
		panic(fmt.Sprintf("stat %v is not a distribution", v.name))
	}
	v.histMu.Lock()
	defer v.histMu.Unlock()
	if v.histo == nil {
		return 0
	}
	return v.histo.Quantile(q)
}

func (v *Val) formatDistribution(mean int, period time.Duration) string {
	return fmt.Sprintf("%v (p50 %.0f, p95 %.0f)", mean, v.Quantile(0.5), v.Quantile(0.95))
}

func formatRate(v int, period time.Duration) string {
	secs := int(period.Seconds())
	if x := v / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/sec)", v, x)
	}
	if x := v * 60 / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/min)", v, x)
	}
	x := v * 60 * 60 / secs
	return fmt.Sprintf("%v (%v/hour)", v, x)
}
