// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package triage stores deduplicated crashes and hang samples in the working directory.
package triage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/osutil"
)

// CrashStore keeps one directory per unique crash signature:
//
//	crashes/<signature>/description  crash title
//	crashes/<signature>/log<N>       reports of individual occurrences
//	crashes/<signature>/repro.bin    shortest input that reproduces the crash
//
// and a bounded number of hanging inputs in hangs/.
type CrashStore struct {
	BaseDir        string
	MaxCrashLogs   int
	MaxHangSamples int

	mu        sync.Mutex
	reproLens map[string]int
	hangs     int
}

func ReadCrashStore(workdir string) *CrashStore {
	return &CrashStore{
		BaseDir: workdir,
	}
}

type Crash struct {
	Signature hash.Sig
	Title     string
	Report    []byte
	Input     *input.Input
}

// SaveCrash records the crash and returns whether its signature was seen for the first time.
// The stored reproducer is replaced if the new input is shorter.
func (cs *CrashStore) SaveCrash(crash *Crash) (bool, error) {
	id := crash.Signature.String()
	dir := filepath.Join(cs.BaseDir, "crashes", id)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	first := !osutil.IsExist(dir)
	if err := osutil.MkdirAll(dir); err != nil {
		return false, fmt.Errorf("failed to create crash dir: %w", err)
	}
	if first {
		if err := osutil.WriteFile(filepath.Join(dir, "description"), []byte(crash.Title+"\n")); err != nil {
			return false, err
		}
	}
	if err := cs.saveLog(dir, crash.Report); err != nil {
		return first, err
	}
	if crash.Input != nil {
		if err := cs.updateRepro(id, dir, crash.Input); err != nil {
			return first, err
		}
	}
	return first, nil
}

func (cs *CrashStore) saveLog(dir string, report []byte) error {
	maxLogs := cs.MaxCrashLogs
	if maxLogs <= 0 {
		maxLogs = 100
	}
	// Reuse the oldest log slot once all are taken.
	var oldestIndex int
	var oldestTime time.Time
	for i := 0; i < maxLogs; i++ {
		info, err := os.Stat(filepath.Join(dir, fmt.Sprintf("log%v", i)))
		if err != nil {
			oldestIndex = i
			break
		}
		if oldestTime.IsZero() || info.ModTime().Before(oldestTime) {
			oldestIndex = i
			oldestTime = info.ModTime()
		}
	}
	return osutil.WriteFile(filepath.Join(dir, fmt.Sprintf("log%v", oldestIndex)), report)
}

func (cs *CrashStore) updateRepro(id, dir string, inp *input.Input) error {
	if cs.reproLens == nil {
		cs.reproLens = make(map[string]int)
	}
	reproFile := filepath.Join(dir, "repro.bin")
	old, ok := cs.reproLens[id]
	if !ok {
		if data, err := os.ReadFile(reproFile); err == nil {
			if prev, err := input.Deserialize(data); err == nil {
				old, ok = prev.Len(), true
			}
		}
	}
	if ok && old <= inp.Len() {
		cs.reproLens[id] = old
		return nil
	}
	if err := osutil.WriteFileAtomically(reproFile, inp.Serialize()); err != nil {
		return fmt.Errorf("failed to save reproducer: %w", err)
	}
	cs.reproLens[id] = inp.Len()
	return nil
}

// SaveHang counts the hang and keeps the input while fewer than MaxHangSamples are stored.
func (cs *CrashStore) SaveHang(inp *input.Input) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.hangs++
	maxSamples := cs.MaxHangSamples
	if maxSamples <= 0 {
		maxSamples = 10
	}
	if inp == nil || cs.hangs > maxSamples {
		return cs.hangs, nil
	}
	dir := filepath.Join(cs.BaseDir, "hangs")
	if err := osutil.MkdirAll(dir); err != nil {
		return cs.hangs, err
	}
	file := filepath.Join(dir, fmt.Sprintf("hang-%v.bin", inp.Sig().Short()))
	return cs.hangs, osutil.WriteFile(file, inp.Serialize())
}

func (cs *CrashStore) Hangs() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hangs
}

// HangSamples lists stored hanging inputs.
func (cs *CrashStore) HangSamples() ([]string, error) {
	dir := filepath.Join(cs.BaseDir, "hangs")
	files, err := osutil.ListDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []string
	for _, f := range files {
		if strings.HasSuffix(f, ".bin") {
			res = append(res, filepath.Join(dir, f))
		}
	}
	return res, nil
}

type BugInfo struct {
	ID        string
	Title     string
	FirstTime time.Time
	LastTime  time.Time
	Repro     string // path to the shortest reproducer
	ReproLen  int
	Crashes   []*CrashInfo
}

type CrashInfo struct {
	Index  int
	Log    string // path to the report file
	Time   time.Time
	Report []byte `json:"-"`
}

// BugInfo reads the stored information about a crash. With full set, the reports are loaded too.
func (cs *CrashStore) BugInfo(id string, full bool) (*BugInfo, error) {
	dir := filepath.Join(cs.BaseDir, "crashes", id)
	desc, err := os.ReadFile(filepath.Join(dir, "description"))
	if err != nil {
		return nil, err
	}
	ret := &BugInfo{
		ID:    id,
		Title: strings.TrimSpace(string(desc)),
	}
	files, err := osutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if !strings.HasPrefix(f, "log") {
			continue
		}
		index, err := strconv.ParseUint(f[3:], 10, 64)
		if err != nil {
			continue
		}
		logFile := filepath.Join(dir, f)
		stat, err := os.Stat(logFile)
		if err != nil {
			return nil, err
		}
		crash := &CrashInfo{
			Index: int(index),
			Log:   logFile,
			Time:  stat.ModTime(),
		}
		if full {
			if crash.Report, err = os.ReadFile(logFile); err != nil {
				return nil, err
			}
		}
		if ret.FirstTime.IsZero() || crash.Time.Before(ret.FirstTime) {
			ret.FirstTime = crash.Time
		}
		if crash.Time.After(ret.LastTime) {
			ret.LastTime = crash.Time
		}
		ret.Crashes = append(ret.Crashes, crash)
	}
	sort.Slice(ret.Crashes, func(i, j int) bool {
		return ret.Crashes[i].Index < ret.Crashes[j].Index
	})
	reproFile := filepath.Join(dir, "repro.bin")
	if data, err := os.ReadFile(reproFile); err == nil {
		if inp, err := input.Deserialize(data); err == nil {
			ret.Repro = reproFile
			ret.ReproLen = inp.Len()
		}
	}
	return ret, nil
}

// BugList returns all stored crashes sorted by title.
func (cs *CrashStore) BugList() ([]*BugInfo, error) {
	dirs, err := osutil.ListDir(filepath.Join(cs.BaseDir, "crashes"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ret []*BugInfo
	for _, dir := range dirs {
		info, err := cs.BugInfo(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to read crash info for %v: %w", dir, err)
		}
		ret = append(ret, info)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Title != ret[j].Title {
			return ret[i].Title < ret[j].Title
		}
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

// Repro loads the shortest reproducer of the crash.
func (cs *CrashStore) Repro(id string) (*input.Input, error) {
	data, err := os.ReadFile(filepath.Join(cs.BaseDir, "crashes", id, "repro.bin"))
	if err != nil {
		return nil, err
	}
	return input.Deserialize(data)
}
