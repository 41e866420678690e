// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package snapshot saves and restores complete machine state.
// Snapshots are kept in an indexed arena of state buffers, so restore is a bulk copy
// proportional to the captured state size.
package snapshot

import (
	"fmt"

	"github.com/Ollrogge/hoedur/pkg/emu"
	"github.com/Ollrogge/hoedur/pkg/hash"
)

// SnapshotError is returned when a snapshot does not match the machine or the channel layout.
// The machine state is unspecified after a failed restore and the machine must be recreated.
type SnapshotError struct {
	Op  string
	Err error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %v: %v", e.Op, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

type span struct {
	name string
	off  int
	size int
}

type Snapshot struct {
	id      int
	layout  hash.Sig
	pc      uint64
	regions []span
	size    int
}

func (s *Snapshot) ID() int          { return s.id }
func (s *Snapshot) PC() uint64       { return s.pc }
func (s *Snapshot) Size() int        { return s.size }
func (s *Snapshot) Layout() hash.Sig { return s.layout }

// Manager owns the snapshots of a single machine.
type Manager struct {
	machine emu.Machine
	layout  hash.Sig
	maxSnap int
	arena   *arena
	snaps   []*Snapshot
}

func NewManager(machine emu.Machine, layout hash.Sig, maxSnapshots int) *Manager {
	return &Manager{
		machine: machine,
		layout:  layout,
		maxSnap: max(maxSnapshots, 1),
	}
}

// Save captures the current machine state.
func (mgr *Manager) Save() (*Snapshot, error) {
	regions := mgr.machine.State()
	total := 0
	for _, r := range regions {
		total += len(r.Data)
	}
	if mgr.arena == nil {
		a, err := newArena(total * mgr.maxSnap)
		if err != nil {
			return nil, &SnapshotError{Op: "save", Err: err}
		}
		mgr.arena = a
	}
	mem, err := mgr.arena.alloc(total)
	if err != nil {
		return nil, &SnapshotError{Op: "save", Err: fmt.Errorf("%w (%v snapshots taken)", err, len(mgr.snaps))}
	}
	snap := &Snapshot{
		id:     len(mgr.snaps),
		layout: mgr.layout,
		pc:     mgr.machine.PC(),
		size:   total,
	}
	off := mem.off
	for _, r := range regions {
		copy(mgr.arena.mem[off:], r.Data)
		snap.regions = append(snap.regions, span{r.Name, off, len(r.Data)})
		off += len(r.Data)
	}
	mgr.snaps = append(mgr.snaps, snap)
	return snap, nil
}

// Restore brings the machine into the exact state captured by snap.
func (mgr *Manager) Restore(snap *Snapshot) error {
	if snap.id >= len(mgr.snaps) || mgr.snaps[snap.id] != snap {
		return &SnapshotError{Op: "restore", Err: fmt.Errorf("snapshot %v belongs to another machine", snap.id)}
	}
	if snap.layout != mgr.layout {
		return &SnapshotError{Op: "restore", Err: fmt.Errorf("channel layout %v does not match snapshot layout %v",
			mgr.layout.Short(), snap.layout.Short())}
	}
	current := mgr.machine.State()
	if len(current) != len(snap.regions) {
		return &SnapshotError{Op: "restore", Err: fmt.Errorf("machine has %v state regions, snapshot has %v",
			len(current), len(snap.regions))}
	}
	regions := make([]emu.Region, len(snap.regions))
	for i, sp := range snap.regions {
		if current[i].Name != sp.name || len(current[i].Data) != sp.size {
			return &SnapshotError{Op: "restore", Err: fmt.Errorf("region %v: %v/%v does not match %v/%v",
				i, current[i].Name, len(current[i].Data), sp.name, sp.size)}
		}
		regions[i] = emu.Region{Name: sp.name, Data: mgr.arena.mem[sp.off : sp.off+sp.size : sp.off+sp.size]}
	}
	if err := mgr.machine.SetState(regions); err != nil {
		return &SnapshotError{Op: "restore", Err: err}
	}
	return nil
}

// SetLayout changes the channel layout of the machine; snapshots taken with another layout
// can't be restored afterwards.
func (mgr *Manager) SetLayout(layout hash.Sig) {
	mgr.layout = layout
}

func (mgr *Manager) Count() int {
	return len(mgr.snaps)
}

// Close releases the arena. Snapshots must not be used afterwards.
func (mgr *Manager) Close() error {
	mgr.snaps = nil
	if mgr.arena == nil {
		return nil
	}
	err := mgr.arena.close()
	mgr.arena = nil
	return err
}
