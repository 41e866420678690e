// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package db persists the fuzzing corpus between sessions.
// Inputs are kept in memory and appended to an on-disk log of flate-compressed
// records keyed by the input signature. The log is rewritten only when
// superseded and deleted records make up most of it.
package db

import (
	"bufio"
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/Ollrogge/hoedur/pkg/osutil"
)

type DB struct {
	// Layout is the hash of the channel layout the inputs are recorded for.
	Layout hash.Sig
	// Stale is set if the file was written for a different channel layout;
	// the file is rewritten for the current one on Open.
	// The inputs are kept, but some of them may no longer validate.
	Stale bool

	filename string
	records  map[hash.Sig]record
	logged   int // number of records in the file
	pending  *bytes.Buffer
}

type record struct {
	data []byte
	seq  uint64
}

const (
	fileMagic   = uint32(0x68646230)
	fileVersion = uint32(1)
	recMagic    = uint32(0x68647265)
	seqDeleted  = ^uint64(0)
)

type fileHeader struct {
	Magic   uint32
	Version uint32
	Layout  hash.Sig
}

type recordHeader struct {
	Magic uint32
	Sig   hash.Sig
	Seq   uint64
	Len   uint32
}

// Open opens the corpus database for the given channel layout, creating the file if needed.
// If the file is corrupted and repair is set, the intact records are kept, the file
// is rewritten and the returned error describes the corruption. Without repair
// a corrupted database is not opened.
func Open(filename string, layout hash.Sig, repair bool) (*DB, error) {
	db := &DB{
		Layout:   layout,
		filename: filename,
	}
	f, err := os.OpenFile(filename, os.O_RDONLY|os.O_CREATE, osutil.DefaultFilePerm)
	if err != nil {
		return nil, err
	}
	stored, records, logged, loadErr := load(bufio.NewReader(f))
	f.Close()
	db.records, db.logged = records, logged
	db.Stale = !stored.IsZero() && stored != layout
	if loadErr != nil {
		err := fmt.Errorf("failed to load corpus database: %w", loadErr)
		if !repair {
			return nil, err
		}
		if err := db.compact(); err != nil {
			return nil, err
		}
		return db, err
	}
	if db.Stale || len(db.records) == 0 || db.wasted() {
		if err := db.compact(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// ReadInputs returns the inputs stored in the file without modifying it.
// A corrupted tail is dropped with a warning.
func ReadInputs(filename string) ([]*input.Input, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, records, _, err := load(bufio.NewReader(f))
	if err != nil {
		log.Logf(0, "corpus database %v is corrupted: %v", filename, err)
	}
	return decodeInputs(records), nil
}

func (db *DB) Len() int {
	return len(db.records)
}

// Save stores the input. Seq orders the inputs returned by Inputs.
func (db *DB) Save(inp *input.Input, seq uint64) hash.Sig {
	if seq == seqDeleted {
		panic("reserved seq")
	}
	sig := inp.Sig()
	if rec, ok := db.records[sig]; ok && rec.seq == seq {
		return sig
	}
	data := inp.Serialize()
	db.records[sig] = record{data, seq}
	db.append(sig, data, seq)
	return sig
}

func (db *DB) Delete(sig hash.Sig) {
	if _, ok := db.records[sig]; !ok {
		return
	}
	delete(db.records, sig)
	db.append(sig, nil, seqDeleted)
}

// Flush writes the pending records to disk.
func (db *DB) Flush() error {
	if db.wasted() {
		return db.compact()
	}
	if db.pending == nil {
		return nil
	}
	f, err := os.OpenFile(db.filename, os.O_WRONLY|os.O_APPEND|os.O_CREATE, osutil.DefaultFilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(db.pending.Bytes()); err != nil {
		return err
	}
	db.pending = nil
	return nil
}

// Inputs returns the stored inputs ordered by sequence number.
// Records that fail to decode are skipped with a warning.
func (db *DB) Inputs() []*input.Input {
	return decodeInputs(db.records)
}

func decodeInputs(records map[hash.Sig]record) []*input.Input {
	sigs := make([]hash.Sig, 0, len(records))
	for sig := range records {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		ri, rj := records[sigs[i]], records[sigs[j]]
		if ri.seq != rj.seq {
			return ri.seq < rj.seq
		}
		return sigs[i].Less(sigs[j])
	})
	var inputs []*input.Input
	for _, sig := range sigs {
		inp, err := input.Deserialize(records[sig].data)
		if err != nil {
			var inputErr *input.InputError
			if errors.As(err, &inputErr) {
				inputErr.Name = sig.String()
			}
			log.Logf(0, "skipping corpus record: %v", err)
			continue
		}
		if inp.Sig() != sig {
			log.Logf(0, "skipping corpus record %v: signature mismatch", sig.Short())
			continue
		}
		inputs = append(inputs, inp)
	}
	return inputs
}

func (db *DB) wasted() bool {
	return db.logged/10*9 > len(db.records)
}

func (db *DB) append(sig hash.Sig, data []byte, seq uint64) {
	if db.pending == nil {
		db.pending = new(bytes.Buffer)
	}
	writeRecord(db.pending, sig, data, seq)
	db.logged++
}

func (db *DB) compact() error {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, fileHeader{fileMagic, fileVersion, db.Layout})
	for sig, rec := range db.records {
		writeRecord(buf, sig, rec.data, rec.seq)
	}
	if err := osutil.WriteFileAtomically(db.filename, buf.Bytes()); err != nil {
		return err
	}
	db.logged = len(db.records)
	db.pending = nil
	return nil
}

func writeRecord(w *bytes.Buffer, sig hash.Sig, data []byte, seq uint64) {
	hdr := recordHeader{Magic: recMagic, Sig: sig, Seq: seq}
	if seq == seqDeleted {
		binary.Write(w, binary.LittleEndian, hdr)
		return
	}
	compressed := new(bytes.Buffer)
	fw, err := flate.NewWriter(compressed, flate.BestCompression)
	if err != nil {
		panic(err)
	}
	fw.Write(data)
	fw.Close()
	hdr.Len = uint32(compressed.Len())
	binary.Write(w, binary.LittleEndian, hdr)
	w.Write(compressed.Bytes())
}

// load reads all intact records. On error the records read so far are returned.
func load(r *bufio.Reader) (layout hash.Sig, records map[hash.Sig]record, logged int, err error) {
	records = make(map[hash.Sig]record)
	var hdr fileHeader
	if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if err == io.EOF {
			err = nil
		}
		return
	}
	if hdr.Magic != fileMagic {
		err = fmt.Errorf("bad file header: 0x%x", hdr.Magic)
		return
	}
	if hdr.Version != fileVersion {
		err = fmt.Errorf("unsupported file version %v", hdr.Version)
		return
	}
	layout = hdr.Layout
	for {
		sig, rec, recErr := readRecord(r)
		if recErr == io.EOF {
			return
		}
		if recErr != nil {
			err = fmt.Errorf("bad record %v: %w", logged, recErr)
			return
		}
		logged++
		if rec.seq == seqDeleted {
			delete(records, sig)
		} else {
			records[sig] = rec
		}
	}
}

func readRecord(r *bufio.Reader) (hash.Sig, record, error) {
	var hdr recordHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return hdr.Sig, record{}, fmt.Errorf("truncated header")
		}
		return hdr.Sig, record{}, err
	}
	if hdr.Magic != recMagic {
		return hdr.Sig, record{}, fmt.Errorf("bad header magic 0x%x", hdr.Magic)
	}
	rec := record{seq: hdr.Seq}
	if hdr.Seq == seqDeleted || hdr.Len == 0 {
		return hdr.Sig, rec, nil
	}
	lr := &io.LimitedReader{R: r, N: int64(hdr.Len)}
	fr := flate.NewReader(lr)
	defer fr.Close()
	data, err := io.ReadAll(fr)
	if err != nil {
		return hdr.Sig, record{}, err
	}
	if lr.N != 0 {
		return hdr.Sig, record{}, fmt.Errorf("%v trailing bytes", lr.N)
	}
	rec.data = data
	return hdr.Sig, rec, nil
}
