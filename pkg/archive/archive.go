// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package archive implements the corpus archive: an xz-compressed tar stream holding
// the session configuration, fuzzer statistics and all corpus inputs.
package archive

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/log"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"
)

const (
	ConfigEntry  = "config/config.json"
	SessionEntry = "config/session.yaml"
	StatsEntry   = "fuzzer/stats.json"

	inputPrefix = "input/input-"
	inputSuffix = ".bin"
)

type EntryKind int

const (
	EntryUnknown EntryKind = iota
	EntryConfig
	EntrySession
	EntryStats
	EntryInput
)

// InputEntry returns the archive path of the input with the given id.
func InputEntry(id int) string {
	return fmt.Sprintf("%v%v%v", inputPrefix, id, inputSuffix)
}

// Classify determines the kind of the entry and, for inputs, its id.
func Classify(name string) (EntryKind, int) {
	switch name {
	case ConfigEntry:
		return EntryConfig, 0
	case SessionEntry:
		return EntrySession, 0
	case StatsEntry:
		return EntryStats, 0
	}
	if strings.HasPrefix(name, inputPrefix) && strings.HasSuffix(name, inputSuffix) {
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, inputPrefix), inputSuffix))
		if err == nil && id >= 0 {
			return EntryInput, id
		}
	}
	return EntryUnknown, 0
}

type Session struct {
	ID      string    `yaml:"id"`
	Name    string    `yaml:"name"`
	Started time.Time `yaml:"started"`
}

func NewSession(name string) Session {
	return Session{
		ID:      uuid.NewString(),
		Name:    name,
		Started: time.Now().UTC().Truncate(time.Second),
	}
}

// Writer appends entries to an archive. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	file   io.Closer
	buf    *bufio.Writer
	xz     *xz.Writer
	tw     *tar.Writer
	closed bool
}

func Create(filename string) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

func NewWriter(w io.Writer) (*Writer, error) {
	buf := bufio.NewWriter(w)
	xw, err := xz.NewWriter(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz writer: %w", err)
	}
	return &Writer{
		buf: buf,
		xz:  xw,
		tw:  tar.NewWriter(xw),
	}, nil
}

func (w *Writer) WriteFile(name string, data []byte) error {
	return w.writeFile(name, data, time.Now())
}

func (w *Writer) writeFile(name string, data []byte, mtime time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("archive is closed")
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  mtime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %v: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %v: %w", name, err)
	}
	return nil
}

func (w *Writer) WriteConfig(data []byte) error {
	return w.WriteFile(ConfigEntry, data)
}

func (w *Writer) WriteSession(s Session) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return w.WriteFile(SessionEntry, data)
}

func (w *Writer) WriteStats(stats any) error {
	data, err := json.MarshalIndent(stats, "", "\t")
	if err != nil {
		return err
	}
	return w.WriteFile(StatsEntry, data)
}

func (w *Writer) WriteInput(id int, inp *input.Input) error {
	return w.WriteFile(InputEntry(id), inp.Serialize())
}

// WriteInputAt stores the input with an explicit discovery time.
func (w *Writer) WriteInputAt(id int, inp *input.Input, found time.Time) error {
	return w.writeFile(InputEntry(id), inp.Serialize(), found)
}

// Flush makes all entries written so far durable in the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.tw.Flush(); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.tw.Close()
	if err1 := w.xz.Close(); err == nil {
		err = err1
	}
	if err1 := w.buf.Flush(); err == nil {
		err = err1
	}
	if w.file != nil {
		if err1 := w.file.Close(); err == nil {
			err = err1
		}
	}
	return err
}

type Entry struct {
	Name    string
	Kind    EntryKind
	ID      int
	ModTime time.Time
	Data    []byte
}

type Reader struct {
	file io.Closer
	tr   *tar.Reader
}

func Open(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

func NewReader(r io.Reader) (*Reader, error) {
	xr, err := xz.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to read xz stream: %w", err)
	}
	return &Reader{tr: tar.NewReader(xr)}, nil
}

// Next returns the next regular file entry or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(r.tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %v: %w", hdr.Name, err)
		}
		kind, id := Classify(hdr.Name)
		return &Entry{
			Name:    hdr.Name,
			Kind:    kind,
			ID:      id,
			ModTime: hdr.ModTime,
			Data:    data,
		}, nil
	}
}

func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

type Input struct {
	ID    int
	Found time.Time
	Input *input.Input
}

// Archive is the parsed content of a corpus archive.
type Archive struct {
	Config  []byte
	Session *Session
	Stats   []byte
	Inputs  []Input // sorted by id
	Skipped int     // corrupted or invalid inputs and unknown entries
}

// Load reads the whole archive. Unknown entries and corrupted inputs are skipped with a warning.
func Load(filename string) (*Archive, error) {
	r, err := Open(filename)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return Read(r)
}

func Read(r *Reader) (*Archive, error) {
	ar := &Archive{}
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch entry.Kind {
		case EntryConfig:
			ar.Config = entry.Data
		case EntrySession:
			s := new(Session)
			if err := yaml.Unmarshal(entry.Data, s); err != nil {
				log.Logf(0, "warning: bad session entry: %v", err)
				ar.Skipped++
				continue
			}
			ar.Session = s
		case EntryStats:
			ar.Stats = entry.Data
		case EntryInput:
			inp, err := input.Deserialize(entry.Data)
			if err != nil {
				var inputErr *input.InputError
				if errors.As(err, &inputErr) {
					inputErr.Name = entry.Name
				}
				log.Logf(0, "warning: skipping corrupted input: %v", err)
				ar.Skipped++
				continue
			}
			ar.Inputs = append(ar.Inputs, Input{
				ID:    entry.ID,
				Found: entry.ModTime,
				Input: inp,
			})
		default:
			log.Logf(0, "warning: unknown archive entry %v", entry.Name)
			ar.Skipped++
		}
	}
	sort.SliceStable(ar.Inputs, func(i, j int) bool {
		return ar.Inputs[i].ID < ar.Inputs[j].ID
	})
	return ar, nil
}

// Validate drops the inputs that do not conform to the channel layout,
// e.g. inputs recorded for a different configuration. They are skipped with a warning
// like corrupted inputs. Returns the number of dropped inputs.
func (ar *Archive) Validate(layout *input.Layout) int {
	valid := ar.Inputs[:0]
	dropped := 0
	for _, inp := range ar.Inputs {
		if err := layout.Validate(inp.Input); err != nil {
			log.Logf(0, "warning: skipping input %v: %v", inp.ID, err)
			dropped++
			continue
		}
		valid = append(valid, inp)
	}
	ar.Inputs = valid
	ar.Skipped += dropped
	return dropped
}

// Input returns the input with the given id.
func (ar *Archive) Input(id int) *input.Input {
	for _, inp := range ar.Inputs {
		if inp.ID == id {
			return inp.Input
		}
	}
	return nil
}

// Shortest returns the shortest input of the archive, ties are broken by the lower id.
func (ar *Archive) Shortest(filter func(id int) bool) (Input, bool) {
	var best Input
	found := false
	for _, inp := range ar.Inputs {
		if filter != nil && !filter(inp.ID) {
			continue
		}
		if !found || inp.Input.Len() < best.Input.Len() {
			best, found = inp, true
		}
	}
	return best, found
}

// Elapsed returns how long after the session start the input was found.
func (ar *Archive) Elapsed(inp Input) time.Duration {
	if ar.Session == nil || inp.Found.Before(ar.Session.Started) {
		return 0
	}
	return inp.Found.Sub(ar.Session.Started)
}
