// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash provides content signatures used to identify inputs and crashes.
package hash

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

type Sig [sha1.Size]byte

func Hash(pieces ...[]byte) Sig {
	h := sha1.New()
	for _, data := range pieces {
		h.Write(data)
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

// Uint64s hashes a sequence of integers (e.g. a call stack).
func Uint64s(vals ...uint64) Sig {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return Hash(buf)
}

func (sig Sig) String() string {
	return hex.EncodeToString(sig[:])
}

// Short returns the first 8 hex digits, enough to tell crashes apart in logs.
func (sig Sig) Short() string {
	return sig.String()[:8]
}

func (sig Sig) Less(other Sig) bool {
	return bytes.Compare(sig[:], other[:]) < 0
}

func (sig Sig) IsZero() bool {
	return sig == Sig{}
}

func FromString(str string) (Sig, error) {
	bin, err := hex.DecodeString(str)
	if err != nil {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': %w", str, err)
	}
	if len(bin) != len(Sig{}) {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': bad len", str)
	}
	var sig Sig
	copy(sig[:], bin)
	return sig, nil
}

func (sig Sig) MarshalText() ([]byte, error) {
	return []byte(sig.String()), nil
}

func (sig *Sig) UnmarshalText(data []byte) error {
	parsed, err := FromString(string(data))
	if err != nil {
		return err
	}
	*sig = parsed
	return nil
}
