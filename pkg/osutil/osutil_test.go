// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteFileAtomically(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	assert.NoError(t, WriteFileAtomically(file, []byte("first")))
	assert.NoError(t, WriteFileAtomically(file, []byte("second")))
	data, err := os.ReadFile(file)
	assert.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.False(t, IsExist(file+".tmp"))
}

func TestListDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c", "a", "b"} {
		assert.NoError(t, WriteFile(filepath.Join(dir, name), nil))
	}
	names, err := ListDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	assert.NoError(t, ResetDir(dir))
	names, err = ListDir(dir)
	assert.NoError(t, err)
	assert.Empty(t, names)
}

func TestIsAccessible(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, IsAccessible(filepath.Join(dir, "missing")))
	file := filepath.Join(dir, "present")
	assert.NoError(t, WriteFile(file, []byte("x")))
	assert.NoError(t, IsAccessible(file))
}
