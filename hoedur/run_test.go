// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/tool"
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

func testConfig(t *testing.T) *fwconfig.Config {
	dir := t.TempDir()
	target := filepath.Join(dir, "fw.s")
	require.NoError(t, os.WriteFile(target, []byte(twoStepFirmware), 0644))
	cfg, err := fwconfig.LoadData([]byte(fmt.Sprintf(`{
		"workdir": %q,
		"target": %q,
		"channels": [{"channel": "mmio:0x%x", "width": 4}],
		"exec_instructions": 1000
	}`, dir, target, regData)))
	require.NoError(t, err)
	return cfg
}

func writeInput(t *testing.T, ch input.ChannelID, vals ...uint64) string {
	s := input.Stream{Channel: ch}
	for _, v := range vals {
		s.Events = append(s.Events, input.Event{Value: v, Size: 4})
	}
	file := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(file, input.MustNew(s).Serialize(), 0644))
	return file
}

func TestRunInput(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	tests := []struct {
		name string
		file string
		code int
	}{
		{"normal", writeInput(t, input.MMIO(regData), 1, 3), tool.ExitOK},
		{"crash", writeInput(t, input.MMIO(regData), 1, 2), tool.ExitCrash},
		// Inputs for other channel layouts are rejected without execution.
		{"foreign", writeInput(t, input.MMIO(0x50000000), 1, 2), tool.ExitConfig},
		{"missing", filepath.Join(t.TempDir(), "missing.bin"), tool.ExitConfig},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.code, runInput(ctx, cfg, &options{}, []string{test.file}))
		})
	}
}
