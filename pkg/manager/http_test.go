// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package manager

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Ollrogge/hoedur/pkg/fwconfig"
	"github.com/Ollrogge/hoedur/pkg/hash"
	"github.com/Ollrogge/hoedur/pkg/input"
	"github.com/Ollrogge/hoedur/pkg/triage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHTTPServer(t *testing.T) {
	crashes := &triage.CrashStore{BaseDir: t.TempDir()}
	sig := hash.Hash([]byte("null deref"))
	repro := input.MustNew(input.Stream{
		Channel: input.MMIO(0x40001000),
		Events:  []input.Event{{Value: 1, Size: 4}},
	})
	_, err := crashes.SaveCrash(&triage.Crash{
		Signature: sig,
		Title:     "null pointer dereference",
		Report:    []byte("report body"),
		Input:     repro,
	})
	require.NoError(t, err)
	serv := &HTTPServer{
		Cfg:        &fwconfig.Config{Name: "test-session"},
		StartTime:  time.Now(),
		CrashStore: crashes,
	}
	srv := httptest.NewServer(serv.Handler())
	defer srv.Close()

	code, body := get(t, srv, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test-session")
	assert.Contains(t, body, "null pointer dereference")

	code, body = get(t, srv, "/crashes")
	assert.Equal(t, http.StatusOK, code)
	var bugs []*triage.BugInfo
	require.NoError(t, json.Unmarshal([]byte(body), &bugs))
	require.Len(t, bugs, 1)
	assert.Equal(t, sig.String(), bugs[0].ID)
	assert.Equal(t, 1, bugs[0].ReproLen)

	code, body = get(t, srv, "/crash?id="+sig.String())
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "report body")

	code, _ = get(t, srv, "/crash?id=../etc")
	assert.Equal(t, http.StatusBadRequest, code)

	// Nothing is fuzzing yet.
	code, _ = get(t, srv, "/corpus")
	assert.Equal(t, http.StatusInternalServerError, code)
	code, _ = get(t, srv, "/workers")
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _ = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv, "/no-such-page")
	assert.Equal(t, http.StatusNotFound, code)
}
