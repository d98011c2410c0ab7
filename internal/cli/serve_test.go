package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/docstore"
	"github.com/roach88/docsync/internal/revision"
)

func openHub(t *testing.T) *docstore.DB {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "hub.db")
	cfg.Name = ""
	cfg.ApplyDefaults()

	db, err := docstore.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestServeMux_Metrics(t *testing.T) {
	db := openHub(t)
	mux, err := newServeMux(db, "/sync", "/metrics")
	require.NoError(t, err)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "docsync_bus_")
	assert.Contains(t, string(body), `database="hub"`)
}

func TestServeMux_MetricsDisabled(t *testing.T) {
	db := openHub(t)
	mux, err := newServeMux(db, "/sync", "")
	require.NoError(t, err)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeMux_SyncRejectsPlainHTTP(t *testing.T) {
	db := openHub(t)
	mux, err := newServeMux(db, "/sync", "/metrics")
	require.NoError(t, err)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sync")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWatch_PrintsPulledChanges(t *testing.T) {
	hub := openHub(t)
	mux, err := newServeMux(hub, "/sync", "")
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, _, err = hub.Save(context.Background(), doc.Fields{"title": "from hub"}, "note", revision.Revision{})
	require.NoError(t, err)

	remote := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"--db", filepath.Join(t.TempDir(), "replica.db"),
		"--format", "json",
		"watch", "--remote", remote, "--count", "1",
	})
	require.NoError(t, cmd.ExecuteContext(ctx))
	require.NoError(t, ctx.Err(), "watch should exit after one event")

	var line EventLine
	require.NoError(t, json.Unmarshal(out.Bytes(), &line), "output: %s", out.String())
	assert.Equal(t, "note", line.ID)
	assert.Equal(t, "create", line.Op)
	assert.Equal(t, "remote", line.Origin)
	assert.Equal(t, int64(1), line.Seq)
}
