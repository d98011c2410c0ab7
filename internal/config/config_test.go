package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/revision"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, DefaultDatabase, c.Database)
	assert.Equal(t, "docsync", c.Name)
	assert.Equal(t, revision.PolicyManual, c.ConflictPolicy)
	assert.Equal(t, int64(DefaultRetentionCap), c.RetentionCap)
	assert.Equal(t, DefaultReconnectMaxDelay, c.ReconnectMaxDelay)
	require.NoError(t, c.Validate())
}

func TestParse_Full(t *testing.T) {
	c, err := Parse(strings.NewReader(`
database: /var/lib/app/contacts.db
name: contacts
remoteEndpoint: wss://sync.example.com/contacts
conflictPolicy: last-writer-wins
retentionCap: 500
reconnectInitialDelay: 250ms
reconnectMaxDelay: 1m
transientCeiling: 3
observerQueueSize: 64
pushBatchSize: 20
logLevel: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/app/contacts.db", c.Database)
	assert.Equal(t, "contacts", c.Name)
	assert.Equal(t, "wss://sync.example.com/contacts", c.RemoteEndpoint)
	assert.Equal(t, revision.PolicyLastWriterWins, c.ConflictPolicy)
	assert.Equal(t, int64(500), c.RetentionCap)
	assert.Equal(t, 250*time.Millisecond, c.ReconnectInitialDelay)
	assert.Equal(t, time.Minute, c.ReconnectMaxDelay)
	assert.Equal(t, 3, c.TransientCeiling)
	assert.Equal(t, 64, c.ObserverQueueSize)
	assert.Equal(t, 20, c.PushBatchSize)
	assert.Equal(t, slog.LevelDebug, c.Level())
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse_NameFromDatabase(t *testing.T) {
	c, err := Parse(strings.NewReader("database: data/notes.sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, "notes", c.Name)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "remote: ws://x\n"},
		{"bad policy", "conflictPolicy: merge\n"},
		{"bad endpoint scheme", "remoteEndpoint: http://x\n"},
		{"negative cap", "retentionCap: -1\n"},
		{"bad log level", "logLevel: loud\n"},
		{"negative delay", "reconnectMaxDelay: -1s\n"},
		{"initial above max", "reconnectInitialDelay: 1m\nreconnectMaxDelay: 1s\n"},
		{"bad duration", "reconnectMaxDelay: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: x.db\npushBatchSize: 7\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "x.db", c.Database)
	assert.Equal(t, 7, c.PushBatchSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLevel_FallsBackToInfo(t *testing.T) {
	c := Config{LogLevel: "nonsense"}
	assert.Equal(t, slog.LevelInfo, c.Level())
}
