package store

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/roach88/docsync/internal/doc"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	const ep = "ws://gateway/db"

	cp, err := s.LoadCheckpoint(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, doc.Checkpoint{Endpoint: ep}, cp)

	require.NoError(t, s.SavePushed(ctx, ep, 7))
	require.NoError(t, s.SavePulled(ctx, ep, "42"))

	cp, err = s.LoadCheckpoint(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cp.LastPushedSeq)
	assert.Equal(t, "42", cp.LastPulledToken)

	// Saving one column keeps the other.
	require.NoError(t, s.SavePushed(ctx, ep, 9))
	cp, err = s.LoadCheckpoint(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, "42", cp.LastPulledToken)

	all, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []doc.Checkpoint{cp}, all)

	require.NoError(t, s.ResetCheckpoint(ctx, ep))
	cp, err = s.LoadCheckpoint(ctx, ep)
	require.NoError(t, err)
	assert.Zero(t, cp.LastPushedSeq)
}

func TestCheckpoint_DetectsCorruption(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	const ep = "ws://gateway/db"

	require.NoError(t, s.SavePushed(ctx, ep, 3))
	_, err := s.db.Exec(`UPDATE checkpoints SET last_pushed_seq = 99 WHERE endpoint = ?`, ep)
	require.NoError(t, err)

	_, err = s.LoadCheckpoint(ctx, ep)
	assert.True(t, doc.IsCorruptCheckpoint(err))

	// Corrupt rows are not listed and block further saves until reset.
	all, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.True(t, doc.IsCorruptCheckpoint(s.SavePushed(ctx, ep, 4)))

	require.NoError(t, s.ResetCheckpoint(ctx, ep))
	require.NoError(t, s.SavePushed(ctx, ep, 4))
}

func TestCheckpoint_IsolatedPerEndpoint(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePushed(ctx, "a", 1))
	require.NoError(t, s.SavePushed(ctx, "b", 2))

	a, err := s.LoadCheckpoint(ctx, "a")
	require.NoError(t, err)
	b, err := s.LoadCheckpoint(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.LastPushedSeq)
	assert.Equal(t, int64(2), b.LastPushedSeq)
}

func TestCheckpoint_StoredChecksum(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	const ep = "ws://gateway/db"

	require.NoError(t, s.SavePushed(ctx, ep, 12))
	require.NoError(t, s.SavePulled(ctx, ep, "34"))

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT checksum FROM checkpoints WHERE endpoint = ?`, ep).Scan(&stored))

	sum := blake3.Sum256([]byte("docsync/checkpoint/v1\x00" + ep + "\x0012\x0034"))
	assert.Equal(t, hex.EncodeToString(sum[:]), stored)

	// Moving a value across the separator changes the checksum.
	assert.NotEqual(t,
		checkpointChecksum(doc.Checkpoint{Endpoint: ep, LastPushedSeq: 1, LastPulledToken: "23"}),
		checkpointChecksum(doc.Checkpoint{Endpoint: ep, LastPushedSeq: 12, LastPulledToken: "3"}),
	)
}
