package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/roach88/docsync/internal/doc"
)

// domainCheckpoint separates checkpoint checksums from other hashes.
const domainCheckpoint = "docsync/checkpoint/v1"

// checkpointChecksum is BLAKE3 over every persisted checkpoint column,
// null separated, under domainCheckpoint.
func checkpointChecksum(cp doc.Checkpoint) string {
	h := blake3.New()
	h.Write([]byte(domainCheckpoint))
	h.Write([]byte{0x00})
	h.Write([]byte(cp.Endpoint))
	h.Write([]byte{0x00})
	h.Write([]byte(strconv.FormatInt(cp.LastPushedSeq, 10)))
	h.Write([]byte{0x00})
	h.Write([]byte(cp.LastPulledToken))
	return hex.EncodeToString(h.Sum(nil))
}

// LoadCheckpoint returns the checkpoint for endpoint. An endpoint that never
// synced gets a zero checkpoint. A row that fails validation yields a
// CORRUPT_CHECKPOINT error.
func (s *Store) LoadCheckpoint(ctx context.Context, endpoint string) (doc.Checkpoint, error) {
	return loadCheckpoint(ctx, s.db, endpoint)
}

func loadCheckpoint(ctx context.Context, q querier, endpoint string) (doc.Checkpoint, error) {
	cp := doc.Checkpoint{Endpoint: endpoint}
	var checksum string
	err := q.QueryRowContext(ctx, `
		SELECT last_pushed_seq, last_pulled_token, checksum
		FROM checkpoints WHERE endpoint = ?
	`, endpoint).Scan(&cp.LastPushedSeq, &cp.LastPulledToken, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return doc.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.LastPushedSeq < 0 {
		return doc.Checkpoint{}, doc.CorruptCheckpoint(endpoint, fmt.Errorf("negative pushed seq %d", cp.LastPushedSeq))
	}
	if checksum != checkpointChecksum(cp) {
		return doc.Checkpoint{}, doc.CorruptCheckpoint(endpoint, errors.New("checksum mismatch"))
	}
	return cp, nil
}

// Checkpoints returns every stored checkpoint that passes validation.
func (s *Store) Checkpoints(ctx context.Context) ([]doc.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT endpoint FROM checkpoints ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	var endpoints []string
	for rows.Next() {
		var ep string
		if err := rows.Scan(&ep); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	var out []doc.Checkpoint
	for _, ep := range endpoints {
		cp, err := s.LoadCheckpoint(ctx, ep)
		if doc.IsCorruptCheckpoint(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// SavePushed records that every local change through seq was acknowledged
// by endpoint.
func (s *Store) SavePushed(ctx context.Context, endpoint string, seq int64) error {
	return s.updateCheckpoint(ctx, endpoint, func(cp *doc.Checkpoint) { cp.LastPushedSeq = seq })
}

// SavePulled records the remote token through which changes were committed.
func (s *Store) SavePulled(ctx context.Context, endpoint, token string) error {
	return s.updateCheckpoint(ctx, endpoint, func(cp *doc.Checkpoint) { cp.LastPulledToken = token })
}

// ResetCheckpoint forgets all progress for endpoint.
func (s *Store) ResetCheckpoint(ctx context.Context, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

// updateCheckpoint reads, modifies and rewrites one checkpoint row in a
// single transaction, so a cancelled caller never leaves a half-written row.
func (s *Store) updateCheckpoint(ctx context.Context, endpoint string, mutate func(*doc.Checkpoint)) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cp, err := loadCheckpoint(ctx, tx, endpoint)
		if err != nil {
			return err
		}
		mutate(&cp)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (endpoint, last_pushed_seq, last_pulled_token, checksum)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(endpoint) DO UPDATE SET
				last_pushed_seq = excluded.last_pushed_seq,
				last_pulled_token = excluded.last_pulled_token,
				checksum = excluded.checksum
		`, cp.Endpoint, cp.LastPushedSeq, cp.LastPulledToken, checkpointChecksum(cp))
		if err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", endpoint, err)
	}
	return nil
}
