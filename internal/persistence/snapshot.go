package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/vault"

	"github.com/google/uuid"
)

// snapshotFormat is bumped when SnapshotData changes shape. The vault state
// inside carries its own version and is upgraded by vault.Migrate.
const snapshotFormat = 1

// SnapshotManager saves and loads engine snapshots and reads the command
// log back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64           `json:"sequence"`
	StateHash       []byte          `json:"state_hash"`
	Vault           json.RawMessage `json:"vault"`
	IdempotencyKeys []string        `json:"idempotency_keys"`
	CreatedAt       time.Time       `json:"created_at"`
}

// LoggedCommand is one row of the command log, ready for Engine.Replay.
type LoggedCommand struct {
	Envelope *event.CommandEnvelope
	Tape     *core.Tape
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot turns an engine snapshot into its stored form.
func EncodeSnapshot(s *core.SnapshotState, at time.Time) ([]byte, error) {
	v, err := json.Marshal(s.Vault)
	if err != nil {
		return nil, fmt.Errorf("marshal vault state: %w", err)
	}
	return json.Marshal(SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       s.StateHash[:],
		Vault:           v,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       at,
	})
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Older vault state
// versions are migrated.
func DecodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var d SnapshotData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	vs, err := vault.Migrate(d.Vault)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Vault:           vs,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

// SaveSnapshot persists a snapshot. It is stored unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := EncodeSnapshot(snap, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash[:], snapshotFormat, len(data))
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// MarkVerified marks a snapshot as verified. A snapshot is verified once
// its state hash matches the logged hash at the same sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyAgainstLog checks a snapshot's hash against the command log. A
// snapshot at sequence 0 has nothing to check against.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, snap *core.SnapshotState) error {
	if snap.Sequence == 0 {
		return nil
	}
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.commands WHERE sequence = $1
	`, snap.Sequence).Scan(&logged)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("snapshot %d: sequence not in command log yet", snap.Sequence)
	}
	if err != nil {
		return err
	}
	if string(logged) != string(snap.StateHash[:]) {
		return fmt.Errorf("%w: snapshot %d does not match the command log", core.ErrStateHashMismatch, snap.Sequence)
	}
	return nil
}

// LoadCommandsFrom loads logged commands from a sequence for replay.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]LoggedCommand, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, payload, error, tape,
		       state_hash, prev_hash, timestamp
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedCommand
	for rows.Next() {
		var (
			env                 event.CommandEnvelope
			commandType         string
			cmdErr              sql.NullString
			tape                []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &commandType, &env.IdempotencyKey, &env.Payload, &cmdErr, &tape,
			&stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}

		ct, err := event.ParseCommandType(commandType)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", env.Sequence, err)
		}
		env.CommandType = ct
		env.Error = cmdErr.String
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)

		lc := LoggedCommand{Envelope: &env}
		if len(tape) > 0 {
			lc.Tape = &core.Tape{}
			if err := json.Unmarshal(tape, lc.Tape); err != nil {
				return nil, fmt.Errorf("command %d tape: %w", env.Sequence, err)
			}
		}
		out = append(out, lc)
	}

	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
