package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/crypto"
)

// advisoryLockKey serialises concurrent Append calls across instances.
// The value is arbitrary but must be consistent everywhere.
const advisoryLockKey = int64(2_236_914_007)

// PostgresLedger persists the provenance chain in PostgreSQL.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	signer *crypto.Signer
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger on the pool. The genesis
// row is inserted by the schema migration.
func NewPostgresLedger(pool *pgxpool.Pool, signer *crypto.Signer, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, signer: signer, logger: logger}
}

// Append acquires an advisory lock, reads the chain tail, computes the
// new entry hash, and inserts it, all in one transaction.
func (l *PostgresLedger) Append(ctx context.Context, subjectID, kind, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM provenance_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC(),
		SubjectID: subjectID,
		Kind:      kind,
		Actor:     actor,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)
	entry.Signature = sign(l.signer, entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO provenance_ledger (idx, ts, subject_id, kind, actor, data_hash, prev_hash, hash, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Index, entry.Timestamp, entry.SubjectID, entry.Kind,
		entry.Actor, entry.DataHash, entry.PrevHash, entry.Hash, entry.Signature,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("provenance entry appended",
		zap.Int("idx", entry.Index),
		zap.String("kind", entry.Kind),
		zap.String("subject_id", entry.SubjectID),
	)
	return entry, nil
}

func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	err := l.pool.QueryRow(ctx,
		`SELECT idx, ts, subject_id, kind, actor, data_hash, prev_hash, hash, signature
		 FROM provenance_ledger WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.SubjectID, &entry.Kind,
		&entry.Actor, &entry.DataHash, &entry.PrevHash, &entry.Hash, &entry.Signature,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	return entry, nil
}

func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM provenance_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify streams all rows ordered by idx and validates the chain.
// O(n) in ledger length.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, ts, subject_id, kind, actor, data_hash, prev_hash, hash, signature
		 FROM provenance_ledger ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &curr.SubjectID, &curr.Kind,
			&curr.Actor, &curr.DataHash, &curr.PrevHash, &curr.Hash, &curr.Signature,
		); err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if err := verifyEntry(l.signer, prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM provenance_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}
