package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Change types
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Change is one journaled write.
type Change struct {
	Seq             int64
	Table           string
	Type            string
	Record          map[string]any
	OldRecord       map[string]any
	CommitTimestamp time.Time
}

func journal(ctx context.Context, tx *sql.Tx, c *Change) error {
	record, err := nullableJSON(c.Record)
	if err != nil {
		return err
	}
	old, err := nullableJSON(c.OldRecord)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO changes (tbl, type, record, old_record, commit_timestamp)
		VALUES (?, ?, ?, ?, ?)`, c.Table, c.Type, record, old, c.CommitTimestamp.Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("journal change: %w", err)
	}
	c.Seq, err = res.LastInsertId()
	return err
}

// ChangesSince returns up to limit journaled changes with seq > after.
func (db *DB) ChangesSince(ctx context.Context, after int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT seq, tbl, type, record, old_record, commit_timestamp
		FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			c           Change
			record, old sql.NullString
			ts          string
		)
		if err := rows.Scan(&c.Seq, &c.Table, &c.Type, &record, &old, &ts); err != nil {
			return nil, err
		}
		if record.Valid {
			if err := json.Unmarshal([]byte(record.String), &c.Record); err != nil {
				return nil, fmt.Errorf("decode change %d: %w", c.Seq, err)
			}
		}
		if old.Valid {
			if err := json.Unmarshal([]byte(old.String), &c.OldRecord); err != nil {
				return nil, fmt.Errorf("decode change %d: %w", c.Seq, err)
			}
		}
		c.CommitTimestamp, _ = time.Parse(TimeFormat, ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneChanges deletes journal entries committed before cutoff.
func (db *DB) PruneChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM changes WHERE commit_timestamp < ?`, cutoff.UTC().Format(TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	return res.RowsAffected()
}

func nullableJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode change: %w", err)
	}
	return string(b), nil
}
