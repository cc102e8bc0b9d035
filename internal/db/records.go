package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the fixed-width UTC layout used for stored timestamps, so
// they sort lexically.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

var (
	tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

	nowFunc = time.Now
)

// ValidTable reports whether name can be used as a table name.
func ValidTable(name string) bool {
	return tableName.MatchString(name)
}

// Record is one stored row.
type Record struct {
	Table     string
	ID        string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Insert stores data as a new row of table. A missing id is generated and a
// missing created_at is stamped. The returned change carries the stored row.
func (db *DB) Insert(ctx context.Context, table string, data map[string]any) (*Change, error) {
	if !ValidTable(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ts := nowFunc().UTC()

	row := make(map[string]any, len(data)+2)
	for k, v := range data {
		row[k] = v
	}
	id := idString(row["id"])
	if id == "" {
		id = uuid.NewString()
	}
	row["id"] = id
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = ts.Format(TimeFormat)
	}

	doc, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO records (tbl, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (tbl, id) DO NOTHING`,
		table, id, string(doc), ts.Format(TimeFormat), ts.Format(TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrConflict)
	}

	change := &Change{Table: table, Type: ChangeInsert, Record: row, CommitTimestamp: ts}
	if err := journal(ctx, tx, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return change, nil
}

// Update merges patch into the row. The id cannot be changed.
func (db *DB) Update(ctx context.Context, table, id string, patch map[string]any) (*Change, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	old, err := load(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}

	row := make(map[string]any, len(old)+len(patch))
	for k, v := range old {
		row[k] = v
	}
	for k, v := range patch {
		row[k] = v
	}
	row["id"] = old["id"]

	doc, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	ts := nowFunc().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE records SET data = ?, updated_at = ? WHERE tbl = ? AND id = ?`,
		string(doc), ts.Format(TimeFormat), table, id); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	change := &Change{Table: table, Type: ChangeUpdate, Record: row, OldRecord: old, CommitTimestamp: ts}
	if err := journal(ctx, tx, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return change, nil
}

// Delete removes the row and returns the change carrying its last state.
func (db *DB) Delete(ctx context.Context, table, id string) (*Change, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	old, err := load(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}

	change := &Change{Table: table, Type: ChangeDelete, OldRecord: old, CommitTimestamp: nowFunc().UTC()}
	if err := journal(ctx, tx, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return change, nil
}

// Get returns one row.
func (db *DB) Get(ctx context.Context, table, id string) (*Record, error) {
	row := db.QueryRowContext(ctx, `SELECT data, created_at, updated_at FROM records WHERE tbl = ? AND id = ?`, table, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Table, rec.ID = table, id
	return rec, nil
}

// List returns up to limit rows of table, oldest first. limit <= 0 means all.
func (db *DB) List(ctx context.Context, table string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `SELECT id, data, created_at, updated_at FROM records
		WHERE tbl = ? ORDER BY created_at, rowid LIMIT ?`, table, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id string
		rec, err := scanRecord(func(dest ...any) error {
			return rows.Scan(append([]any{&id}, dest...)...)
		})
		if err != nil {
			return nil, err
		}
		rec.Table, rec.ID = table, id
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func load(ctx context.Context, tx *sql.Tx, table, id string) (map[string]any, error) {
	var doc string
	err := tx.QueryRowContext(ctx, `SELECT data FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(doc), &data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", table, id, err)
	}
	return data, nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var doc, created, updated string
	if err := scan(&doc, &created, &updated); err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(doc), &rec.Data); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(TimeFormat, created)
	rec.UpdatedAt, _ = time.Parse(TimeFormat, updated)
	return rec, nil
}

// idString renders a JSON id value; numbers are accepted.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
