package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Repo stores versioned JSON records in the SQLite state table.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

// StateRecord describes one stored key.
type StateRecord struct {
	Key       string `json:"key"`
	Version   int    `json:"version"`
	Bytes     int    `json:"bytes"`
	UpdatedAt string `json:"updated_at"`
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Load decodes the record stored under key into dst.
func (r Repo) Load(ctx context.Context, key string, dst any) (int, bool, error) {
	var version int
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT version,payload_json FROM state WHERE key=?`, key).Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return version, true, nil
}

// Save replaces the record stored under key.
func (r Repo) Save(ctx context.Context, key string, version int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO state(key,version,payload_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET version=excluded.version,payload_json=excluded.payload_json,updated_at=excluded.updated_at`,
		key, version, string(data), r.now().UTC().Format(time.RFC3339))
	return err
}

// Delete removes key; a missing key is reported as ErrNotFound.
func (r Repo) Delete(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM state WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// States lists stored keys with their version tags.
func (r Repo) States(ctx context.Context) ([]StateRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,version,length(payload_json),updated_at FROM state ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StateRecord
	for rows.Next() {
		var rec StateRecord
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.Bytes, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
