package store

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// SQL stores keep each entity as a JSON document next to the columns they
// are queried by. Ledger amounts and balances also get numeric columns.

// pgxRows is the subset of pgx.Rows and *sql.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func encodeDoc(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(data), nil
}

func decodeDoc(raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// scanDocs reads single-column rows of JSON documents.
func scanDocs[T any](rows pgxRows) ([]T, error) {
	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := decodeDoc(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
