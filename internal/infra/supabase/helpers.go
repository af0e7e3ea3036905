package supabase

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// ============================================================
// Query and decoding helpers
// ============================================================

// eq renders a PostgREST equality filter with the value escaped.
func eq(column, value string) string {
	return column + "=eq." + url.QueryEscape(value)
}

// ts renders a timestamp for PostgREST filters.
func ts(t time.Time) string {
	return url.QueryEscape(t.UTC().Format(time.RFC3339Nano))
}

// decodeRows decodes a PostgREST array response. A nil body decodes to no rows.
func decodeRows[T any](body []byte, what string) ([]T, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return rows, nil
}

// firstRow decodes a PostgREST array response and returns its first row, or nil.
func firstRow[T any](body []byte, what string) (*T, error) {
	rows, err := decodeRows[T](body, what)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}
