package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/casarerpa/orchestrator/internal/apperr"
)

// rowScanner abstracts over *sql.Row and *sql.Rows so scan helpers work with
// both QueryRowContext and QueryContext results.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(op string, v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "marshal json", err)
	}
	return b, nil
}

func unmarshalJSONMap(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func unmarshalJSONSlice(raw []byte, dst *[]string) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(n sql.NullString) string {
	if !n.Valid {
		return ""
	}
	return n.String
}
