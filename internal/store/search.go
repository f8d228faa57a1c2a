package store

import (
	"context"
	"strings"
)

// SearchMessages finds text messages visible to viewerID whose body contains
// query, newest first. An empty convID searches every conversation viewerID
// belongs to.
func (db *DB) SearchMessages(ctx context.Context, viewerID, convID, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumnsOf("m")+`, m.body
		FROM messages m
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = ?
		WHERE m.body LIKE ? ESCAPE '\' AND m.is_recalled = 0
			AND (? = '' OR m.conversation_id = ?)
			AND NOT EXISTS (SELECT 1 FROM json_each(m.deleted_for) WHERE value = ?)
		ORDER BY m.created_at DESC
		LIMIT ?`, viewerID, pattern, convID, convID, viewerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var body string
		m, err := scanMessage(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &body)...)
		}))
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet(body, query, 32)})
	}
	return results, rows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns the text around the first case-insensitive match with at most
// radius runes on each side.
func snippet(body, query string, radius int) string {
	runes := []rune(body)
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 {
		return string(runes[:min(len(runes), 2*radius)])
	}
	start := len([]rune(body[:idx]))
	from := max(0, start-radius)
	to := min(len(runes), start+len([]rune(query))+radius)
	out := string(runes[from:to])
	if from > 0 {
		out = "…" + out
	}
	if to < len(runes) {
		out += "…"
	}
	return out
}
