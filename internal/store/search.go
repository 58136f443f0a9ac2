package store

import (
	"context"
	"strings"
	"unicode"
)

const snippetRadius = 16

// SearchMessages returns messages whose text contains query, newest first.
// An empty conversationID searches every conversation.
func (db *DB) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE text LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Text, query)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match of query in text with << >> and trims the
// text around it.
func snippet(text, query string) string {
	src := []rune(text)
	hay := foldRunes(src)
	needle := foldRunes([]rune(query))

	at := indexRunes(hay, needle)
	if at < 0 {
		return text
	}
	end := at + len(needle)
	from := max(0, at-snippetRadius)
	to := min(len(src), end+snippetRadius)

	var b strings.Builder
	if from > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(src[from:at]))
	b.WriteString("<<")
	b.WriteString(string(src[at:end]))
	b.WriteString(">>")
	b.WriteString(string(src[end:to]))
	if to < len(src) {
		b.WriteString("...")
	}
	return b.String()
}

func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(hay, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j := range needle {
			if hay[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
