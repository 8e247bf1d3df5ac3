package storage

import (
	"fmt"
	"strings"
)

// Translate converts neutral SQL to the dialect's native form.
//
// Neutral SQL uses [ident] for quoted identifiers and ? for parameters.
// ?? is an escaped literal question mark. Identifiers may not contain the
// quote characters of any backend; the translator rejects ] inside a
// bracket pair rather than guessing.
func Translate(d Dialect, neutral string) (string, error) {
	var b strings.Builder
	b.Grow(len(neutral) + 16)

	param := 0
	for i := 0; i < len(neutral); i++ {
		switch neutral[i] {
		case '[':
			end := strings.IndexByte(neutral[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("storage: unterminated [identifier] in %q", neutral)
			}
			ident := neutral[i+1 : i+1+end]
			if ident == "" {
				return "", fmt.Errorf("storage: empty [identifier] in %q", neutral)
			}
			b.WriteString(d.Quote(ident))
			i += end + 1
		case '?':
			if i+1 < len(neutral) && neutral[i+1] == '?' {
				b.WriteByte('?')
				i++
				continue
			}
			param++
			b.WriteString(d.Placeholder(param))
		case '\'':
			// String literals pass through untouched, including any ?
			// or [ inside them.
			end := i + 1
			for end < len(neutral) {
				if neutral[end] == '\'' {
					if end+1 < len(neutral) && neutral[end+1] == '\'' {
						end += 2
						continue
					}
					break
				}
				end++
			}
			if end >= len(neutral) {
				return "", fmt.Errorf("storage: unterminated string literal in %q", neutral)
			}
			b.WriteString(neutral[i : end+1])
			i = end
		default:
			b.WriteByte(neutral[i])
		}
	}
	return b.String(), nil
}

// Placeholders renders n comma-separated neutral placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// QuoteAll renders a comma-separated neutral identifier list.
func QuoteAll(idents []string) string {
	parts := make([]string, len(idents))
	for i, id := range idents {
		parts[i] = "[" + id + "]"
	}
	return strings.Join(parts, ", ")
}
