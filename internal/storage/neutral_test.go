package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialect struct {
	quoteL, quoteR string
	numbered       bool
}

func (d fakeDialect) Name() string              { return "fake" }
func (d fakeDialect) Quote(ident string) string { return d.quoteL + ident + d.quoteR }
func (d fakeDialect) Placeholder(i int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
func (fakeDialect) BeginSQL() string                     { return "BEGIN" }
func (fakeDialect) TextType() string                     { return "TEXT" }
func (fakeDialect) KeyTextType() string                  { return "TEXT" }
func (fakeDialect) UpsertSuffix(string, []string) string { return "" }
func (fakeDialect) IsLockError(error) bool               { return false }
func (fakeDialect) IsDuplicateError(error) bool          { return false }
func (fakeDialect) ListTables(context.Context, Queryer) ([]string, error) {
	return nil, nil
}
func (fakeDialect) ListColumns(context.Context, Queryer, string) ([]Column, error) {
	return nil, nil
}

func TestTranslateQuoting(t *testing.T) {
	d := fakeDialect{quoteL: "`", quoteR: "`"}
	out, err := Translate(d, "SELECT [id], [name] FROM [users] WHERE [id] = ?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `name` FROM `users` WHERE `id` = ?", out)
}

func TestTranslateNumberedPlaceholders(t *testing.T) {
	d := fakeDialect{quoteL: `"`, quoteR: `"`, numbered: true}
	out, err := Translate(d, "UPDATE [t] SET [a] = ?, [b] = ? WHERE [id] = ?")
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "t" SET "a" = $1, "b" = $2 WHERE "id" = $3`, out)
}

func TestTranslateEscapedQuestionMark(t *testing.T) {
	d := fakeDialect{quoteL: `"`, quoteR: `"`, numbered: true}
	out, err := Translate(d, "SELECT [a] ?? ? FROM [t]")
	require.NoError(t, err)
	assert.Equal(t, `SELECT "a" ? $1 FROM "t"`, out)
}

func TestTranslateStringLiteralUntouched(t *testing.T) {
	d := fakeDialect{quoteL: "`", quoteR: "`", numbered: true}
	out, err := Translate(d, "SELECT [a] FROM [t] WHERE [b] = 'x?[y]' AND [c] = ?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT `a` FROM `t` WHERE `b` = 'x?[y]' AND `c` = $1", out)
}

func TestTranslateErrors(t *testing.T) {
	d := fakeDialect{quoteL: `"`, quoteR: `"`}
	_, err := Translate(d, "SELECT [unterminated FROM t")
	assert.Error(t, err)
	_, err = Translate(d, "SELECT [] FROM t")
	assert.Error(t, err)
	_, err = Translate(d, "SELECT 'unterminated")
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}

func TestQuoteAll(t *testing.T) {
	assert.Equal(t, "[a], [b]", QuoteAll([]string{"a", "b"}))
}
