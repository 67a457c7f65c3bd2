package cmdsplit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSimpleAndQuoted(t *testing.T) {
	argv, c := Split("a b 'c d' e")
	assert.Equal(t, []string{"a", "b", "c d", "e"}, argv)
	assert.Equal(t, Complication(0), c)
}

func TestSplitPipeIsAComplicationAndALiteralToken(t *testing.T) {
	argv, c := Split("foo | bar")
	assert.Equal(t, []string{"foo", "|", "bar"}, argv)
	assert.Equal(t, Redir, c)
}

func TestSplitUnterminatedSingleQuote(t *testing.T) {
	argv, c := Split("echo 'unterminated")
	assert.Equal(t, []string{"echo", "unterminated"}, argv)
	assert.Equal(t, UnbalancedSingleQuote, c)
}

func TestSplitWildcard(t *testing.T) {
	argv, c := Split("rm -rf *")
	assert.Equal(t, []string{"rm", "-rf", "*"}, argv)
	assert.Equal(t, Wildcard, c)
}

func TestSplitDoubleQuotesPreserveSpaces(t *testing.T) {
	argv, c := Split(`echo "hello world"`)
	assert.Equal(t, []string{"echo", "hello world"}, argv)
	assert.Equal(t, Complication(0), c)
}

func TestSplitUnterminatedDoubleQuote(t *testing.T) {
	argv, c := Split(`echo "oops`)
	assert.Equal(t, []string{"echo", "oops"}, argv)
	assert.Equal(t, UnbalancedDoubleQuote, c)
}

func TestSplitBackslashEscape(t *testing.T) {
	argv, c := Split(`echo a\ b`)
	assert.Equal(t, []string{"echo", "a b"}, argv)
	assert.Equal(t, Complication(0), c)
}

func TestSplitJobControlSemicolon(t *testing.T) {
	argv, c := Split("echo hi; echo bye")
	assert.Equal(t, []string{"echo", "hi", "echo", "bye"}, argv)
	assert.Equal(t, JobControl, c)
}

func TestSplitBacktickAndParenAndMultipleComplications(t *testing.T) {
	argv, c := Split("echo `date` (subshell) *")
	assert.Contains(t, argv, "echo")
	assert.True(t, c&Subcommand != 0)
	assert.True(t, c&Paren != 0)
	assert.True(t, c&Wildcard != 0)
}

func TestSplitEmptyString(t *testing.T) {
	argv, c := Split("")
	assert.Empty(t, argv)
	assert.Equal(t, Complication(0), c)
}
