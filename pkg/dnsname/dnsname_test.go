package dnsname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBasic(t *testing.T) {
	assert.Equal(t, "my-app", Normalize("My App"))
	assert.Equal(t, "my-app", Normalize("my_app!!"))
	assert.Equal(t, "a-b-c", Normalize("a...b...c"))
	assert.Equal(t, "abc", Normalize("--abc--"))
}

func TestNormalizeEmptyFallsBackToFixedLabel(t *testing.T) {
	assert.Equal(t, fallback, Normalize(""))
	assert.Equal(t, fallback, Normalize("***"))
	assert.Equal(t, fallback, Normalize("___"))
}

func TestNormalizeTruncatesTo63Bytes(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := Normalize(long)
	assert.LessOrEqual(t, len(got), maxLabelLen)
	assert.Equal(t, strings.Repeat("a", maxLabelLen), got)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"My App!!", "___", strings.Repeat("x-", 40), "already-normal"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "input: %q", in)
	}
}
