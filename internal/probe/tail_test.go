package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadLogTailLastN(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	path := writeTemp(t, b.String())

	lines, err := ReadLogTail(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 8", "line 9", "line 10"}, lines)
}

func TestReadLogTailShortFile(t *testing.T) {
	path := writeTemp(t, "only\ntwo\n")

	lines, err := ReadLogTail(path, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"only", "two"}, lines)
}

func TestReadLogTailNoTrailingNewline(t *testing.T) {
	path := writeTemp(t, "first\nsecond\nunfinished")

	lines, err := ReadLogTail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "unfinished"}, lines)
}

func TestReadLogTailEmptyFile(t *testing.T) {
	path := writeTemp(t, "")

	lines, err := ReadLogTail(path, 10)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestReadLogTailMissingFile(t *testing.T) {
	_, err := ReadLogTail(filepath.Join(t.TempDir(), "nope.log"), 10)
	assert.Error(t, err)
}

func TestReadLogTailZeroLines(t *testing.T) {
	path := writeTemp(t, "something\n")

	lines, err := ReadLogTail(path, 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestReadLogTailCrossesChunks(t *testing.T) {
	// Build a file larger than one read chunk so the backward loop has to
	// stitch chunks together
	var b strings.Builder
	total := 3000
	for i := 1; i <= total; i++ {
		fmt.Fprintf(&b, "entry number %06d\n", i)
	}
	require.Greater(t, b.Len(), tailChunkSize)
	path := writeTemp(t, b.String())

	lines, err := ReadLogTail(path, 5)
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, "entry number 002996", lines[0])
	assert.Equal(t, "entry number 003000", lines[4])
}
