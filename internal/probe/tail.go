package probe

import (
	"bytes"
	"os"
	"strings"
)

// tailChunkSize is how much of the file each backward read covers.
const tailChunkSize = 16 * 1024

// ReadLogTail returns up to n trailing lines of the file at path. The file
// is read backward in chunks so large logs are never loaded whole.
func ReadLogTail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		chunk := int64(tailChunkSize)
		if chunk > offset {
			chunk = offset
		}
		offset -= chunk

		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil {
			return nil, err
		}
		buf = append(part, buf...)
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
