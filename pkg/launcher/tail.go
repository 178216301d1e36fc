package launcher

import (
	"os"
	"strings"
)

// tailReadCap bounds how much of the log is read per tail refresh. Jobs can
// write gigabytes; the tail only ever needs the end.
const tailReadCap = 256 * 1024

// TailFile returns up to n trailing lines of the file at path. A missing file
// yields no lines and no error; the watcher polls before the process has
// written anything.
func TailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
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

	readFrom := int64(0)
	if size > tailReadCap {
		readFrom = size - tailReadCap
	}
	buf := make([]byte, size-readFrom)
	if _, err := f.ReadAt(buf, readFrom); err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if readFrom > 0 && len(lines) > 0 {
		// The first line is almost certainly truncated by the read cap.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
