package file

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// errNoCompleteLine is returned by fingerprint while the file has no newline yet.
var errNoCompleteLine = errors.New("file has no complete line")

// fingerprint hashes the file from the start up to and including the first
// newline. Together with the byte offset it tells a file that grew apart from
// one that was replaced by a different file of at least the same size.
func fingerprint(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if errors.Is(err, io.EOF) {
		return "", errNoCompleteLine
	}
	if err != nil {
		return "", fmt.Errorf("failed to compute fingerprint: %w", err)
	}
	h := sha256.Sum256(line)
	return hex.EncodeToString(h[:]), nil
}
