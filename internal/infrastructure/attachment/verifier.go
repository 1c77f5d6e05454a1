// Package attachment checks and uploads files bound to records.
package attachment

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissing     = errors.New("attachment file missing")
	ErrEmpty       = errors.New("attachment file empty")
	ErrTooLarge    = errors.New("attachment file too large")
	ErrUnsupported = errors.New("attachment content type not supported")
)

const DefaultMaxSize = 25 << 20

var defaultAllowed = []string{"image/", "video/", "application/pdf"}

// Verifier rejects attachments that were removed, truncated or replaced by
// something that is not a photo, video or document.
type Verifier struct {
	MaxSize int64
	// Allowed lists accepted content type prefixes.
	Allowed []string
}

func NewVerifier() *Verifier {
	return &Verifier{MaxSize: DefaultMaxSize, Allowed: defaultAllowed}
}

func (v *Verifier) Verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrMissing, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	if v.MaxSize > 0 && info.Size() > v.MaxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}

	ct, err := DetectContentType(path)
	if err != nil {
		return err
	}
	for _, prefix := range v.Allowed {
		if strings.HasPrefix(ct, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", ErrUnsupported, path, ct)
}

// DetectContentType sniffs the MIME type from the first bytes of the file.
func DetectContentType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return http.DetectContentType(head[:n]), nil
}
