// Package parse runs the two-phase import pipeline: a planning pass
// that derives the sized column schema from the file, then an
// execution pass that resolves every row and writes it to the remote
// table store in batches.
package parse

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// bomSkippingReader strips a UTF-8 byte-order mark from the start of
// the stream. Spreadsheet exports on Windows routinely carry one.
type bomSkippingReader struct {
	r       io.Reader
	checked bool
	held    []byte
}

func (b *bomSkippingReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		var buf [3]byte
		n, err := io.ReadFull(b.r, buf[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if n > 0 && !(n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF) {
			b.held = append(b.held, buf[:n]...)
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
	}
	if len(b.held) > 0 {
		n := copy(p, b.held)
		b.held = b.held[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// utf8SanitizingReader replaces invalid UTF-8 bytes with '?' so the
// CSV reader never chokes on mixed-encoding exports. Multi-byte runes
// split across Read calls are held back until complete.
type utf8SanitizingReader struct {
	r       io.Reader
	pending []byte
}

func (s *utf8SanitizingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	off := copy(p, s.pending)
	s.pending = s.pending[:0]
	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func (s *utf8SanitizingReader) sanitize(data []byte, atEOF bool) int {
	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size <= 1 {
			rest := data[read:]
			if !atEOF && len(rest) < utf8.UTFMax && !utf8.FullRune(rest) {
				s.pending = append(s.pending, rest...)
				return write
			}
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

// Open opens an import file for reading: gzip-compressed input is
// detected by the .gz suffix, a UTF-8 BOM is stripped, and invalid
// UTF-8 is sanitized.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	var r io.Reader = f
	closer := f.Close
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip import file: %w", err)
		}
		r = gz
		closer = func() error {
			gz.Close()
			return f.Close()
		}
	}
	return &readCloser{
		Reader: &utf8SanitizingReader{r: &bomSkippingReader{r: r}},
		close:  closer,
	}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error { return rc.close() }
