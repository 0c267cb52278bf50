// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/loberman/serverstats/pkg/performance"
)

// Reader streams records out of a capture in file order. Comment lines and
// malformed records are skipped silently, matching the capture contract: a
// corrupt line loses that record only, while an I/O failure on the
// underlying file ends the whole read with an error.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	skipped int
}

// Open opens a capture file for reading. A missing or unreadable file is a
// fatal error for the run.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture file %s: %w", path, err)
	}
	r := NewReader(f)
	r.closer = f
	return r, nil
}

// NewReader reads capture lines from an arbitrary stream.
func NewReader(in io.Reader) *Reader {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next well-formed record, or io.EOF when the capture is
// exhausted.
func (r *Reader) Next() (performance.Record, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		rec, ok := ParseRecord(line)
		if !ok {
			if line != "" && line[0] != '#' {
				r.skipped++
			}
			continue
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return performance.Record{}, fmt.Errorf("reading capture: %w", err)
	}
	return performance.Record{}, io.EOF
}

// Skipped reports how many non-comment lines were dropped as malformed.
func (r *Reader) Skipped() int {
	return r.skipped
}

func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ReadAll slurps every record of a capture file in order. Front ends that
// need multiple passes use this; the streaming Reader serves single-pass
// consumers.
func ReadAll(path string) ([]performance.Record, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var records []performance.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
