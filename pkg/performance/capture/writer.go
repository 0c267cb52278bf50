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

// Writer appends records to a capture stream. Writes are buffered; Flush
// after each sampling interval so a killed gatherer loses at most the
// interval in progress.
type Writer struct {
	w      *bufio.Writer
	closer io.Closer
}

// OpenFile opens path for appending, creating it if needed. The header line
// is written only when the file is empty so that restarting a gatherer keeps
// extending the same capture.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening capture file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat capture file %s: %w", path, err)
	}

	w := &Writer{
		w:      bufio.NewWriter(f),
		closer: f,
	}
	if info.Size() == 0 {
		if _, err := w.w.WriteString(HeaderLine + "\n"); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// NewWriter wraps an arbitrary stream, writing the header line first.
func NewWriter(out io.Writer) (*Writer, error) {
	w := &Writer{w: bufio.NewWriter(out)}
	if _, err := w.w.WriteString(HeaderLine + "\n"); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteRecord appends one record line.
func (w *Writer) WriteRecord(rec performance.Record) error {
	line, err := FormatRecord(rec)
	if err != nil {
		return err
	}
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Comment appends a '#' comment line; readers skip it. Used for capture
// provenance.
func (w *Writer) Comment(text string) error {
	_, err := fmt.Fprintf(w.w, "#%s\n", text)
	return err
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes and releases the underlying file, if any.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		if w.closer != nil {
			w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
