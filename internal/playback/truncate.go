// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package playback

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/loberman/serverstats/pkg/performance/capture"
)

// Truncate copies a capture to a new file keeping only the records whose
// local wall-clock time falls inside the window. Comment lines are copied
// verbatim so provenance survives the cut; record lines are copied
// byte-for-byte, never reformatted. Malformed record lines are dropped.
// Returns how many records were kept out of how many were scanned.
func Truncate(inPath, outPath string, window capture.TimeWindow) (kept, scanned int, err error) {
	in, err := os.Open(inPath)
	if err != nil {
		return 0, 0, fmt.Errorf("opening capture file %s: %w", inPath, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return kept, scanned, err
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		scanned++
		rec, ok := capture.ParseRecord(line)
		if !ok || !window.Contains(rec.Timestamp) {
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return kept, scanned, err
		}
		kept++
	}
	if err := scanner.Err(); err != nil {
		return kept, scanned, fmt.Errorf("reading capture: %w", err)
	}
	return kept, scanned, w.Flush()
}
