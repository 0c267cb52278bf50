// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// collectl2stats converts raw collectl output into the serverstats capture
// format, so historical collectl archives can be fed through playback and
// analyze.
package main

import (
	"fmt"
	"os"

	"github.com/loberman/serverstats/pkg/performance/capture"
)

const version = "1.0.0"

func main() {
	fmt.Printf("collectl2stats Version %s\n", version)

	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <collectl-xxx.raw> <output.dat>\n", os.Args[0])
		os.Exit(1)
	}

	if err := run(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(rawPath, outPath string) error {
	in, err := os.Open(rawPath)
	if err != nil {
		return err
	}
	defer in.Close()

	// Always start a fresh capture file; converted archives are immutable
	// inputs, not append targets.
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}

	w, err := capture.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}

	stats, err := capture.ConvertCollectl(in, w, func(lines int) {
		fmt.Printf("\rProcessed %d lines...", lines)
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("\rProcessed %d input lines (%d epochs). Done!\n", stats.Lines, stats.Epochs)
	return nil
}
