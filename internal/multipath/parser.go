// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package multipath parses `multipath -ll` topology dumps and reports
// whole-capture traffic per multipath device, split across its paths.
package multipath

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// pathDeviceRe matches the SCSI and NVMe device-name field of a tree path
// line. Anchored so vendor strings and wwids never false-positive.
var pathDeviceRe = regexp.MustCompile(`^(sd[a-zA-Z0-9]+|nvme\d+n\d+)$`)

// Path is one physical path of a multipath map.
type Path struct {
	Bus        string // H:C:T:L address, e.g. 3:0:0:1
	Device     string // kernel name, e.g. sdc
	MajorMinor string // e.g. 8:32
	Status     string // e.g. "active ready running"
}

// Group is one multipath map and its ordered paths.
type Group struct {
	Name        string // map name, mpathb or the wwid when friendly names are off
	WWID        string
	DMName      string // dm-3
	VendorModel string
	Size        string // the size= attribute line, verbatim
	Paths       []Path
}

// ParseTopologyFile parses a saved `multipath -ll` dump.
func ParseTopologyFile(path string) ([]Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening multipath topology %s: %w", path, err)
	}
	defer f.Close()
	return ParseTopology(f)
}

// ParseTopology parses `multipath -ll` output. Three line shapes matter: map
// header lines (name, optional parenthesized wwid, dm-N, vendor/model),
// size= attribute lines, and tree lines carrying one path each, recognized
// by a device-name field with the bus address before it and major:minor
// after. Everything else (policy and prio lines) is skipped.
func ParseTopology(r io.Reader) ([]Group, error) {
	var (
		groups []Group
		cur    *Group
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "size=") {
			if cur != nil {
				cur.Size = trimmed
			}
			continue
		}

		parts := strings.Fields(line)
		if path, ok := parsePathLine(parts); ok {
			if cur != nil {
				cur.Paths = append(cur.Paths, path)
			}
			continue
		}

		if g, ok := parseHeaderLine(line, parts); ok {
			if cur != nil {
				groups = append(groups, *cur)
			}
			cur = &g
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading multipath topology: %w", err)
	}
	if cur != nil {
		groups = append(groups, *cur)
	}
	return groups, nil
}

// parsePathLine picks the path fields out of a tree line. The device name
// must have a field before it (the bus address) and at least two after
// (major:minor and status), which excludes policy lines.
func parsePathLine(parts []string) (Path, bool) {
	for i, part := range parts {
		if !pathDeviceRe.MatchString(part) {
			continue
		}
		if i < 1 || len(parts) <= i+2 {
			return Path{}, false
		}
		return Path{
			Bus:        parts[i-1],
			Device:     part,
			MajorMinor: parts[i+1],
			Status:     strings.Join(parts[i+2:], " "),
		}, true
	}
	return Path{}, false
}

// parseHeaderLine recognizes a map header: a line starting at column zero
// whose second or third field is the dm-N device. The wwid is parenthesized
// when friendly names are on; with them off the map name is the wwid itself.
func parseHeaderLine(line string, parts []string) (Group, bool) {
	if len(parts) < 2 || line[0] == ' ' || line[0] == '\t' || line[0] == '|' || line[0] == '`' {
		return Group{}, false
	}
	dmIdx := -1
	for i, part := range parts[1:] {
		if strings.HasPrefix(part, "dm-") {
			dmIdx = i + 1
			break
		}
	}
	if dmIdx < 1 || dmIdx > 2 {
		return Group{}, false
	}

	g := Group{
		Name:   parts[0],
		DMName: parts[dmIdx],
	}
	if dmIdx == 2 {
		g.WWID = strings.Trim(parts[1], "()")
	} else {
		g.WWID = g.Name
	}
	if len(parts) > dmIdx+1 {
		g.VendorModel = strings.Join(parts[dmIdx+1:], " ")
	}
	return g, true
}
