// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Requirement is one line of a pip requirements file.
type Requirement struct {
	Name string // distribution name as written
	Spec string // the full requirement, markers included
	Line int
}

// ParseRequirements reads pip requirements. Blank lines, comments and
// option lines ("-r", "--index-url") are skipped; duplicate names keep
// their first occurrence.
func ParseRequirements(r io.Reader) ([]Requirement, error) {
	var out []Requirement
	seen := map[string]bool{}
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		name := requirementName(line)
		if name == "" {
			return nil, fmt.Errorf("line %d: cannot parse requirement %q", n, line)
		}
		key := normalizeName(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Requirement{Name: name, Spec: line, Line: n})
	}
	return out, sc.Err()
}

// ReadRequirements parses the first of paths that exists. It returns the
// chosen path, or "" when none exists.
func ReadRequirements(paths ...string) (string, []Requirement, error) {
	for _, p := range paths {
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return p, nil, err
		}
		reqs, err := ParseRequirements(f)
		f.Close()
		if err != nil {
			return p, nil, fmt.Errorf("%s: %w", p, err)
		}
		return p, reqs, nil
	}
	return "", nil, nil
}

// requirementName returns the leading distribution name of a requirement.
func requirementName(spec string) string {
	end := 0
	for end < len(spec) {
		c := spec[end]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.' {
			end++
			continue
		}
		break
	}
	return spec[:end]
}

// normalizeName folds a distribution name the way pip compares them.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}
