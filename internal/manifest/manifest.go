// Package manifest parses the ordered dependency manifest that drives a build.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	digest "github.com/opencontainers/go-digest"
)

var (
	nameRE       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	operatorList = []string{"===", "==", "!=", ">=", "<=", "~=", ">", "<"}
)

// Entry is one (package name, version constraint) pair. An empty constraint
// accepts any version.
type Entry struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
}

// String renders the entry as a requirement specifier.
func (e Entry) String() string {
	return e.Name + e.Constraint
}

// Key is the normalized package identity used for duplicate detection.
func (e Entry) Key() string {
	return normalizeName(e.Name)
}

// Manifest is an ordered, immutable list of entries.
type Manifest struct {
	entries []Entry
}

// New builds a manifest from entries, validating each one.
func New(entries ...Entry) (Manifest, error) {
	seen := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Constraint = strings.Join(strings.Fields(e.Constraint), "")
		if err := validateEntry(e); err != nil {
			return Manifest{}, fmt.Errorf("entry %d: %w", i+1, err)
		}
		if prev, ok := seen[e.Key()]; ok {
			return Manifest{}, fmt.Errorf("entry %d: duplicate package %q (first declared at entry %d)", i+1, e.Name, prev)
		}
		seen[e.Key()] = i + 1
		out = append(out, e)
	}
	return Manifest{entries: out}, nil
}

// Load reads a manifest file.
func Load(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse reads one requirement per line. Blank lines and '#' comments are
// ignored; an inline comment must be preceded by whitespace.
func Parse(r io.Reader) (Manifest, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			return Manifest{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return New(entries...)
}

// stripComment cuts an inline comment: a '#' at the start of the line or
// after any whitespace.
func stripComment(line string) string {
	for i, r := range line {
		if r == '#' && (i == 0 || unicode.IsSpace(rune(line[i-1]))) {
			return line[:i]
		}
	}
	return line
}

// ParseEntry splits a requirement like "pkg-a==1.0" into name and constraint.
func ParseEntry(raw string) (Entry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Entry{}, errors.New("empty requirement")
	}
	cut := len(raw)
	for _, op := range operatorList {
		if idx := strings.Index(raw, op); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	entry := Entry{
		Name:       strings.TrimSpace(raw[:cut]),
		Constraint: strings.Join(strings.Fields(raw[cut:]), ""),
	}
	if err := validateEntry(entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func validateEntry(e Entry) error {
	if !nameRE.MatchString(e.Name) {
		return fmt.Errorf("invalid package name %q", e.Name)
	}
	if e.Constraint == "" {
		return nil
	}
	for _, clause := range strings.Split(e.Constraint, ",") {
		if !hasOperator(clause) {
			return fmt.Errorf("invalid constraint %q for %s", e.Constraint, e.Name)
		}
		if strings.TrimLeft(clause, "=!<>~") == "" {
			return fmt.Errorf("constraint %q for %s has no version", e.Constraint, e.Name)
		}
	}
	return nil
}

func hasOperator(clause string) bool {
	for _, op := range operatorList {
		if strings.HasPrefix(clause, op) {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

// Validate reports whether the manifest can drive a build.
func (m Manifest) Validate() error {
	if len(m.entries) == 0 {
		return errors.New("manifest has no entries")
	}
	return nil
}

// Entries returns a copy of the entries in declaration order.
func (m Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m Manifest) Len() int {
	return len(m.entries)
}

// Bytes renders the canonical manifest text, one requirement per line.
func (m Manifest) Bytes() []byte {
	var buf bytes.Buffer
	for _, e := range m.entries {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Digest identifies the manifest content.
func (m Manifest) Digest() digest.Digest {
	return digest.FromBytes(m.Bytes())
}
