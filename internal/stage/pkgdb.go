package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// InstalledArtifact is a dependency artifact recorded in the package database.
type InstalledArtifact struct {
	Name       string        `json:"name"`
	Constraint string        `json:"constraint,omitempty"`
	File       string        `json:"file"`
	Digest     digest.Digest `json:"digest"`
}

// Database is the installed-package record of a stage.
type Database struct {
	SystemPackages []string            `json:"systemPackages"`
	Artifacts      []InstalledArtifact `json:"artifacts"`
}

// AddSystemPackages merges names into the database, keeping it sorted.
func (db *Database) AddSystemPackages(names ...string) {
	set := make(map[string]struct{}, len(db.SystemPackages)+len(names))
	for _, n := range db.SystemPackages {
		set[n] = struct{}{}
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	db.SystemPackages = out
}

// PutArtifact records a, replacing any earlier record with the same name.
func (db *Database) PutArtifact(a InstalledArtifact) {
	for i := range db.Artifacts {
		if strings.EqualFold(db.Artifacts[i].Name, a.Name) {
			db.Artifacts[i] = a
			db.sortArtifacts()
			return
		}
	}
	db.Artifacts = append(db.Artifacts, a)
	db.sortArtifacts()
}

func (db *Database) sortArtifacts() {
	sort.Slice(db.Artifacts, func(i, j int) bool {
		return strings.ToLower(db.Artifacts[i].Name) < strings.ToLower(db.Artifacts[j].Name)
	})
}

// Marshal renders the canonical form; identical content yields identical bytes.
func (db Database) Marshal() ([]byte, error) {
	if db.SystemPackages == nil {
		db.SystemPackages = []string{}
	}
	if db.Artifacts == nil {
		db.Artifacts = []InstalledArtifact{}
	}
	raw, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// ParseDatabase decodes a package database file.
func ParseDatabase(raw []byte) (Database, error) {
	var db Database
	if err := json.Unmarshal(raw, &db); err != nil {
		return Database{}, fmt.Errorf("decode package database: %w", err)
	}
	db.AddSystemPackages()
	db.sortArtifacts()
	return db, nil
}

// LoadDatabase reads the stage package database; a missing file is empty.
func (s *Stage) LoadDatabase() (Database, error) {
	raw, err := s.ReadFile(PackageDB)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Database{}, nil
		}
		return Database{}, err
	}
	return ParseDatabase(raw)
}

// SaveDatabase writes the stage package database.
func (s *Stage) SaveDatabase(db Database) error {
	raw, err := db.Marshal()
	if err != nil {
		return err
	}
	return s.WriteFile(PackageDB, raw, 0o644)
}

// UpdateDatabase loads, mutates and saves the package database.
func (s *Stage) UpdateDatabase(fn func(*Database) error) error {
	db, err := s.LoadDatabase()
	if err != nil {
		return err
	}
	if err := fn(&db); err != nil {
		return err
	}
	return s.SaveDatabase(db)
}
