package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
)

// ImageRecord maps a tag to the OCI layout a build wrote for it.
type ImageRecord struct {
	Reference  string    `json:"reference"`
	LayoutPath string    `json:"layoutPath"`
	Digest     string    `json:"digest,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (c *client) recordLayout(reference, layoutPath string) error {
	if reference == "" {
		return errors.New("reference is required")
	}
	reference = canonical(reference)
	if layoutPath == "" {
		return errors.New("layout path is required")
	}
	if _, err := os.Stat(filepath.Join(layoutPath, "index.json")); err != nil {
		return fmt.Errorf("%s is not a valid OCI layout: %w", layoutPath, err)
	}
	absLayout, err := filepath.Abs(layoutPath)
	if err != nil {
		return err
	}
	rec := ImageRecord{Reference: reference, LayoutPath: absLayout, UpdatedAt: time.Now().UTC()}
	if img, err := layoutImage(absLayout, reference); err == nil {
		if d, err := img.Digest(); err == nil {
			rec.Digest = d.String()
		}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir, err := c.recordsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, encodeReference(reference)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, encodeReference(reference)+".json"))
}

// ResolveLayout returns the record for reference.
func (c *client) ResolveLayout(reference string) (ImageRecord, error) {
	reference = canonical(reference)
	dir, err := c.recordsDir()
	if err != nil {
		return ImageRecord{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, encodeReference(reference)+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ImageRecord{}, fmt.Errorf("no cached build for %s; run kiln build first", reference)
		}
		return ImageRecord{}, err
	}
	var rec ImageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ImageRecord{}, err
	}
	if _, err := os.Stat(filepath.Join(rec.LayoutPath, "index.json")); err != nil {
		return ImageRecord{}, fmt.Errorf("cached OCI layout for %s is invalid: %w", reference, err)
	}
	return rec, nil
}

// ListRepository returns the records whose reference is a tag of repository.
func (c *client) ListRepository(repository string) ([]ImageRecord, error) {
	if repository == "" {
		return nil, errors.New("repository is required")
	}
	if repo, err := name.NewRepository(repository); err == nil {
		repository = repo.Name()
	}
	records, err := c.readAllRecords()
	if err != nil {
		return nil, err
	}
	prefix := repository + ":"
	matches := make([]ImageRecord, 0)
	for _, rec := range records {
		if strings.HasPrefix(rec.Reference, prefix) {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Reference == matches[j].Reference {
			return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
		}
		return matches[i].Reference < matches[j].Reference
	})
	if len(matches) == 0 {
		return nil, fmt.Errorf("no cached tags found for %s", repository)
	}
	return matches, nil
}

func (c *client) recordsDir() (string, error) {
	if c.opts.RecordsDir != "" {
		return c.opts.RecordsDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "kiln", "images"), nil
}

// canonical expands short references so records and layout annotations
// agree on one spelling.
func canonical(reference string) string {
	if ref, err := name.ParseReference(reference); err == nil {
		return ref.Name()
	}
	return reference
}

func encodeReference(ref string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ref))
}

func (c *client) readAllRecords() ([]ImageRecord, error) {
	dir, err := c.recordsDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ImageRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec ImageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
