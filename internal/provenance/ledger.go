package provenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/xeipuuv/gojsonschema"
)

// Source says how the active image was obtained
type Source string

const (
	SourcePrebuilt Source = "prebuilt"
	SourceBuilt    Source = "built"
)

// ErrCorrupt is returned when the ledger file exists but is not a valid record
var ErrCorrupt = errors.New("provenance file is corrupt")

// Record describes where the active image came from
type Record struct {
	Version string `json:"version"`
	Source  Source `json:"source"`
	// Registry is the registry that served a pulled image, nil for builds
	Registry   *string   `json:"registry"`
	AcquiredAt time.Time `json:"acquired_at"`
	ImageID    string    `json:"image_id,omitempty"`
}

// SameImage reports whether two records describe the same acquisition target
func (r Record) SameImage(o Record) bool {
	if r.Version != o.Version || r.Source != o.Source {
		return false
	}
	if r.ImageID != "" && o.ImageID != "" && r.ImageID != o.ImageID {
		return false
	}
	switch {
	case r.Registry == nil && o.Registry == nil:
		return true
	case r.Registry == nil || o.Registry == nil:
		return false
	default:
		return *r.Registry == *o.Registry
	}
}

// RegistryName returns the registry or "local build"
func (r Record) RegistryName() string {
	if r.Registry == nil {
		return "local build"
	}
	return *r.Registry
}

type document struct {
	Record
	Previous *Record `json:"previous,omitempty"`
}

const recordSchema = `{
  "type": "object",
  "required": ["version", "source", "registry", "acquired_at"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "source": {"enum": ["prebuilt", "built"]},
    "registry": {"type": ["string", "null"]},
    "acquired_at": {"type": "string", "format": "date-time"},
    "image_id": {"type": "string"}
  }
}`

var documentSchema = `{
  "allOf": [` + recordSchema + `],
  "properties": {
    "previous": {"oneOf": [{"type": "null"}, ` + recordSchema + `]}
  }
}`

// Ledger persists the provenance of the active image. Every call reads the
// file fresh; nothing is cached between calls.
type Ledger struct {
	path   string
	schema *gojsonschema.Schema
}

// DefaultPath returns the ledger location under the XDG state directory
func DefaultPath() (string, error) {
	return xdg.StateFile(filepath.Join("gboxctl", "provenance.json"))
}

// NewLedger creates a ledger stored at path
func NewLedger(path string) *Ledger {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		// the schema is a constant
		panic(fmt.Sprintf("invalid provenance schema: %v", err))
	}
	return &Ledger{path: path, schema: schema}
}

// Path returns the file the ledger is stored in
func (l *Ledger) Path() string {
	return l.path
}

// Read returns the current record, or nil when none has been written
func (l *Ledger) Read() (*Record, error) {
	doc, err := l.load()
	if err != nil || doc == nil {
		return nil, err
	}
	rec := doc.Record
	return &rec, nil
}

// Previous returns the record that was current before the last change
func (l *Ledger) Previous() (*Record, error) {
	doc, err := l.load()
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.Previous, nil
}

// Write replaces the current record. When the image differs from the
// current one, the current record is kept as previous.
func (l *Ledger) Write(rec Record) error {
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = time.Now().UTC()
	}
	doc, err := l.load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}

	next := &document{Record: rec}
	if doc != nil {
		if doc.Record.SameImage(rec) {
			next.Previous = doc.Previous
		} else {
			prev := doc.Record
			next.Previous = &prev
		}
	}
	return l.save(next)
}

// Restore makes the previous record current again. With no previous record
// the ledger is cleared so readers report the provenance as unknown.
func (l *Ledger) Restore() error {
	doc, err := l.load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	if doc == nil || doc.Previous == nil {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear provenance: %w", err)
		}
		return nil
	}

	current := doc.Record
	return l.save(&document{Record: *doc.Previous, Previous: &current})
}

func (l *Ledger) load() (*document, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read provenance: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(msgs, "; "))
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &doc, nil
}

// save writes to a temp file in the same directory and renames it over the ledger
func (l *Ledger) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create provenance directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".provenance-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write provenance: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync provenance: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close provenance: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set provenance permissions: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("failed to replace provenance: %w", err)
	}
	return nil
}
