package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Type names a document kind in the project hierarchy.
type Type string

const (
	TypeProject        Type = "project"
	TypeAsset          Type = "asset"
	TypeSubset         Type = "subset"
	TypeVersion        Type = "version"
	TypeRepresentation Type = "representation"
)

// parentTypes encodes the parent chain.
var parentTypes = map[Type]Type{
	TypeAsset:          TypeProject,
	TypeSubset:         TypeAsset,
	TypeVersion:        TypeSubset,
	TypeRepresentation: TypeVersion,
}

// Schemas stamped on inserted documents.
var schemas = map[Type]string{
	TypeProject:        "openpype:project-3.0",
	TypeAsset:          "openpype:asset-3.0",
	TypeSubset:         "openpype:subset-3.0",
	TypeVersion:        "openpype:version-3.0",
	TypeRepresentation: "openpype:representation-2.0",
}

var (
	// ErrNotFound is returned when no document matches.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrInvalidParent is returned when a document's parent breaks the chain.
	ErrInvalidParent = errors.New("docstore: invalid parent")
	// ErrDuplicate is returned when a sibling of the same type already has the name.
	ErrDuplicate = errors.New("docstore: duplicate name")
)

// Document is one record of the project database.
type Document struct {
	ID     uuid.UUID      `json:"_id"`
	Type   Type           `json:"type"`
	Name   string         `json:"name"`
	Parent uuid.UUID      `json:"parent"`
	Schema string         `json:"schema"`
	Data   map[string]any `json:"data"`
}

// VersionNumber parses the integer name of a version document.
func (d Document) VersionNumber() (int, bool) {
	if d.Type != TypeVersion {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(d.Name))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Int returns an integer data value, accepting JSON numbers.
func (d Document) Int(key string) (int, bool) {
	switch v := d.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Float returns a numeric data value.
func (d Document) Float(key string) (float64, bool) {
	switch v := d.Data[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Query selects documents. Zero fields are ignored; Data entries must equal.
type Query struct {
	Type   Type
	Name   string
	Parent uuid.UUID
	Data   map[string]any
}

// Matches reports whether doc satisfies q.
func (q Query) Matches(doc Document) bool {
	if q.Type != "" && doc.Type != q.Type {
		return false
	}
	if q.Name != "" && doc.Name != q.Name {
		return false
	}
	if q.Parent != uuid.Nil && doc.Parent != q.Parent {
		return false
	}
	for key, want := range q.Data {
		if fmt.Sprint(doc.Data[key]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Store is the project document database.
type Store interface {
	Insert(ctx context.Context, doc *Document) error
	Update(ctx context.Context, doc Document) error
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	FindOne(ctx context.Context, q Query) (Document, error)
	Find(ctx context.Context, q Query) ([]Document, error)
	LatestVersion(ctx context.Context, subsetID uuid.UUID) (Document, error)
	Close() error
}

// prepare fills defaults and enforces the parent chain and sibling-name
// uniqueness before an insert.
func prepare(ctx context.Context, s Store, doc *Document) error {
	doc.Name = strings.TrimSpace(doc.Name)
	if doc.Name == "" {
		return fmt.Errorf("docstore: %s name is required", doc.Type)
	}
	schema, ok := schemas[doc.Type]
	if !ok {
		return fmt.Errorf("docstore: unknown document type %q", doc.Type)
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Schema == "" {
		doc.Schema = schema
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	if doc.Type == TypeVersion {
		if _, ok := doc.VersionNumber(); !ok {
			return fmt.Errorf("docstore: version name %q is not an integer", doc.Name)
		}
	}
	want, needsParent := parentTypes[doc.Type]
	if !needsParent {
		if doc.Parent != uuid.Nil {
			return fmt.Errorf("%w: projects have no parent", ErrInvalidParent)
		}
	} else {
		parent, err := s.Get(ctx, doc.Parent)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s %s parent %s does not exist", ErrInvalidParent, doc.Type, doc.Name, doc.Parent)
			}
			return err
		}
		if parent.Type != want {
			return fmt.Errorf("%w: %s must be parented to a %s, got %s", ErrInvalidParent, doc.Type, want, parent.Type)
		}
	}
	siblings, err := s.Find(ctx, Query{Type: doc.Type, Name: doc.Name, Parent: doc.Parent})
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.Parent == doc.Parent && sibling.ID != doc.ID {
			return fmt.Errorf("%w: %s %s", ErrDuplicate, doc.Type, doc.Name)
		}
	}
	return nil
}

// latest picks the version with the greatest integer name.
func latest(versions []Document) (Document, error) {
	best := -1
	var found Document
	for _, doc := range versions {
		n, ok := doc.VersionNumber()
		if !ok {
			continue
		}
		if n > best {
			best = n
			found = doc
		}
	}
	if best < 0 {
		return Document{}, ErrNotFound
	}
	return found, nil
}
