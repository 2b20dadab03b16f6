package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Open picks a backend from url: postgres:// or postgresql:// connects to
// Postgres, anything else is a JSON file path.
func Open(ctx context.Context, url string) (Store, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("docstore: url is required")
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return OpenPostgres(ctx, trimmed)
	}
	return OpenFile(trimmed)
}

// EnsureHierarchy returns the project and asset documents, creating either
// when missing.
func EnsureHierarchy(ctx context.Context, s Store, project, asset string) (Document, Document, error) {
	proj, err := ensure(ctx, s, Document{Type: TypeProject, Name: project})
	if err != nil {
		return Document{}, Document{}, err
	}
	assetDoc, err := ensure(ctx, s, Document{Type: TypeAsset, Name: asset, Parent: proj.ID})
	if err != nil {
		return Document{}, Document{}, err
	}
	return proj, assetDoc, nil
}

// EnsureSubset returns the named subset under asset, creating it when missing.
func EnsureSubset(ctx context.Context, s Store, assetID uuid.UUID, name, family string) (Document, error) {
	return ensure(ctx, s, Document{
		Type:   TypeSubset,
		Name:   name,
		Parent: assetID,
		Data:   map[string]any{"family": family, "families": []any{family}},
	})
}

// NextVersion returns one more than the latest version of subset, or 1.
func NextVersion(ctx context.Context, s Store, subsetID uuid.UUID) (int, error) {
	doc, err := s.LatestVersion(ctx, subsetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	n, _ := doc.VersionNumber()
	return n + 1, nil
}

// FindAsset looks up an asset by project and asset name.
func FindAsset(ctx context.Context, s Store, project, asset string) (Document, error) {
	proj, err := s.FindOne(ctx, Query{Type: TypeProject, Name: project})
	if err != nil {
		return Document{}, fmt.Errorf("docstore: project %s: %w", project, err)
	}
	doc, err := s.FindOne(ctx, Query{Type: TypeAsset, Name: asset, Parent: proj.ID})
	if err != nil {
		return Document{}, fmt.Errorf("docstore: asset %s/%s: %w", project, asset, err)
	}
	return doc, nil
}

func ensure(ctx context.Context, s Store, doc Document) (Document, error) {
	found, err := s.FindOne(ctx, Query{Type: doc.Type, Name: doc.Name, Parent: doc.Parent})
	if err == nil && found.Parent == doc.Parent {
		return found, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Document{}, err
	}
	if err := s.Insert(ctx, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
