package builtins

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/storage"
)

const defaultTemplate = "{project}/{asset}/{subset}/v{version:03}/{file}"

// Instance data keys written by Integrate.
const (
	KeyPublishedVersion = "publishedVersion"
	KeyVersionID        = "versionId"
	KeyPublishedFiles   = "publishedFiles"
)

// Integrate copies every representation into published storage, then
// records the subset, a new version and its representations in the
// document store. Documents are only written after all uploads succeeded.
func Integrate(deps Deps) publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "Integrate",
		Label: "Integrate Asset",
		Order: publish.IntegratorOrder,
		Scope: publish.ScopeInstance,
	}, func(inv *publish.Invocation) error {
		inst := inv.Instance
		if len(inst.Representations) == 0 {
			inv.Log.Infof("nothing to integrate")
			return nil
		}
		if deps.Store == nil || deps.Bucket == nil {
			return fmt.Errorf("integrate: document store and storage are required")
		}
		ctx := deps.ctx()
		project := inv.Context.String(publish.KeyProject)
		assetName := inst.Asset
		if assetName == "" {
			assetName = inv.Context.String(publish.KeyAsset)
		}
		subsetName := subsetOf(inst)

		_, asset, err := docstore.EnsureHierarchy(ctx, deps.Store, project, assetName)
		if err != nil {
			return fmt.Errorf("integrate: %w", err)
		}
		subset, err := docstore.EnsureSubset(ctx, deps.Store, asset.ID, subsetName, inst.Family)
		if err != nil {
			return fmt.Errorf("integrate: %w", err)
		}
		version, err := docstore.NextVersion(ctx, deps.Store, subset.ID)
		if err != nil {
			return fmt.Errorf("integrate: %w", err)
		}

		template := defaultTemplate
		if deps.Config != nil && deps.Config.Project.Storage.Template != "" {
			template = deps.Config.Project.Storage.Template
		}
		uploaded := make([][]string, len(inst.Representations))
		var published []string
		for idx, repr := range inst.Representations {
			if repr.Files.Len() == 0 {
				return fmt.Errorf("integrate: representation %s has no files", repr.Name)
			}
			for _, name := range repr.Files.Names() {
				key, err := storage.PublishKey(template, map[string]any{
					"project":        project,
					"asset":          assetName,
					"subset":         subsetName,
					"family":         inst.Family,
					"task":           inv.Context.String(publish.KeyTask),
					"version":        version,
					"representation": repr.Name,
					"ext":            repr.Ext,
					"file":           name,
				})
				if err != nil {
					return fmt.Errorf("integrate: %w", err)
				}
				src := filepath.Join(repr.StagingDir, name)
				if err := storage.PutFile(ctx, deps.Bucket, key, src); err != nil {
					return fmt.Errorf("integrate: %w", err)
				}
				uploaded[idx] = append(uploaded[idx], key)
				published = append(published, deps.Bucket.URL(key))
			}
		}

		versionDoc := &docstore.Document{
			Type:   docstore.TypeVersion,
			Name:   strconv.Itoa(version),
			Parent: subset.ID,
			Data: map[string]any{
				"author":   inv.Context.String(publish.KeyUser),
				"time":     deps.now().UTC().Format(time.RFC3339),
				"source":   inv.Context.String(publish.KeyCurrentFile),
				"families": inst.AllFamilies(),
			},
		}
		for _, key := range []string{"frameStart", "frameEnd", "comment"} {
			if value, ok := inst.Get(key); ok {
				versionDoc.Data[key] = value
			}
		}
		if err := deps.Store.Insert(ctx, versionDoc); err != nil {
			return fmt.Errorf("integrate: version %d: %w", version, err)
		}
		for idx, repr := range inst.Representations {
			data := map[string]any{
				"ext":   repr.Ext,
				"files": uploaded[idx],
				"path":  deps.Bucket.URL(uploaded[idx][0]),
			}
			if len(repr.Tags) > 0 {
				data["tags"] = append([]string(nil), repr.Tags...)
			}
			for key, value := range repr.Data {
				data[key] = value
			}
			doc := &docstore.Document{Type: docstore.TypeRepresentation, Name: repr.Name, Parent: versionDoc.ID, Data: data}
			if err := deps.Store.Insert(ctx, doc); err != nil {
				return fmt.Errorf("integrate: representation %s: %w", repr.Name, err)
			}
		}
		inst.Set(KeyPublishedVersion, version)
		inst.Set(KeyVersionID, versionDoc.ID.String())
		inst.Set(KeyPublishedFiles, published)
		inv.Log.Infof("integrated %s v%03d (%s)", subsetName, version, strings.Join(published, ", "))
		return nil
	})
}
