package builtins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/sjson"

	"github.com/kingrea/pype/internal/publish"
)

// ExtractMetadata writes the instance document, stamped with the publish
// context, as a JSON representation of metadata instances.
func ExtractMetadata(deps Deps) publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:     "ExtractMetadata",
		Label:    "Extract Metadata",
		Order:    publish.ExtractorOrder,
		Families: publish.Tags("metadata"),
	}, func(inv *publish.Invocation) error {
		inst := inv.Instance
		stagingDir, err := stagingDirFor(deps, inst)
		if err != nil {
			return err
		}
		body, err := json.Marshal(inst.Document())
		if err != nil {
			return fmt.Errorf("encode instance: %w", err)
		}
		stamps := []struct {
			path  string
			value string
		}{
			{"context.project", inv.Context.String(publish.KeyProject)},
			{"context.asset", inv.Context.String(publish.KeyAsset)},
			{"context.task", inv.Context.String(publish.KeyTask)},
			{"context.user", inv.Context.String(publish.KeyUser)},
			{"context.host", inv.HostName()},
			{"context.currentFile", inv.Context.String(publish.KeyCurrentFile)},
			{"context.time", deps.now().UTC().Format(time.RFC3339)},
		}
		for _, stamp := range stamps {
			body, err = sjson.SetBytes(body, stamp.path, stamp.value)
			if err != nil {
				return fmt.Errorf("stamp %s: %w", stamp.path, err)
			}
		}
		name := subsetOf(inst) + ".metadata.json"
		if err := os.WriteFile(filepath.Join(stagingDir, name), body, 0o644); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
		inst.AddRepresentation(publish.Representation{
			Name:       "json",
			Ext:        "json",
			Files:      publish.SingleFile(name),
			StagingDir: stagingDir,
		})
		inv.Log.Infof("extracted %s to %s", name, stagingDir)
		return nil
	})
}

// stagingDirFor prefers the instance "stagingDir", then a per-instance
// folder in the project staging area, then a temporary directory.
func stagingDirFor(deps Deps, inst *publish.Instance) (string, error) {
	dir := inst.String("stagingDir")
	switch {
	case dir != "":
	case deps.Config != nil:
		dir = filepath.Join(deps.Config.StagingDir(), inst.ID)
	default:
		tmp, err := os.MkdirTemp("", "pype-staging-")
		if err != nil {
			return "", fmt.Errorf("create staging dir: %w", err)
		}
		dir = tmp
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	inst.Set("stagingDir", dir)
	return dir, nil
}

func subsetOf(inst *publish.Instance) string {
	if inst.Subset != "" {
		return inst.Subset
	}
	return inst.Name
}
