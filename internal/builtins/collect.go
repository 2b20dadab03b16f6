package builtins

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/dump"
	"github.com/kingrea/pype/internal/environ"
	"github.com/kingrea/pype/internal/host"
	"github.com/kingrea/pype/internal/publish"
)

// CollectContextEnv fills project, asset, task, app and workdir from the
// AVALON_* session variables. Values already on the context win.
func CollectContextEnv(deps Deps) publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectContextEnv",
		Label: "Collect Context Environment",
		Order: publish.PreCollectorOrder,
	}, func(inv *publish.Invocation) error {
		session := environ.FromEnv(deps.Getenv)
		fill := map[string]string{
			publish.KeyProject: session.Project,
			publish.KeyAsset:   session.Asset,
			publish.KeyTask:    session.Task,
			publish.KeyWorkdir: session.Workdir,
			KeyApp:             session.App,
		}
		for key, value := range fill {
			if value != "" && inv.Context.String(key) == "" {
				inv.Context.Set(key, value)
			}
		}
		inv.Log.Debugf("session %s/%s/%s", inv.Context.String(publish.KeyProject), inv.Context.String(publish.KeyAsset), inv.Context.String(publish.KeyTask))
		return nil
	})
}

// CollectCurrentUser stores OPENPYPE_USERNAME, or the login name, as the
// publishing user.
func CollectCurrentUser(deps Deps) publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectCurrentUser",
		Label: "Collect Current User",
		Order: publish.PreCollectorOrder + 0.01,
	}, func(inv *publish.Invocation) error {
		if inv.Context.String(publish.KeyUser) != "" {
			return nil
		}
		name := environ.FromEnv(deps.Getenv).User
		if name == "" {
			current, err := user.Current()
			if err != nil {
				return fmt.Errorf("resolve current user: %w", err)
			}
			name = current.Username
		}
		inv.Context.Set(publish.KeyUser, name)
		inv.Log.Infof("publishing as %s", name)
		return nil
	})
}

// CollectCurrentFile records the scene path the host has open.
func CollectCurrentFile() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectCurrentFile",
		Label: "Collect Current File",
		Order: publish.PreCollectorOrder,
	}, func(inv *publish.Invocation) error {
		if inv.Host == nil {
			return nil
		}
		current := strings.TrimSpace(inv.Host.CurrentFile())
		if current == "" {
			inv.Log.Warnf("host has no current file")
			return nil
		}
		inv.Context.Set(publish.KeyCurrentFile, filepath.Clean(current))
		return nil
	})
}

// CollectWorkfile publishes the current file itself as a workfile instance.
func CollectWorkfile() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectWorkfile",
		Label: "Collect Workfile",
		Order: publish.CollectorOrder - 0.4,
	}, func(inv *publish.Invocation) error {
		current := inv.Context.String(publish.KeyCurrentFile)
		if current == "" {
			inv.Log.Debugf("no current file, skipping workfile instance")
			return nil
		}
		inv.Log.Infof("workfile path used for workfile family: %s", current)
		dir, filename := filepath.Split(current)
		ext := filepath.Ext(filename)
		basename := strings.TrimSuffix(filename, ext)
		ext = strings.TrimPrefix(ext, ".")

		subset := "workfile" + capitalize(inv.Context.String(publish.KeyTask))
		inst := inv.Context.CreateInstance(basename, "workfile")
		inst.Families = []string{"workfile"}
		inst.Asset = inv.Context.String(publish.KeyAsset)
		inst.Subset = subset
		inst.Set("label", subset)
		inst.AddRepresentation(publish.Representation{
			Name:       ext,
			Ext:        ext,
			Files:      publish.SingleFile(filename),
			StagingDir: filepath.Clean(dir),
		})
		return nil
	})
}

func capitalize(value string) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// CollectDumps adopts the instances of the JSON dumps listed under
// "dumpPaths" in the context.
func CollectDumps() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectDumps",
		Label: "Collect Instance Dumps",
		Order: publish.CollectorOrder - 0.3,
	}, func(inv *publish.Invocation) error {
		value, _ := inv.Context.Get(KeyDumpPaths)
		paths := stringList(value)
		if len(paths) == 0 {
			return nil
		}
		d, err := dump.Load(paths...)
		if err != nil {
			return err
		}
		adopted := dump.Apply(inv.Context, d)
		inv.Log.Infof("collected %d instances from %d dump paths", len(adopted), len(paths))
		return nil
	})
}

// CollectAssetEntity loads the asset document of the context asset.
func CollectAssetEntity(deps Deps) publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectAssetEntity",
		Label: "Collect Asset Entity",
		Order: publish.CollectorOrder - 0.1,
	}, func(inv *publish.Invocation) error {
		if deps.Store == nil {
			inv.Log.Debugf("no document store configured")
			return nil
		}
		project := inv.Context.String(publish.KeyProject)
		asset := inv.Context.String(publish.KeyAsset)
		doc, err := docstore.FindAsset(deps.ctx(), deps.Store, project, asset)
		if err != nil {
			return fmt.Errorf("no asset found by the name %q: %w", asset, err)
		}
		data := make(map[string]any, len(doc.Data))
		for key, value := range doc.Data {
			data[key] = value
		}
		inv.Context.Set(KeyAssetEntity, data)
		inv.Context.Set(KeyAssetEntityID, doc.ID.String())
		return nil
	})
}

type sceneReader interface {
	SceneSettings() (host.SceneSettings, error)
}

// CollectSceneSettings reads fps, frame range and resolution from hosts
// that can report them.
func CollectSceneSettings() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "CollectSceneSettings",
		Label: "Collect Scene Settings",
		Order: publish.CollectorOrder + 0.1,
	}, func(inv *publish.Invocation) error {
		reader, ok := inv.Host.(sceneReader)
		if !ok {
			return nil
		}
		scene, err := reader.SceneSettings()
		if err != nil {
			return fmt.Errorf("read scene settings: %w", err)
		}
		inv.Context.Set(KeySceneFPS, scene.FPS)
		inv.Context.Set(KeySceneFrameStart, scene.FrameRange.Start)
		inv.Context.Set(KeySceneFrameEnd, scene.FrameRange.End)
		inv.Context.Set(KeySceneWidth, scene.Resolution.Width)
		inv.Context.Set(KeySceneHeight, scene.Resolution.Height)
		inv.Context.Set(KeyScenePixelAspect, scene.Resolution.PixelAspect)
		return nil
	})
}
