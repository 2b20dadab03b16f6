// Package builtins holds the publish plugins every host gets on install:
// context collection, the standard validators, metadata extraction and
// integration into the document store and published file storage.
package builtins

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/storage"
)

// Context data keys written by the collectors.
const (
	KeyApp              = "app"
	KeyAssetEntity      = "assetEntity"
	KeyAssetEntityID    = "assetEntityId"
	KeyDumpPaths        = "dumpPaths"
	KeySceneFPS         = "sceneFps"
	KeySceneFrameStart  = "sceneFrameStart"
	KeySceneFrameEnd    = "sceneFrameEnd"
	KeySceneWidth       = "sceneWidth"
	KeySceneHeight      = "sceneHeight"
	KeyScenePixelAspect = "scenePixelAspect"
	KeyWorkfileVersion  = "workfileVersionUp"
)

// Deps are the services the built-in plugins reach for. Plugins whose
// service is nil log and do nothing, except Integrate which fails.
type Deps struct {
	Ctx    context.Context
	Config *config.Config
	Store  docstore.Store
	Bucket storage.Bucket
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) ctx() context.Context {
	if d.Ctx == nil {
		return context.Background()
	}
	return d.Ctx
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// All returns every built-in publish plugin.
func All(deps Deps) []publish.Plugin {
	return []publish.Plugin{
		CollectContextEnv(deps),
		CollectCurrentUser(deps),
		CollectCurrentFile(),
		CollectWorkfile(),
		CollectDumps(),
		CollectAssetEntity(deps),
		CollectSceneSettings(),
		ValidateRepresentations(),
		ValidateNaming(),
		ValidateFileExtension(),
		ValidateProjectSettings(),
		ValidateStartFrame(),
		ExtractMetadata(deps),
		Integrate(deps),
		IncrementWorkfileVersion(),
	}
}

// toFloat accepts the numeric shapes context and document data arrive in.
func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
