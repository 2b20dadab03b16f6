package builtins

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/host"
	"github.com/kingrea/pype/internal/publish"
)

// ValidateRepresentations checks every collected representation is well
// formed and its staged files exist.
func ValidateRepresentations() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:  "ValidateRepresentations",
		Label: "Validate Representations",
		Order: publish.ValidatorOrder,
		Scope: publish.ScopeInstance,
	}, func(inv *publish.Invocation) error {
		var problems []string
		for _, repr := range inv.Instance.Representations {
			if err := repr.Validate(); err != nil {
				problems = append(problems, err.Error())
				continue
			}
			for _, path := range repr.Paths() {
				if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
					problems = append(problems, fmt.Sprintf("%s: missing %s", repr.Name, path))
				}
			}
		}
		if len(problems) > 0 {
			return publish.Invalid([]string{inv.Instance.Name}, "invalid representations: %s", strings.Join(problems, "; "))
		}
		return nil
	})
}

// ValidateNaming rejects instance and subset names containing spaces. Its
// repair action replaces them with underscores.
func ValidateNaming() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:    "ValidateNaming",
		Label:   "Validate Naming",
		Order:   publish.ValidateContentsOrder,
		Scope:   publish.ScopeInstance,
		Actions: []publish.Action{repairNaming()},
	}, func(inv *publish.Invocation) error {
		inst := inv.Instance
		if strings.Contains(inst.Name, " ") {
			return publish.Invalid([]string{inst.Name}, "name %q contains spaces", inst.Name)
		}
		if strings.Contains(inst.Subset, " ") {
			return publish.Invalid([]string{inst.Name}, "subset %q contains spaces", inst.Subset)
		}
		return nil
	})
}

func repairNaming() publish.Action {
	return publish.NewRepair(func(ai *publish.ActionInvocation) error {
		for _, inst := range ai.Failed {
			inst.Name = strings.ReplaceAll(inst.Name, " ", "_")
			inst.Subset = strings.ReplaceAll(inst.Subset, " ", "_")
			ai.Log.Infof("renamed instance to %s", inst.Name)
		}
		return nil
	})
}

// familyExtensions maps families to the only extension they may publish.
var familyExtensions = map[string]string{
	"pointcache": "abc",
	"camera":     "abc",
	"vdbcache":   "vdb",
}

// ValidateFileExtension checks cache families publish the expected format.
func ValidateFileExtension() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:     "ValidateFileExtension",
		Label:    "Output File Extension",
		Order:    publish.ValidateContentsOrder,
		Families: publish.Tags("pointcache", "camera", "vdbcache"),
	}, func(inv *publish.Invocation) error {
		inst := inv.Instance
		expected := ""
		for _, family := range inst.AllFamilies() {
			if ext, ok := familyExtensions[family]; ok {
				expected = ext
				break
			}
		}
		if expected == "" {
			return fmt.Errorf("unsupported family: %s", inst.Family)
		}
		var outputs []string
		if path := inst.String("path"); path != "" {
			outputs = append(outputs, path)
		}
		for _, repr := range inst.Representations {
			outputs = append(outputs, repr.Files.Names()...)
		}
		for _, output := range outputs {
			ext := strings.TrimPrefix(strings.ToLower(extOf(output)), ".")
			if ext != expected {
				return publish.Invalid([]string{inst.Name}, "file extension for %s should be .%s, got %s", inst.Family, expected, output)
			}
		}
		return nil
	})
}

// extOf returns the last extension, ignoring frame numbers in sequences
// such as "cache.1001.vdb".
func extOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

// projectSettingKeys pairs scene context keys with asset document keys.
var projectSettingKeys = [][2]string{
	{KeySceneFPS, "fps"},
	{KeySceneWidth, "resolutionWidth"},
	{KeySceneHeight, "resolutionHeight"},
	{KeyScenePixelAspect, "pixelAspect"},
}

// ValidateProjectSettings compares the collected scene settings with the
// asset document.
func ValidateProjectSettings() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:     "ValidateProjectSettings",
		Label:    "Validate Project Settings",
		Order:    publish.ValidateSceneOrder,
		Optional: true,
	}, func(inv *publish.Invocation) error {
		asset, ok := inv.Context.Data[KeyAssetEntity].(map[string]any)
		if !ok {
			inv.Log.Debugf("no asset entity collected")
			return nil
		}
		if _, ok := inv.Context.Get(KeySceneFPS); !ok {
			inv.Log.Debugf("host reported no scene settings")
			return nil
		}
		type mismatch struct {
			Current  any `json:"current"`
			Expected any `json:"expected"`
		}
		invalid := map[string]mismatch{}
		for _, pair := range projectSettingKeys {
			expected, ok := asset[pair[1]]
			if !ok {
				continue
			}
			current, _ := inv.Context.Get(pair[0])
			want, okWant := toFloat(expected)
			got, okGot := toFloat(current)
			if okWant && okGot && want == got {
				continue
			}
			invalid[pair[1]] = mismatch{Current: current, Expected: expected}
		}
		if len(invalid) == 0 {
			return nil
		}
		keys := make([]string, 0, len(invalid))
		for key := range invalid {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		detail, _ := json.MarshalIndent(invalid, "", "    ")
		return publish.Invalid(keys, "project settings do not match the database:\n%s", detail)
	})
}

type frameRangeHost interface {
	sceneReader
	ApplyFrameRange(host.FrameRange) error
}

// assetFrameRange reads the frame range with handles from the collected
// asset entity.
func assetFrameRange(pctx *publish.Context) (host.FrameRange, bool) {
	asset, ok := pctx.Data[KeyAssetEntity].(map[string]any)
	if !ok {
		return host.FrameRange{}, false
	}
	settings := host.SettingsFromAsset(docstore.Document{Data: asset}, config.ImageIOConfig{})
	if settings.FrameRange == nil {
		return host.FrameRange{}, false
	}
	return *settings.FrameRange, true
}

// ValidateStartFrame checks the scene starts on the asset's first frame,
// handles included. The scene is read live so a repaired scene validates
// without collecting again.
func ValidateStartFrame() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:     "ValidateStartFrame",
		Label:    "Validate Start Frame",
		Order:    publish.ValidateSceneOrder,
		Optional: true,
		Actions:  []publish.Action{repairStartFrame()},
	}, func(inv *publish.Invocation) error {
		want, ok := assetFrameRange(inv.Context)
		if !ok {
			inv.Log.Debugf("asset has no frame range")
			return nil
		}
		reader, ok := inv.Host.(sceneReader)
		if !ok {
			return nil
		}
		scene, err := reader.SceneSettings()
		if err != nil {
			return fmt.Errorf("read scene settings: %w", err)
		}
		start, _ := want.WithHandles()
		if scene.FrameRange.Start != start {
			return publish.Invalid([]string{"frameStart"}, "start frame has to be frame %d, scene starts at %d", start, scene.FrameRange.Start)
		}
		return nil
	})
}

func repairStartFrame() publish.Action {
	return publish.NewRepair(func(ai *publish.ActionInvocation) error {
		want, ok := assetFrameRange(ai.Context)
		if !ok {
			return errors.New("asset has no frame range to apply")
		}
		target, ok := ai.Host.(frameRangeHost)
		if !ok {
			return errors.New("host cannot set its frame range")
		}
		if err := target.ApplyFrameRange(want); err != nil {
			return fmt.Errorf("apply frame range: %w", err)
		}
		start, end := want.WithHandles()
		ai.Log.Infof("scene frame range set to %d-%d", start, end)
		return nil
	})
}
