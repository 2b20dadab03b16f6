package host

import (
	"fmt"
	"math"

	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/docstore"
)

// ContextSettings are the scene settings an asset prescribes. Nil fields
// are not defined on the asset.
type ContextSettings struct {
	FPS        float64
	FrameRange *FrameRange
	Resolution *Resolution
	Colorspace Colorspace
}

// SettingsFromAsset reads fps, frame range with handles and resolution from
// an asset document, and colour management from the project config.
func SettingsFromAsset(asset docstore.Document, imageio config.ImageIOConfig) ContextSettings {
	settings := ContextSettings{
		Colorspace: Colorspace{Workfile: imageio.Workfile, Display: imageio.Display, View: imageio.View},
	}
	if fps, ok := asset.Float("fps"); ok {
		settings.FPS = fps
	}
	start, okStart := asset.Int("frameStart")
	end, okEnd := asset.Int("frameEnd")
	if okStart && okEnd {
		handleStart, _ := asset.Int("handleStart")
		handleEnd, _ := asset.Int("handleEnd")
		settings.FrameRange = &FrameRange{
			Start:       start,
			End:         end,
			HandleStart: handleStart,
			HandleEnd:   handleEnd,
			FPS:         settings.FPS,
		}
	}
	width, okWidth := asset.Int("resolutionWidth")
	height, okHeight := asset.Int("resolutionHeight")
	if okWidth && okHeight {
		aspect, ok := asset.Float("pixelAspect")
		if !ok {
			aspect = 1
		}
		settings.Resolution = &Resolution{Width: width, Height: height, PixelAspect: aspect}
	}
	return settings
}

// Apply pushes the settings into the host. Missing settings are logged and
// skipped; the first host error is returned after every setting was tried.
func (s ContextSettings) Apply(caps Capabilities, logger Logger) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.FrameRange == nil {
		logf(logger, "host: asset has no frame range, skipping")
	} else if err := s.FrameRange.Validate(); err != nil {
		logf(logger, "%v", err)
		keep(err)
	} else {
		keep(caps.ApplyFrameRange(*s.FrameRange))
	}
	if s.Resolution == nil {
		logf(logger, "host: asset has no resolution, skipping")
	} else {
		keep(caps.ApplyResolution(*s.Resolution))
	}
	if !s.Colorspace.IsZero() {
		keep(caps.ApplyColorspace(s.Colorspace))
	}
	if first != nil {
		return fmt.Errorf("host: apply context settings: %w", first)
	}
	return nil
}

// FPSMatches compares scene and asset fps with a small tolerance.
func FPSMatches(scene, asset float64) bool {
	return math.Abs(scene-asset) < 1e-3
}
