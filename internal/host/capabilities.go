// Package host binds a publishing pipeline to an authoring application:
// plugin registration on install, lifecycle callbacks, and the scene
// maintenance operations those callbacks perform.
package host

import (
	"fmt"

	"github.com/kingrea/pype/internal/publish"
)

// FrameRange is the playback range of a scene. Start and End exclude handles.
type FrameRange struct {
	Start       int     `json:"frameStart"`
	End         int     `json:"frameEnd"`
	HandleStart int     `json:"handleStart,omitempty"`
	HandleEnd   int     `json:"handleEnd,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
}

// WithHandles returns the range extended by the handles.
func (f FrameRange) WithHandles() (int, int) {
	return f.Start - f.HandleStart, f.End + f.HandleEnd
}

// Validate rejects inverted ranges and negative handles.
func (f FrameRange) Validate() error {
	if f.End < f.Start {
		return fmt.Errorf("host: frame range %d-%d is inverted", f.Start, f.End)
	}
	if f.HandleStart < 0 || f.HandleEnd < 0 {
		return fmt.Errorf("host: handles must not be negative")
	}
	return nil
}

// Resolution is the render resolution of a scene.
type Resolution struct {
	Width       int     `json:"resolutionWidth"`
	Height      int     `json:"resolutionHeight"`
	PixelAspect float64 `json:"pixelAspect,omitempty"`
}

// Colorspace is the scene colour management setup.
type Colorspace struct {
	Workfile string `json:"workfile,omitempty"`
	Display  string `json:"display,omitempty"`
	View     string `json:"view,omitempty"`
}

// IsZero reports whether nothing is configured.
func (c Colorspace) IsZero() bool {
	return c.Workfile == "" && c.Display == "" && c.View == ""
}

// SceneSettings is what the host currently has applied.
type SceneSettings struct {
	FPS        float64    `json:"fps"`
	FrameRange FrameRange `json:"frameRange"`
	Resolution Resolution `json:"resolution"`
	Colorspace Colorspace `json:"colorspace"`
}

// Capabilities is everything the adapter asks of a host application.
type Capabilities interface {
	publish.Host
	ApplyFrameRange(FrameRange) error
	ApplyResolution(Resolution) error
	ApplyColorspace(Colorspace) error
	// AssignNodeIDs gives every id-less node an id and returns how many changed.
	AssignNodeIDs() (int, error)
	MapDirectory(src, dst string) error
	SaveFile(path string) error
	SceneSettings() (SceneSettings, error)
}

// Interactive is implemented by hosts that can run in batch mode. Batch
// sessions only get the init callback.
type Interactive interface {
	Interactive() bool
}
