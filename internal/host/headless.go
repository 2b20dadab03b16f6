package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Node is one scene object of a headless session.
type Node struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// headlessScene is the on-disk form of a headless workfile.
type headlessScene struct {
	Settings SceneSettings `json:"settings"`
	Nodes    []Node        `json:"nodes"`
}

// Headless is an in-memory host used by the CLI, the web publisher and
// tests. Saved workfiles are JSON documents of the scene state.
type Headless struct {
	name  string
	batch bool

	mu          sync.Mutex
	currentFile string
	settings    SceneSettings
	nodes       []Node
	dirmap      map[string]string
}

// NewHeadless returns an empty scene for a host called name. Batch sessions
// only receive the init callback.
func NewHeadless(name string, batch bool) *Headless {
	if strings.TrimSpace(name) == "" {
		name = "headless"
	}
	return &Headless{name: name, batch: batch, dirmap: map[string]string{}}
}

// Name implements publish.Host.
func (h *Headless) Name() string { return h.name }

// Interactive implements Interactive.
func (h *Headless) Interactive() bool { return !h.batch }

// CurrentFile implements publish.Host.
func (h *Headless) CurrentFile() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentFile
}

// SetCurrentFile changes the scene path without touching disk.
func (h *Headless) SetCurrentFile(path string) {
	h.mu.Lock()
	h.currentFile = path
	h.mu.Unlock()
}

// ApplyFrameRange implements Capabilities. The scene range includes handles.
func (h *Headless) ApplyFrameRange(r FrameRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start, end := r.WithHandles()
	h.settings.FrameRange = FrameRange{Start: start, End: end, FPS: r.FPS}
	if r.FPS > 0 {
		h.settings.FPS = r.FPS
	}
	return nil
}

// ApplyResolution implements Capabilities.
func (h *Headless) ApplyResolution(r Resolution) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("host: invalid resolution %dx%d", r.Width, r.Height)
	}
	h.mu.Lock()
	h.settings.Resolution = r
	h.mu.Unlock()
	return nil
}

// ApplyColorspace implements Capabilities.
func (h *Headless) ApplyColorspace(c Colorspace) error {
	h.mu.Lock()
	h.settings.Colorspace = c
	h.mu.Unlock()
	return nil
}

// SetFPS changes the scene fps.
func (h *Headless) SetFPS(fps float64) {
	h.mu.Lock()
	h.settings.FPS = fps
	h.mu.Unlock()
}

// AddNode adds a node without an id.
func (h *Headless) AddNode(name string) {
	h.mu.Lock()
	h.nodes = append(h.nodes, Node{Name: name})
	h.mu.Unlock()
}

// Nodes returns a copy of the scene nodes.
func (h *Headless) Nodes() []Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Node(nil), h.nodes...)
}

// AssignNodeIDs implements Capabilities. Existing ids are kept.
func (h *Headless) AssignNodeIDs() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	assigned := 0
	for idx := range h.nodes {
		if h.nodes[idx].ID == "" {
			h.nodes[idx].ID = uuid.NewString()
			assigned++
		}
	}
	return assigned, nil
}

// MapDirectory implements Capabilities.
func (h *Headless) MapDirectory(src, dst string) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
		return fmt.Errorf("host: dirmap needs source and destination")
	}
	h.mu.Lock()
	h.dirmap[src] = dst
	h.mu.Unlock()
	return nil
}

// ResolvePath rewrites path through the longest matching dirmap source.
func (h *Headless) ResolvePath(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sources := make([]string, 0, len(h.dirmap))
	for src := range h.dirmap {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return len(sources[i]) > len(sources[j]) })
	for _, src := range sources {
		if strings.HasPrefix(path, src) {
			return h.dirmap[src] + strings.TrimPrefix(path, src)
		}
	}
	return path
}

// SceneSettings implements Capabilities.
func (h *Headless) SceneSettings() (SceneSettings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings, nil
}

// SaveFile implements Capabilities: the scene is written as JSON and path
// becomes the current file.
func (h *Headless) SaveFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("host: save path is required")
	}
	h.mu.Lock()
	scene := headlessScene{Settings: h.settings, Nodes: append([]Node(nil), h.nodes...)}
	h.mu.Unlock()
	data, err := json.MarshalIndent(scene, "", "  ")
	if err != nil {
		return fmt.Errorf("host: encode scene: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("host: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("host: save %s: %w", path, err)
	}
	h.SetCurrentFile(path)
	return nil
}

// OpenFile loads a scene written by SaveFile.
func (h *Headless) OpenFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("host: open %s: %w", path, err)
	}
	var scene headlessScene
	if err := json.Unmarshal(data, &scene); err != nil {
		return fmt.Errorf("host: decode %s: %w", path, err)
	}
	h.mu.Lock()
	h.settings = scene.Settings
	h.nodes = scene.Nodes
	h.currentFile = path
	h.mu.Unlock()
	return nil
}
