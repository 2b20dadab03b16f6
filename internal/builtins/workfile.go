package builtins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kingrea/pype/internal/publish"
)

var versionLabel = regexp.MustCompile(`(?i)[._]v(\d+)`)

// VersionUp returns the next free versioned path of path: the last "_v###"
// or ".v###" label is incremented keeping its padding and anything after it
// in the base name is dropped. Unversioned files get "_v001".
func VersionUp(path string) (string, error) {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	var next string
	if matches := versionLabel.FindAllStringSubmatchIndex(base, -1); len(matches) == 0 {
		next = base + "_v001"
	} else {
		last := matches[len(matches)-1]
		digits := base[last[2]:last[3]]
		n, err := strconv.Atoi(digits)
		if err != nil {
			return "", fmt.Errorf("version up %s: %w", path, err)
		}
		next = base[:last[2]] + fmt.Sprintf("%0*d", len(digits), n+1)
	}
	versioned := filepath.Join(dir, next+ext)
	if versioned == filepath.Clean(path) {
		return "", fmt.Errorf("version up %s: path did not change", path)
	}
	if _, err := os.Stat(versioned); err == nil {
		return VersionUp(versioned)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("version up %s: %w", path, err)
	}
	return versioned, nil
}

type saver interface {
	SaveFile(path string) error
}

// IncrementWorkfileVersion saves the scene as the next workfile version
// once everything else published successfully.
func IncrementWorkfileVersion() publish.Plugin {
	return publish.NewPlugin(publish.Spec{
		Name:     "IncrementWorkfileVersion",
		Label:    "Increment Workfile Version",
		Order:    publish.IntegratorOrder + 1,
		Optional: true,
	}, func(inv *publish.Invocation) error {
		if err := publish.Assertf(inv.Context.Succeeded(), "integration failed, not incrementing the workfile version"); err != nil {
			return err
		}
		current := inv.Context.String(publish.KeyCurrentFile)
		if current == "" {
			inv.Log.Debugf("no current file")
			return nil
		}
		host, ok := inv.Host.(saver)
		if !ok {
			return fmt.Errorf("host %s cannot save files", inv.HostName())
		}
		versioned, err := VersionUp(current)
		if err != nil {
			return err
		}
		if err := host.SaveFile(versioned); err != nil {
			return fmt.Errorf("save %s: %w", versioned, err)
		}
		inv.Context.Set(KeyWorkfileVersion, versioned)
		inv.Log.Infof("saved workfile as %s", versioned)
		return nil
	})
}
