package host

import (
	"strings"

	"github.com/kingrea/pype/internal/config"
)

// ApplyDirmap registers each source/destination pair with the host in both
// directions. A pair without a destination ends processing; a pair the host
// rejects is logged and skipped. It returns how many pairs were mapped.
func ApplyDirmap(caps Capabilities, dirmap config.DirmapConfig, logger Logger) int {
	if !dirmap.Enabled || len(dirmap.Mappings) == 0 {
		return 0
	}
	logf(logger, "host: processing directory mapping")
	mapped := 0
	for _, pair := range dirmap.Mappings {
		src := strings.TrimSpace(pair.Source)
		dst := strings.TrimSpace(pair.Destination)
		if dst == "" {
			logf(logger, "host: invalid dirmap mapping for %s, missing corresponding destination directory", src)
			break
		}
		if err := caps.MapDirectory(src, dst); err != nil {
			logf(logger, "host: invalid path %s -> %s, mapping not registered: %v", src, dst, err)
			continue
		}
		if err := caps.MapDirectory(dst, src); err != nil {
			logf(logger, "host: invalid path %s -> %s, mapping not registered: %v", dst, src, err)
			continue
		}
		mapped++
	}
	return mapped
}
