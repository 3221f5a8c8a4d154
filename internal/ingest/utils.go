package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/neuroscan/constants"
)

// AllowedFile reports whether name has a supported volume extension.
func AllowedFile(name string) bool {
	return constants.VolumeExt(name) != ""
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// safeName strips directories and characters that do not belong in a
// storage key, keeping the volume extension intact.
func safeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "scan.nii"
	}
	return out
}
