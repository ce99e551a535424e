package registry

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// ParseVersion parses a semantic-version-like string. A leading "v" and
// missing minor or patch components are accepted ("v2", "1.4").
func ParseVersion(s string) (*semver.Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty version", ErrInvalidVersion)
	}

	core, rest := trimmed, ""
	if i := strings.IndexAny(trimmed, "-+"); i >= 0 {
		core, rest = trimmed[:i], trimmed[i:]
	}
	switch strings.Count(core, ".") {
	case 0:
		core += ".0.0"
	case 1:
		core += ".0"
	}

	v, err := semver.NewVersion(core + rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
	}
	return v, nil
}
