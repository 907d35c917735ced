package sonar

import (
	"fmt"
	"strings"
)

// ResolveProps picks the effective analysis property blob: job override
// first, then project override, then the system default.
func ResolveProps(jobProps, projectProps, defaultProps string) string {
	for _, p := range []string{jobProps, projectProps, defaultProps} {
		if strings.TrimSpace(p) != "" {
			return p
		}
	}
	return ""
}

// ParseProps turns a property blob (key=value per line, # comments) into
// ordered pairs for -D flags. A line without '=' makes the whole blob
// invalid: a half-applied override would silently scan with the wrong
// settings.
func ParseProps(blob string) ([][2]string, error) {
	var out [][2]string
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("%w: bad property line %q", ErrConfigInvalid, line)
		}
		out = append(out, [2]string{key, strings.TrimSpace(value)})
	}
	return out, nil
}
