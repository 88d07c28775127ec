package emulator

import (
	"fmt"
	"os"
	"strings"
)

// loadProps reads a line-oriented key=value file. Blank lines and lines
// starting with '#' are skipped.
func loadProps(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load properties from %s: %w", path, err)
	}

	props := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 1 {
			continue
		}
		props[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	return props, nil
}
