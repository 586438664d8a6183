package blob

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// Expand resolves the given paths relative to root and returns the regular files they name, sorted.
// Paths can contain glob patterns, including "doublestar" patterns (such as `**/*.mp4`).
// Patterns without a match and paths that are not regular files are logged and skipped.
func Expand(root string, logger log.Logger, patterns ...string) ([]string, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var files []string
	add := func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			path := pattern
			if !filepath.IsAbs(path) {
				path = filepath.Join(absRoot, path)
			}
			if !statFile(path) {
				logger.Warnf("Not a regular file, skipping: %s", pattern)
				continue
			}
			add(path)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(absRoot), pattern, doublestar.WithFilesOnly())
		if err != nil {
			logger.Warnf("Error in pattern '%s': %s", pattern, err)
			continue
		}
		if len(matches) == 0 {
			logger.Warnf("No match for pattern: %s", pattern)
			continue
		}
		for _, match := range matches {
			add(filepath.Join(absRoot, filepath.FromSlash(match)))
		}
	}

	sort.Strings(files)
	logger.Debugf("Files to upload:")
	for _, path := range files {
		logger.Debugf("- %s", path)
	}

	return files, nil
}
