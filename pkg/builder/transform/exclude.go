package transform

import (
	"path/filepath"
	"strings"
)

// excluded checks if the slash separated path rel is covered by one of the exclude patterns.
// A pattern excludes the path itself, everything below it if it names a directory,
// and whatever it matches as a glob where ** spans any number of path segments.
func excluded(patterns []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, ptn := range patterns {
		ptn = strings.Trim(filepath.ToSlash(filepath.Clean(ptn)), "/")
		if ptn == "" || ptn == "." {
			continue
		}
		if rel == ptn || strings.HasPrefix(rel, ptn+"/") {
			return true
		}
		if m, _ := match(strings.Split(ptn, "/"), strings.Split(rel, "/")); m {
			return true
		}
	}
	return false
}

func match(patterns, paths []string) (bool, error) {
	var pathIndex int
	for patternIndex := 0; patternIndex < len(patterns); patternIndex++ {
		pattern := patterns[patternIndex]
		if pathIndex >= len(paths) {
			return false, nil
		}

		if pattern == "**" {
			if patternIndex == len(patterns)-1 {
				return true, nil
			}
			for pi := pathIndex; pi < len(paths); pi++ {
				m, err := match(patterns[patternIndex+1:], paths[pi:])
				if err != nil {
					return false, err
				}
				if m {
					return true, nil
				}
			}
			return false, nil
		}

		m, err := filepath.Match(pattern, paths[pathIndex])
		if err != nil {
			return false, err
		}
		if !m {
			return false, nil
		}
		pathIndex++
	}
	return pathIndex == len(paths), nil
}
