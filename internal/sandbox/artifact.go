package sandbox

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// artifactName is the expected output naming convention.
const artifactName = "output.mp4"

// FindArtifact locates the produced video under outputDir and returns its
// path relative to outputDir. Preference order: a file named output.mp4,
// then any .mp4 (with a warning), then ErrArtifactNotFound.
func FindArtifact(outputDir string) (string, error) {
	var exact, fallback []string

	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		if d.Name() == artifactName {
			exact = append(exact, rel)
		} else {
			fallback = append(fallback, rel)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk output dir: %w", err)
	}

	sort.Strings(exact)
	sort.Strings(fallback)

	if len(exact) > 0 {
		return exact[0], nil
	}
	if len(fallback) > 0 {
		slog.Warn("no output.mp4 produced, falling back to first video file",
			"artifact", fallback[0])
		return fallback[0], nil
	}
	return "", ErrArtifactNotFound
}
