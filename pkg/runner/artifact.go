package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrArtifactNotFound means the tool reported success but left no output
var ErrArtifactNotFound = errors.New("output not found")

// partial files the fetcher may leave next to the real artifact
var tempSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

func isTempArtifact(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(lower, suffix) || strings.Contains(lower, suffix+"-frag") {
			return true
		}
	}
	return false
}

// findArtifact returns the newest regular file in dir whose name contains jobID
func findArtifact(dir, jobID string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrArtifactNotFound, err)
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.Contains(name, jobID) || isTempArtifact(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = name
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", ErrArtifactNotFound
	}
	return filepath.Join(dir, newest), nil
}

// artifactSize confirms path is a regular file and returns its size
func artifactSize(path string) (int64, error) {
	if path == "" {
		return 0, ErrArtifactNotFound
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrArtifactNotFound
		}
		return 0, fmt.Errorf("stat output: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, ErrArtifactNotFound
	}
	return info.Size(), nil
}
