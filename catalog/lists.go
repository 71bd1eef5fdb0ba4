// Package catalog assembles the set of cached training items for a session:
// it reads descriptor list files, verifies item integrity and checks that the
// items were cached for the configured training resolution range.
package catalog

import (
	"bufio"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListSuffix is the file suffix of descriptor list files.
const ListSuffix = ".list"

// Sources names where descriptor lists come from.
type Sources struct {
	Dirs  []string // scanned recursively for *.list files
	Lists []string // explicit list files
}

// FindListFiles recursively searches root for files ending with suffix.
func FindListFiles(root string, suffix string) ([]string, error) {
	if suffix == "" {
		panic("suffix must not be empty")
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// ResolveLists returns every list file named by src. Explicit lists that do
// not exist are logged and skipped.
func ResolveLists(src Sources, logger *slog.Logger) ([]string, error) {
	var lists []string
	for _, l := range src.Lists {
		if _, err := os.Stat(l); err != nil {
			logger.Warn("dataset list not found", "list", l, "error", err)
			continue
		}
		lists = append(lists, l)
	}

	for _, dir := range src.Dirs {
		found, err := FindListFiles(dir, ListSuffix)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		lists = append(lists, found...)
	}

	for _, l := range lists {
		logger.Debug("found dataset list", "list", l)
	}
	return lists, nil
}

// ReadPathList reads a newline-delimited list of paths. Lines are trimmed,
// empty lines dropped and duplicates removed; order of first occurrence is kept.
func ReadPathList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// WritePathList writes paths one per line, replacing the file atomically.
func WritePathList(path string, paths []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	for _, p := range paths {
		w.WriteString(p)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadLists merges every list into a deduplicated, sorted set of descriptor paths.
func ReadLists(lists []string, logger *slog.Logger) ([]string, error) {
	seen := make(map[string]struct{})
	for _, l := range lists {
		paths, err := ReadPathList(l)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			seen[p] = struct{}{}
		}
		logger.Info("processed dataset list", "list", l, "entries", len(paths))
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
