package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill is one prompt snippet loaded from a markdown file.
type Skill struct {
	Name    string // file name without the .md extension
	Path    string
	Content string
}

// Loader reads skill files from directories, caching content by mtime so
// repeated loads (every agent run rebuilds its system prompt) stay cheap.
type Loader struct {
	cache  *Cache
	logger *slog.Logger
}

// NewLoader creates a loader. logger may be nil.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cache:  NewCache(),
		logger: logger.With("component", "skills"),
	}
}

// LoadDir returns the skills in dir, sorted by file name. Only regular .md
// files are considered; hidden files and subdirectories are skipped. A missing
// directory yields an empty result, not an error. Unreadable individual files
// are logged and skipped so one bad file cannot take out the whole set.
func (l *Loader) LoadDir(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir %s: %w", dir, err)
	}

	seen := make(map[string]bool, len(entries))
	var loaded []Skill
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".md") {
			continue
		}

		path := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			l.logger.Warn("Failed to stat skill file", "path", path, "error", err)
			continue
		}

		content, ok := l.cache.Get(path, info)
		if !ok {
			raw, err := os.ReadFile(path)
			if err != nil {
				l.logger.Warn("Failed to read skill file", "path", path, "error", err)
				continue
			}
			content = string(raw)
			l.cache.Set(path, content, info)
		}

		seen[path] = true
		loaded = append(loaded, Skill{
			Name:    strings.TrimSuffix(name, filepath.Ext(name)),
			Path:    path,
			Content: content,
		})
	}

	l.cache.PruneDir(dir, seen)
	return loaded, nil
}

// Render joins skills into a single system prompt section.
// Returns "" when no skills are loaded.
func Render(loaded []Skill) string {
	if len(loaded) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("# Skills")
	for _, s := range loaded {
		sb.WriteString("\n\n## ")
		sb.WriteString(s.Name)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(s.Content))
	}
	return sb.String()
}

// Names returns the skill names in load order.
func Names(loaded []Skill) []string {
	names := make([]string, len(loaded))
	for i, s := range loaded {
		names[i] = s.Name
	}
	return names
}

// Diff reports which skill names appear only in after (added) and only in
// before (removed). Both results are sorted.
func Diff(before, after []Skill) (added, removed []string) {
	prev := make(map[string]bool, len(before))
	for _, s := range before {
		prev[s.Name] = true
	}
	next := make(map[string]bool, len(after))
	for _, s := range after {
		next[s.Name] = true
	}

	for name := range next {
		if !prev[name] {
			added = append(added, name)
		}
	}
	for name := range prev {
		if !next[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
