// Package pipeline drives analysis over a source tree: walking files,
// analyzing them in parallel, building the graph, and running the
// enrichment passes. A coordinator serializes concurrent analysis
// triggers, and a watcher re-runs the file-local stages on change.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// FileEntry is one source file picked up by the walker.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the analyzed root, slash-separated.
	// Node IDs embed it, so it must be stable across runs.
	RelPath string

	// Content is the file content.
	Content []byte

	// SHA256 is the hex hash of the content, used for change detection.
	SHA256 string
}

// supportedExtensions are the JavaScript/TypeScript file types the
// analyzer handles.
var supportedExtensions = map[string]bool{
	".js":  true,
	".jsx": true,
	".mjs": true,
	".cjs": true,
	".ts":  true,
	".mts": true,
	".cts": true,
	".tsx": true,
}

// Default patterns to ignore (in addition to .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	".quiver/",
	"dist/",
	"build/",
	"coverage/",
	"*.min.js",
	"*.d.ts",
	".DS_Store",
	"Thumbs.db",
}

// WalkRoot walks the tree under root and returns every supported file
// that is not excluded by the default patterns or the given gitignore
// patterns.
func WalkRoot(root string, patterns []gitignore.Pattern) ([]FileEntry, error) {
	allPatterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		allPatterns = append(allPatterns, gitignore.ParsePattern(p, nil))
	}
	allPatterns = append(allPatterns, patterns...)
	matcher := gitignore.NewMatcher(allPatterns)

	var entries []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if shouldSkipDir(d.Name(), path, root, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !isSupportedFile(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matcher.Match(splitPath(relPath), false) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hash := sha256.Sum256(content)

		entries = append(entries, FileEntry{
			Path:    path,
			RelPath: filepath.ToSlash(relPath),
			Content: content,
			SHA256:  hex.EncodeToString(hash[:]),
		})
		return nil
	})

	return entries, err
}

// LoadGitignore loads .gitignore patterns from the analyzed root. A
// missing file is not an error.
func LoadGitignore(root string) ([]gitignore.Pattern, error) {
	gitignorePath := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(gitignorePath)
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}

func isSupportedFile(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

func shouldSkipDir(name, path, root string, matcher gitignore.Matcher) bool {
	if name == ".git" {
		return true
	}
	relPath, err := filepath.Rel(root, path)
	if err != nil || relPath == "." {
		return false
	}
	return matcher.Match(splitPath(relPath), true)
}

func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
