package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// batchWindow is how long the watcher waits after the last event before
// re-analyzing, so editor save bursts collapse into one run.
const batchWindow = 2 * time.Second

// Watcher monitors a source tree and re-analyzes changed files through
// the coordinator.
type Watcher struct {
	root  string
	coord *Coordinator

	// OnBatch, when set, is called after each processed batch.
	OnBatch func(files int, res *Result)
}

// NewWatcher creates a Watcher over root.
func NewWatcher(root string, coord *Coordinator) *Watcher {
	return &Watcher{root: root, coord: coord}
}

// Watch blocks until the context is cancelled, re-analyzing batches of
// changed files as they settle. Deleted files are removed from the graph.
func (w *Watcher) Watch(ctx context.Context) error {
	patterns, _ := LoadGitignore(w.root)
	allPatterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		allPatterns = append(allPatterns, gitignore.ParsePattern(p, nil))
	}
	allPatterns = append(allPatterns, patterns...)
	matcher := gitignore.NewMatcher(allPatterns)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	err = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if shouldSkipDir(info.Name(), path, w.root, matcher) {
				return filepath.SkipDir
			}
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	changed := make(map[string]bool)
	batchTimer := time.NewTimer(batchWindow)
	batchTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// New directories need to be added to the watch set.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !shouldSkipDir(info.Name(), event.Name, w.root, matcher) {
						_ = fsw.Add(event.Name)
					}
					continue
				}
			}
			if !w.shouldTrack(event.Name, matcher) {
				continue
			}
			relPath, err := filepath.Rel(w.root, event.Name)
			if err != nil {
				continue
			}
			changed[filepath.ToSlash(relPath)] = true
			batchTimer.Reset(batchWindow)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			batch := changed
			changed = make(map[string]bool)
			if err := w.processBatch(ctx, batch); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "error processing changes: %v\n", err)
			}
		}
	}
}

// processBatch reads the surviving files of a batch and hands both them
// and the deleted paths to the coordinator, which owns all graph writes.
func (w *Watcher) processBatch(ctx context.Context, batch map[string]bool) error {
	entries := make([]FileEntry, 0, len(batch))
	var deleted []string
	for relPath := range batch {
		absPath := filepath.Join(w.root, filepath.FromSlash(relPath))

		info, err := os.Stat(absPath)
		if os.IsNotExist(err) {
			deleted = append(deleted, relPath)
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}

		content, err := os.ReadFile(absPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading %s: %v\n", relPath, err)
			continue
		}
		hash := sha256.Sum256(content)
		entries = append(entries, FileEntry{
			Path:    absPath,
			RelPath: relPath,
			Content: content,
			SHA256:  hex.EncodeToString(hash[:]),
		})
	}

	if len(entries) == 0 && len(deleted) == 0 {
		return nil
	}

	res, err := w.coord.ReanalyzeFiles(ctx, entries, deleted)
	if err != nil {
		return err
	}
	if w.OnBatch != nil {
		w.OnBatch(len(entries), res)
	}
	return nil
}

func (w *Watcher) shouldTrack(path string, matcher gitignore.Matcher) bool {
	if !isSupportedFile(path) {
		return false
	}
	relPath, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return !matcher.Match(strings.Split(relPath, string(filepath.Separator)), false)
}
