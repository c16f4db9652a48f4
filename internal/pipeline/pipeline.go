package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/quiver-graph/quiver/internal/analyzer"
	"github.com/quiver-graph/quiver/internal/builder"
	"github.com/quiver-graph/quiver/internal/enrich"
	"github.com/quiver-graph/quiver/internal/storage"
)

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// Result summarizes a pipeline run.
type Result struct {
	Files         int `json:"files"`
	ParseFailures int `json:"parse_failures"`
	Nodes         int `json:"nodes"`
	Edges         int `json:"edges"`

	// PropagatedEdges counts REJECTS edges added by enrichment.
	PropagatedEdges int  `json:"propagated_edges"`
	Converged       bool `json:"converged"`
	Iterations      int  `json:"iterations"`

	DurationSecs float64 `json:"duration_secs"`
}

// ParseFailure records one file the analyzer could not process. The rest
// of the batch is unaffected.
type ParseFailure struct {
	RelPath string
	Err     error
}

// Pipeline runs the analyze-build-enrich sequence over a source tree.
type Pipeline struct {
	store    storage.Backend
	analyzer *analyzer.Analyzer
	builder  *builder.Builder
	workers  int

	mu       sync.Mutex
	failures []ParseFailure
}

// New creates a Pipeline over the given backend.
func New(store storage.Backend) *Pipeline {
	return &Pipeline{
		store:    store,
		analyzer: analyzer.New(),
		builder:  builder.New(store),
		workers:  runtime.NumCPU(),
	}
}

// Failures returns the parse failures of the most recent run.
func (p *Pipeline) Failures() []ParseFailure {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ParseFailure, len(p.failures))
	copy(out, p.failures)
	return out
}

// Run walks root and processes every supported file, then runs the
// rejection propagation pass. Analysis is parallel across files; graph
// writes are serialized per file so edge buffering stays ordered.
func (p *Pipeline) Run(ctx context.Context, root string, progress ProgressCallback) (*Result, error) {
	start := time.Now()
	report := func(phase string, v float64) {
		if progress != nil {
			progress(phase, v)
		}
	}

	report("Walking files", 0.0)
	patterns, _ := LoadGitignore(root)
	entries, err := WalkRoot(root, patterns)
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	report("Walking files", 1.0)

	res, err := p.processEntries(ctx, entries, report)
	if err != nil {
		return nil, err
	}

	report("Propagating rejections", 0.0)
	enrichRes, err := enrich.NewRejectionPropagation(p.store).Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("rejection propagation: %w", err)
	}
	report("Propagating rejections", 1.0)

	res.PropagatedEdges = enrichRes.EdgesCreated
	res.Converged = enrichRes.Converged
	res.Iterations = enrichRes.Iterations
	res.DurationSecs = time.Since(start).Seconds()
	return res, nil
}

// ReanalyzeFiles runs the file-local stages for the given entries without
// a full walk, used by the watcher. Old nodes for each file are removed
// first so renamed or deleted declarations do not linger; deleted names
// paths whose graph entries should be dropped entirely.
func (p *Pipeline) ReanalyzeFiles(ctx context.Context, entries []FileEntry, deleted []string) (*Result, error) {
	for _, relPath := range deleted {
		if _, err := p.store.RemoveFile(ctx, relPath); err != nil {
			return nil, fmt.Errorf("removing deleted file %s: %w", relPath, err)
		}
	}

	res, err := p.processEntries(ctx, entries, func(string, float64) {})
	if err != nil {
		return nil, err
	}

	enrichRes, err := enrich.NewRejectionPropagation(p.store).Run(ctx)
	if err != nil {
		return nil, err
	}
	res.PropagatedEdges = enrichRes.EdgesCreated
	res.Converged = enrichRes.Converged
	res.Iterations = enrichRes.Iterations
	return res, nil
}

func (p *Pipeline) processEntries(ctx context.Context, entries []FileEntry, report ProgressCallback) (*Result, error) {
	res := &Result{Files: len(entries)}

	p.mu.Lock()
	p.failures = nil
	p.mu.Unlock()

	report("Analyzing", 0.0)
	analyses := p.analyzeAll(ctx, entries)
	report("Analyzing", 1.0)

	report("Building graph", 0.0)
	for i, fa := range analyses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fa == nil {
			continue
		}
		if _, err := p.store.RemoveFile(ctx, fa.FilePath); err != nil {
			return nil, fmt.Errorf("removing stale nodes for %s: %w", fa.FilePath, err)
		}
		fileRes, err := p.builder.BuildFile(ctx, fa)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", fa.FilePath, err)
		}
		res.Nodes += fileRes.NodesAdded
		res.Edges += fileRes.EdgesAdded
		report("Building graph", float64(i+1)/float64(len(analyses)))
	}
	report("Building graph", 1.0)

	p.mu.Lock()
	res.ParseFailures = len(p.failures)
	p.mu.Unlock()
	return res, nil
}

// analyzeAll fans entries out over a worker pool. The result slice is
// positionally aligned with entries; failed files leave a nil slot and a
// recorded failure.
func (p *Pipeline) analyzeAll(ctx context.Context, entries []FileEntry) []*analyzer.FileAnalysis {
	analyses := make([]*analyzer.FileAnalysis, len(entries))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				entry := entries[i]
				fa, err := p.analyzer.Analyze(ctx, entry.Content, entry.RelPath)
				if err != nil {
					p.mu.Lock()
					p.failures = append(p.failures, ParseFailure{RelPath: entry.RelPath, Err: err})
					p.mu.Unlock()
					continue
				}
				analyses[i] = fa
			}
		}()
	}

	for i := range entries {
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return analyses
		}
	}
	close(jobs)
	wg.Wait()
	return analyses
}
