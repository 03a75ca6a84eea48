package engine

import (
	"context"
	"fmt"

	"github.com/opendap/dmrpatch/internal/logging"
)

// BatchResult collects the per-file outcomes of a batch.
type BatchResult struct {
	Pairs   []Pair
	Files   []FileResult
	Aborted bool
}

// Failed returns the results that ended in StateFailed.
func (b BatchResult) Failed() []FileResult {
	var out []FileResult
	for _, r := range b.Files {
		if r.State == StateFailed {
			out = append(out, r)
		}
	}
	return out
}

// RunBatch patches every pair in dir. Pairing is checked for the whole
// directory before any file is touched. By default the batch stops at the
// first failed file; with KeepGoing it patches the remaining pairs and
// reports the failures at the end.
func (s *Session) RunBatch(ctx context.Context, dir string) (BatchResult, error) {
	var out BatchResult
	pairs, err := ScanInventory(dir, s.cfg)
	if err != nil {
		return out, err
	}
	out.Pairs = pairs
	logging.Info("batch", "%d pair(s) in %s", len(pairs), dir)
	s.progress.appendProgress(map[string]any{"event": "batch_started", "dir": dir, "pairs": len(pairs)})

	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			out.Aborted = true
			return out, fmt.Errorf("batch interrupted after %d of %d files: %w", i, len(pairs), context.Cause(ctx))
		}
		res := s.PatchFile(ctx, p)
		out.Files = append(out.Files, res)
		if res.State != StateFailed {
			continue
		}
		if !s.opts.KeepGoing {
			out.Aborted = len(out.Files) < len(pairs)
			return out, res.Err
		}
	}

	failed := out.Failed()
	s.progress.appendProgress(map[string]any{"event": "batch_finished", "files": len(out.Files), "failed": len(failed)})
	switch len(failed) {
	case 0:
		return out, nil
	case 1:
		return out, failed[0].Err
	default:
		return out, fmt.Errorf("%d of %d files failed", len(failed), len(pairs))
	}
}
