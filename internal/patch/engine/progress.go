package engine

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/opendap/dmrpatch/internal/logging"
)

// ProgressFileName is the run ledger: one JSON event per line.
const ProgressFileName = "progress.ndjson"

type progressLog struct {
	mu    sync.Mutex
	path  string
	runID string
	now   func() time.Time
}

// appendProgress records ev with a timestamp and the run id. Ledger write
// failures are logged and otherwise ignored.
func (p *progressLog) appendProgress(ev map[string]any) {
	if p == nil || p.path == "" {
		return
	}
	rec := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		rec[k] = v
	}
	rec["ts"] = p.now().UTC().Format(time.RFC3339Nano)
	rec["run_id"] = p.runID
	b, err := json.Marshal(rec)
	if err != nil {
		logging.Warn("progress", "encode event %v: %v", ev["event"], err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Warn("progress", "open %s: %v", p.path, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		logging.Warn("progress", "write %s: %v", p.path, err)
	}
}
