package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"stillpoint/internal/types"
)

// ArchiveResult reports one retention run.
type ArchiveResult struct {
	Archived int `json:"archived"`
	Removed  int `json:"removed"`
}

// DedupePruner removes dedupe records older than a cutoff. Satisfied by the
// guard repository.
type DedupePruner interface {
	DeleteDedupeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver retires old terminal queue items: each bounded batch is
// serialized to JSONL, zstd-compressed, stored as one archive bundle, and
// only then deleted. Stale dedupe records are pruned in the same run.
type Archiver struct {
	queue    QueueStore
	archives ArchiveStore
	dedupe   DedupePruner
	clock    types.Clock
	logger   types.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(queue QueueStore, archives ArchiveStore, dedupe DedupePruner, clock types.Clock, logger types.Logger) *Archiver {
	return &Archiver{
		queue:    queue,
		archives: archives,
		dedupe:   dedupe,
		clock:    clock,
		logger:   logger,
	}
}

// ArchiveTerminalBefore archives and deletes up to limit terminal items last
// touched before the cutoff. The archive write happens before the delete so
// a crash between the two duplicates data rather than losing it.
func (a *Archiver) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (*ArchiveResult, error) {
	items, err := a.queue.ListTerminalBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &ArchiveResult{}, nil
	}

	blob, err := compressJSONL(items)
	if err != nil {
		return nil, fmt.Errorf("compressing archive batch: %w", err)
	}

	key := fmt.Sprintf("queue_items/%s", a.clock.Now().Format("2006-01-02T15-04-05Z"))
	if err := a.archives.SaveArchive(ctx, key, blob, len(items)); err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	removed, err := a.queue.DeleteByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	if _, err := a.dedupe.DeleteDedupeBefore(ctx, cutoff); err != nil {
		// Dedupe records are only read inside their windows; stale rows are
		// harmless, so pruning failures do not fail the run.
		a.logger.Warn("failed to prune dedupe records", "error", err)
	}

	a.logger.Info("retention archive completed",
		"key", key,
		"archived", len(items),
		"removed", removed,
	)
	return &ArchiveResult{Archived: len(items), Removed: int(removed)}, nil
}

// compressJSONL serializes items to newline-delimited JSON and compresses
// the result with zstd.
func compressJSONL(items []*types.QueueItem) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			enc.Close()
			return nil, err
		}
		if _, err := enc.Write(append(line, '\n')); err != nil {
			enc.Close()
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
