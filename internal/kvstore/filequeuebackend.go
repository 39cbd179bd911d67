package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/riftwalk/crawlkit/internal/types"
)

// FileQueueBackend is the durable-across-restarts QueueBackend (spec §6.2's
// "remote implementations are equivalent if they honor the semantics
// above"): it delegates all logic to an in-memory MemQueueBackend and
// rewrites a full snapshot after every add, update, lock release and
// delete, using the same temp-file-then-rename pattern as FileKVStore so a
// crash never leaves a half-written file behind. No fsync is issued, and
// lock grants and prolongations (ListAndLockHead, ProlongRequestLock) are
// not persisted.
type FileQueueBackend struct {
	*MemQueueBackend
	path string
}

type fileQueueSnapshot struct {
	Entries  map[string]*QueueEntry
	Dedup    map[string]string
	NextTail int64
	NextHead int64
}

// NewFileQueueBackend opens (or creates) a file-backed queue backend at
// path, restoring any prior snapshot found there.
func NewFileQueueBackend(path string) (*FileQueueBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	b := &FileQueueBackend{MemQueueBackend: NewMemQueueBackend(), path: path}
	if err := b.load(); err != nil {
		return nil, fmt.Errorf("restore queue snapshot: %w", err)
	}
	return b, nil
}

func (b *FileQueueBackend) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileQueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	b.MemQueueBackend.mu.Lock()
	defer b.MemQueueBackend.mu.Unlock()
	if snap.Entries != nil {
		b.MemQueueBackend.entries = snap.Entries
	}
	if snap.Dedup != nil {
		b.MemQueueBackend.dedup = snap.Dedup
	}
	if snap.NextTail != 0 {
		b.MemQueueBackend.nextTail = snap.NextTail
	}
	if snap.NextHead != 0 {
		b.MemQueueBackend.nextHead = snap.NextHead
	}
	return nil
}

func (b *FileQueueBackend) persist() error {
	b.MemQueueBackend.mu.Lock()
	snap := fileQueueSnapshot{
		Entries:  b.MemQueueBackend.entries,
		Dedup:    b.MemQueueBackend.dedup,
		NextTail: b.MemQueueBackend.nextTail,
		NextHead: b.MemQueueBackend.nextHead,
	}
	data, err := json.Marshal(snap)
	b.MemQueueBackend.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *FileQueueBackend) AddRequest(ctx context.Context, req *types.Request, forefront bool) (AddResult, error) {
	res, err := b.MemQueueBackend.AddRequest(ctx, req, forefront)
	if err != nil {
		return res, err
	}
	return res, b.persist()
}

func (b *FileQueueBackend) BatchAddRequests(ctx context.Context, reqs []*types.Request, forefront bool) ([]AddResult, error) {
	res, err := b.MemQueueBackend.BatchAddRequests(ctx, reqs, forefront)
	if err != nil {
		return res, err
	}
	return res, b.persist()
}

func (b *FileQueueBackend) UpdateRequest(ctx context.Context, id, owner string, fields UpdateFields) error {
	if err := b.MemQueueBackend.UpdateRequest(ctx, id, owner, fields); err != nil {
		return err
	}
	return b.persist()
}

func (b *FileQueueBackend) DeleteRequestLock(ctx context.Context, id, owner string, forefront bool) error {
	if err := b.MemQueueBackend.DeleteRequestLock(ctx, id, owner, forefront); err != nil {
		return err
	}
	return b.persist()
}

func (b *FileQueueBackend) DeleteRequest(ctx context.Context, id string) error {
	if err := b.MemQueueBackend.DeleteRequest(ctx, id); err != nil {
		return err
	}
	return b.persist()
}
