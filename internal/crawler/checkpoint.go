package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riftwalk/crawlkit/internal/kvstore"
)

const checkpointKey = "crawler_runtime_checkpoint"

// checkpointData is the runtime's own serializable bookkeeping: a timestamp
// and the handled-request counter. The session pool and request list are
// persisted through their own Persist methods, and the queue is not
// snapshotted at all (its state lives in its backend). Statistics are
// persisted separately under their own
// SDK_CRAWLER_STATISTICS_<id> key (spec §6) rather than folded in here, so
// they can be restored independently of the handled-count bookkeeping.
type checkpointData struct {
	Timestamp  time.Time `json:"timestamp"`
	HandledCnt int64     `json:"handled_count"`
}

// statisticsKey returns this runtime's SDK_CRAWLER_STATISTICS_<id> key,
// keyed by the stable crawl id (not the per-process owner token, which
// changes on every restart and would orphan the persisted record).
func (r *Runtime) statisticsKey() string {
	id := r.opts.CrawlID
	if id == "" {
		id = "default"
	}
	return kvstore.StatisticsKeyPrefix + id
}

// Checkpoint persists the runtime's statistics, handled-request counter,
// and (via their own Persist methods) the session pool and request list, so
// a crawl can be resumed after a restart. The queue backend is assumed to
// already be durable (its own AddRequest/UpdateRequest calls are
// synchronous), so only the Runtime's own bookkeeping needs a snapshot.
func (r *Runtime) Checkpoint(ctx context.Context) error {
	if r.kv == nil {
		return fmt.Errorf("crawler runtime: no kv store configured for checkpointing")
	}

	r.handledMu.Lock()
	handled := r.handledCount
	r.handledMu.Unlock()

	data := checkpointData{
		Timestamp:  time.Now(),
		HandledCnt: handled,
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := r.kv.Set(ctx, checkpointKey, blob); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	statsBlob, err := json.Marshal(r.stats.ExportSnapshot())
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	if err := r.kv.Set(ctx, r.statisticsKey(), statsBlob); err != nil {
		return fmt.Errorf("write statistics: %w", err)
	}

	if r.sessionPool != nil {
		if err := r.sessionPool.Persist(ctx); err != nil {
			r.logger.Warn("checkpoint: session pool persist failed", "err", err)
		}
	}
	if r.list != nil {
		if err := r.list.Persist(ctx); err != nil {
			r.logger.Warn("checkpoint: request list persist failed", "err", err)
		}
	}

	return nil
}

// Restore reloads the runtime's handled-request counter and Statistics from
// the last Checkpoint, so counters are resurrected across a restart instead
// of silently resetting to zero. The session pool and request list, when
// present, are restored through their own Restore methods.
func (r *Runtime) Restore(ctx context.Context) error {
	if r.sessionPool != nil {
		if err := r.sessionPool.Restore(ctx); err != nil {
			return err
		}
	}
	if r.list != nil {
		if err := r.list.Restore(ctx); err != nil {
			return err
		}
	}
	if r.kv == nil {
		return nil
	}

	blob, ok, err := r.kv.Get(ctx, checkpointKey)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if ok {
		var data checkpointData
		if err := json.Unmarshal(blob, &data); err != nil {
			return fmt.Errorf("decode checkpoint: %w", err)
		}

		r.handledMu.Lock()
		r.handledCount = data.HandledCnt
		r.handledMu.Unlock()
	}

	statsBlob, ok, err := r.kv.Get(ctx, r.statisticsKey())
	if err != nil {
		return fmt.Errorf("read statistics: %w", err)
	}
	if ok {
		var snap StatisticsSnapshot
		if err := json.Unmarshal(statsBlob, &snap); err != nil {
			return fmt.Errorf("decode statistics: %w", err)
		}
		r.stats.LoadSnapshot(snap)
	}

	return nil
}
