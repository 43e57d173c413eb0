package local

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// GCDisabled is the cache-size sentinel that turns collection off entirely.
const GCDisabled int64 = -1

// GCParams tunes the LRU garbage collector.
type GCParams struct {
	// MinBytesThreshold skips collection while the cache is smaller than
	// this; GCDisabled turns collection off.
	MinBytesThreshold int64
	// PercentileToCollect is the fraction of sequence numbers collected per
	// run, e.g. 10 for ten percent.
	PercentileToCollect int
	// MaxSequenceNumbersToCollect caps one run's work.
	MaxSequenceNumbersToCollect int
}

// DefaultGCParams mirrors the studied client: 100 MB threshold, 10th
// percentile, at most 1000 sequence numbers per run.
func DefaultGCParams() GCParams {
	return GCParams{
		MinBytesThreshold:           100 * 1024 * 1024,
		PercentileToCollect:         10,
		MaxSequenceNumbersToCollect: 1000,
	}
}

// GCResults reports what one collection run did.
type GCResults struct {
	DidRun           bool
	SequenceNumbers  int64
	TargetsRemoved   int
	DocumentsRemoved int
}

// ReferenceDelegate tracks which documents are potentially orphaned. A key
// is marked, stamped with the current listen sequence number, whenever the
// last thing pinning it lets go: a mutation acknowledged or rejected, a
// target released, a limbo resolution finished. The mark is an upper bound;
// the sweep re-checks real references before evicting.
type ReferenceDelegate struct {
	targets *TargetCache
	queue   *MutationQueue
}

// NewReferenceDelegate wires the delegate over the reference sources.
func NewReferenceDelegate(targets *TargetCache, queue *MutationQueue) *ReferenceDelegate {
	return &ReferenceDelegate{targets: targets, queue: queue}
}

// MarkPotentiallyOrphaned stamps the key with the sequence number.
func (d *ReferenceDelegate) MarkPotentiallyOrphaned(tx persistence.Tx, key model.DocumentKey, sequenceNumber int64) error {
	raw, err := json.Marshal(sequenceNumber)
	if err != nil {
		return err
	}
	return tx.Put(persistence.TableOrphaned, key.String(), raw)
}

// IsPinned reports whether the key is still referenced by a target or a
// pending mutation.
func (d *ReferenceDelegate) IsPinned(tx persistence.Tx, key model.DocumentKey) (bool, error) {
	if referenced, err := d.targets.AnyTargetReferences(tx, key); err != nil || referenced {
		return referenced, err
	}
	return d.queue.ContainsKey(tx, key)
}

// GarbageCollector bounds cache growth: it picks a sequence-number cutoff at
// a configured percentile and evicts targets and orphaned documents at or
// below it.
type GarbageCollector struct {
	params   GCParams
	delegate *ReferenceDelegate
	targets  *TargetCache
	remote   *RemoteDocumentCache
}

// NewGarbageCollector wires the collector.
func NewGarbageCollector(params GCParams, delegate *ReferenceDelegate, targets *TargetCache, remote *RemoteDocumentCache) *GarbageCollector {
	return &GarbageCollector{params: params, delegate: delegate, targets: targets, remote: remote}
}

// Collect runs one collection pass inside the caller's transaction.
// activeTargetIDs names targets with live listeners, which are never
// removed. cacheBytes is the current cache size, measured outside the
// transaction.
func (gc *GarbageCollector) Collect(tx persistence.Tx, activeTargetIDs map[int64]struct{}, cacheBytes int64) (GCResults, error) {
	if gc.params.MinBytesThreshold == GCDisabled {
		return GCResults{}, nil
	}
	if cacheBytes < gc.params.MinBytesThreshold {
		slog.Debug("Garbage collection skipped, cache under threshold",
			"cacheBytes", cacheBytes,
			"threshold", gc.params.MinBytesThreshold,
		)
		return GCResults{}, nil
	}

	count, err := gc.sequenceNumberCount(tx)
	if err != nil {
		return GCResults{}, err
	}
	n := int(int64(gc.params.PercentileToCollect) * count / 100)
	if n > gc.params.MaxSequenceNumbersToCollect {
		n = gc.params.MaxSequenceNumbersToCollect
	}
	if n == 0 {
		return GCResults{DidRun: true, SequenceNumbers: count}, nil
	}

	cutoff, err := gc.nthSmallestSequenceNumber(tx, n)
	if err != nil {
		return GCResults{}, err
	}

	targetsRemoved, err := gc.removeTargets(tx, cutoff, activeTargetIDs)
	if err != nil {
		return GCResults{}, err
	}
	docsRemoved, err := gc.removeOrphanedDocuments(tx, cutoff)
	if err != nil {
		return GCResults{}, err
	}

	slog.Info("Garbage collection finished",
		"sequenceNumbers", count,
		"cutoff", cutoff,
		"targetsRemoved", targetsRemoved,
		"documentsRemoved", docsRemoved,
	)
	return GCResults{
		DidRun:           true,
		SequenceNumbers:  count,
		TargetsRemoved:   targetsRemoved,
		DocumentsRemoved: docsRemoved,
	}, nil
}

// sequenceNumberCount counts one sequence number per target plus one per
// orphan mark.
func (gc *GarbageCollector) sequenceNumberCount(tx persistence.Tx) (int64, error) {
	count, err := gc.targets.TargetCount(tx)
	if err != nil {
		return 0, err
	}
	err = tx.Scan(persistence.TableOrphaned, "", func(string, []byte) bool {
		count++
		return true
	})
	return count, err
}

// maxHeap keeps the n smallest sequence numbers seen so far; its root is
// the candidate cutoff.
type maxHeap []int64

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// nthSmallestSequenceNumber streams every sequence number through a bounded
// max-heap: O(count log n) time, O(n) space, no full sort.
func (gc *GarbageCollector) nthSmallestSequenceNumber(tx persistence.Tx, n int) (int64, error) {
	h := make(maxHeap, 0, n)
	offer := func(seq int64) {
		if len(h) < n {
			heap.Push(&h, seq)
		} else if seq < h[0] {
			h[0] = seq
			heap.Fix(&h, 0)
		}
	}

	err := gc.targets.ForEachTarget(tx, func(data model.TargetData) bool {
		offer(data.SequenceNumber)
		return true
	})
	if err != nil {
		return 0, err
	}
	err = tx.Scan(persistence.TableOrphaned, "", func(k string, v []byte) bool {
		var seq int64
		if json.Unmarshal(v, &seq) == nil {
			offer(seq)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(h) == 0 {
		return 0, fmt.Errorf("no sequence numbers to collect")
	}
	return h[0], nil
}

func (gc *GarbageCollector) removeTargets(tx persistence.Tx, cutoff int64, active map[int64]struct{}) (int, error) {
	var toRemove []model.TargetData
	err := gc.targets.ForEachTarget(tx, func(data model.TargetData) bool {
		if data.SequenceNumber <= cutoff {
			if _, isActive := active[data.TargetID]; !isActive {
				toRemove = append(toRemove, data)
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, data := range toRemove {
		// Keys the target pinned become orphan candidates at the target's
		// own sequence number.
		keys, err := gc.targets.MatchingKeys(tx, data.TargetID)
		if err != nil {
			return 0, err
		}
		for key := range keys {
			if err := gc.delegate.MarkPotentiallyOrphaned(tx, key, data.SequenceNumber); err != nil {
				return 0, err
			}
		}
		if err := gc.targets.RemoveTarget(tx, data); err != nil {
			return 0, err
		}
	}
	return len(toRemove), nil
}

func (gc *GarbageCollector) removeOrphanedDocuments(tx persistence.Tx, cutoff int64) (int, error) {
	type mark struct {
		key model.DocumentKey
		seq int64
	}
	var candidates []mark
	err := tx.Scan(persistence.TableOrphaned, "", func(k string, v []byte) bool {
		var seq int64
		if json.Unmarshal(v, &seq) != nil {
			return true
		}
		if seq <= cutoff {
			if key, err := model.NewDocumentKey(k); err == nil {
				candidates = append(candidates, mark{key: key, seq: seq})
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	buffer := gc.remote.NewChangeBuffer()
	removed := 0
	for _, c := range candidates {
		pinned, err := gc.delegate.IsPinned(tx, c.key)
		if err != nil {
			return 0, err
		}
		if pinned {
			continue
		}
		buffer.RemoveEntry(c.key)
		if err := tx.Delete(persistence.TableOrphaned, c.key.String()); err != nil {
			return 0, err
		}
		removed++
	}
	if err := buffer.Apply(tx); err != nil {
		return 0, err
	}
	return removed, nil
}
