package local

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// OverlayCache stores, per document, the single mutation equivalent to all
// still-pending batches touching it. Reads then cost one overlay apply
// instead of a full queue replay; the replay happens only when a batch is
// acknowledged or removed.
type OverlayCache struct{}

// NewOverlayCache creates the overlay accessor.
func NewOverlayCache() *OverlayCache {
	return &OverlayCache{}
}

func overlayBatchIndexKey(batchID int64, key model.DocumentKey) string {
	return orderedID(batchID) + "\x00" + key.String()
}

// Overlay returns the overlay for key, or nil when none is pending.
func (c *OverlayCache) Overlay(tx persistence.Tx, key model.DocumentKey) (*model.Overlay, error) {
	raw, ok, err := tx.Get(persistence.TableOverlays, key.String())
	if err != nil || !ok {
		return nil, err
	}
	var o model.Overlay
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("corrupt overlay for %s: %w", key, err)
	}
	return &o, nil
}

// Overlays returns the overlays for every key that has one.
func (c *OverlayCache) Overlays(tx persistence.Tx, keys model.DocumentKeySet) (map[model.DocumentKey]model.Overlay, error) {
	out := make(map[model.DocumentKey]model.Overlay, len(keys))
	for key := range keys {
		o, err := c.Overlay(tx, key)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[key] = *o
		}
	}
	return out, nil
}

// OverlaysForCollection returns overlays for documents directly under the
// collection path whose largest batch ID exceeds sinceBatchID.
func (c *OverlayCache) OverlaysForCollection(tx persistence.Tx, collectionPath string, sinceBatchID int64) (map[model.DocumentKey]model.Overlay, error) {
	out := make(map[model.DocumentKey]model.Overlay)
	var innerErr error
	err := tx.Scan(persistence.TableOverlays, collectionPath+"/", func(k string, v []byte) bool {
		key, err := model.NewDocumentKey(k)
		if err != nil || key.CollectionPath() != collectionPath {
			return true
		}
		var o model.Overlay
		if err := json.Unmarshal(v, &o); err != nil {
			innerErr = fmt.Errorf("corrupt overlay for %s: %w", k, err)
			return false
		}
		if o.LargestBatchID > sinceBatchID {
			out[key] = o
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, innerErr
}

// SaveOverlays replaces the overlays for the given keys. A nil mutation
// clears the key's overlay (its pending effect reduced to nothing).
func (c *OverlayCache) SaveOverlays(tx persistence.Tx, largestBatchID int64, overlays map[model.DocumentKey]*model.Mutation) error {
	for key, m := range overlays {
		if err := c.clearOverlay(tx, key); err != nil {
			return err
		}
		if m == nil {
			continue
		}
		raw, err := json.Marshal(model.Overlay{LargestBatchID: largestBatchID, Mutation: *m})
		if err != nil {
			return err
		}
		if err := tx.Put(persistence.TableOverlays, key.String(), raw); err != nil {
			return err
		}
		if err := tx.Put(persistence.TableOverlayBatches, overlayBatchIndexKey(largestBatchID, key), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlaysForBatchID clears every overlay whose largest contributing
// batch is batchID, returning the affected keys so the caller can recompute
// them from the remaining queue.
func (c *OverlayCache) RemoveOverlaysForBatchID(tx persistence.Tx, batchID int64) (model.DocumentKeySet, error) {
	prefix := orderedID(batchID) + "\x00"
	keys := model.NewDocumentKeySet()
	err := tx.Scan(persistence.TableOverlayBatches, prefix, func(k string, v []byte) bool {
		if key, err := model.NewDocumentKey(strings.TrimPrefix(k, prefix)); err == nil {
			keys.Add(key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for key := range keys {
		if err := c.clearOverlay(tx, key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (c *OverlayCache) clearOverlay(tx persistence.Tx, key model.DocumentKey) error {
	existing, err := c.Overlay(tx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := tx.Delete(persistence.TableOverlays, key.String()); err != nil {
		return err
	}
	return tx.Delete(persistence.TableOverlayBatches, overlayBatchIndexKey(existing.LargestBatchID, key))
}
