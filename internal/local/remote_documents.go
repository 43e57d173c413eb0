package local

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
	"github.com/docdrift/docdrift/internal/util"
)

// RemoteDocumentCache holds the last server-confirmed state per document
// plus the time it was read. An LRU layer sits in front of the persistent
// table; writes go through a change buffer so one transaction's updates land
// atomically.
type RemoteDocumentCache struct {
	reads *util.Cache[model.DocumentKey, model.Document]
}

// NewRemoteDocumentCache creates the cache with an in-memory read-through
// layer of the given entry count.
func NewRemoteDocumentCache(readCacheSize int) (*RemoteDocumentCache, error) {
	reads, err := util.NewCache[model.DocumentKey, model.Document](readCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create read cache: %w", err)
	}
	return &RemoteDocumentCache{reads: reads}, nil
}

// readTimeIndexKey orders documents of one collection by read time, letting
// scans skip everything at or before a known offset.
func readTimeIndexKey(key model.DocumentKey, readTime model.SnapshotVersion) string {
	return key.CollectionPath() + "\x00" + fmt.Sprintf("%020d", readTime.Time().UnixNano()) + "\x00" + key.ID()
}

// Entry returns the confirmed document for key, or the Invalid variant when
// nothing is known.
func (c *RemoteDocumentCache) Entry(tx persistence.Tx, key model.DocumentKey) (model.Document, error) {
	if doc, ok := c.reads.Get(key); ok {
		return doc.Clone(), nil
	}
	raw, ok, err := tx.Get(persistence.TableRemoteDocuments, key.String())
	if err != nil {
		return model.Document{}, err
	}
	if !ok {
		return model.InvalidDoc(key), nil
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Document{}, fmt.Errorf("corrupt document %s: %w", key, err)
	}
	c.reads.Set(key, doc.Clone())
	return doc, nil
}

// Entries returns the confirmed documents for every key, Invalid included.
func (c *RemoteDocumentCache) Entries(tx persistence.Tx, keys model.DocumentKeySet) (map[model.DocumentKey]model.Document, error) {
	out := make(map[model.DocumentKey]model.Document, len(keys))
	for key := range keys {
		doc, err := c.Entry(tx, key)
		if err != nil {
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// DocumentsMatchingQuery returns the Found documents of the query's
// collection read after offset, plus the number of documents it had to load
// and examine to find them. Collection-group queries scan all collections
// with the group's ID.
func (c *RemoteDocumentCache) DocumentsMatchingQuery(tx persistence.Tx, q model.Query, offset model.SnapshotVersion) (map[model.DocumentKey]model.Document, int, error) {
	out := make(map[model.DocumentKey]model.Document)
	scanned := 0
	var innerErr error

	collect := func(key model.DocumentKey) bool {
		doc, err := c.Entry(tx, key)
		if err != nil {
			innerErr = err
			return false
		}
		scanned++
		if doc.ReadTime.Compare(offset) <= 0 && !offset.IsZero() {
			return true
		}
		if q.Matches(doc) {
			out[key] = doc
		}
		return true
	}

	if q.CollectionGroup != "" {
		// No per-collection prefix applies; walk the whole table and filter.
		err := tx.Scan(persistence.TableRemoteDocuments, "", func(k string, v []byte) bool {
			key, err := model.NewDocumentKey(k)
			if err != nil || key.CollectionGroup() != q.CollectionGroup {
				return true
			}
			return collect(key)
		})
		if err != nil {
			return nil, 0, err
		}
		return out, scanned, innerErr
	}

	// Collection query: use the read-time index so documents at or before
	// the offset are skipped without loading them.
	prefix := q.Path + "\x00"
	start := prefix
	if !offset.IsZero() {
		start = prefix + fmt.Sprintf("%020d", offset.Time().UnixNano())
	}
	err := tx.Scan(persistence.TableDocumentReadTime, prefix, func(k string, v []byte) bool {
		if k < start {
			return true
		}
		rest := strings.TrimPrefix(k, prefix)
		i := strings.Index(rest, "\x00")
		if i < 0 {
			return true
		}
		key, err := model.NewDocumentKey(q.Path + "/" + rest[i+1:])
		if err != nil {
			return true
		}
		doc, err := c.Entry(tx, key)
		if err != nil {
			innerErr = err
			return false
		}
		scanned++
		if !offset.IsZero() && doc.ReadTime.Compare(offset) <= 0 {
			return true
		}
		if q.Matches(doc) {
			out[key] = doc
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	return out, scanned, innerErr
}

// NewChangeBuffer stages document writes for one transaction.
func (c *RemoteDocumentCache) NewChangeBuffer() *ChangeBuffer {
	return &ChangeBuffer{
		cache:   c,
		changes: make(map[model.DocumentKey]model.Document),
	}
}

// ChangeBuffer collects document updates and applies them atomically. Reads
// through the buffer observe its staged state.
type ChangeBuffer struct {
	cache   *RemoteDocumentCache
	changes map[model.DocumentKey]model.Document
	applied bool
}

// AddEntry stages a document state read at readTime.
func (b *ChangeBuffer) AddEntry(doc model.Document, readTime model.SnapshotVersion) {
	b.assertNotApplied()
	b.changes[doc.Key] = doc.WithReadTime(readTime)
}

// RemoveEntry stages a document removal (a confirmed deletion with no
// retained tombstone, used by GC).
func (b *ChangeBuffer) RemoveEntry(key model.DocumentKey) {
	b.assertNotApplied()
	b.changes[key] = model.InvalidDoc(key)
}

// Entry reads through the buffer.
func (b *ChangeBuffer) Entry(tx persistence.Tx, key model.DocumentKey) (model.Document, error) {
	if doc, ok := b.changes[key]; ok {
		return doc.Clone(), nil
	}
	return b.cache.Entry(tx, key)
}

// Entries reads through the buffer for a set of keys.
func (b *ChangeBuffer) Entries(tx persistence.Tx, keys model.DocumentKeySet) (map[model.DocumentKey]model.Document, error) {
	out := make(map[model.DocumentKey]model.Document, len(keys))
	for key := range keys {
		doc, err := b.Entry(tx, key)
		if err != nil {
			return nil, err
		}
		out[key] = doc
	}
	return out, nil
}

// Apply writes the staged changes. The buffer must not be reused.
func (b *ChangeBuffer) Apply(tx persistence.Tx) error {
	b.assertNotApplied()
	b.applied = true

	for key, doc := range b.changes {
		// Drop the stale read-time index row, if any.
		prev, err := b.cache.Entry(tx, key)
		if err != nil {
			return err
		}
		if prev.IsValid() {
			if err := tx.Delete(persistence.TableDocumentReadTime, readTimeIndexKey(key, prev.ReadTime)); err != nil {
				return err
			}
		}
		b.cache.reads.Remove(key)

		if !doc.IsValid() {
			if err := tx.Delete(persistence.TableRemoteDocuments, key.String()); err != nil {
				return err
			}
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := tx.Put(persistence.TableRemoteDocuments, key.String(), raw); err != nil {
			return err
		}
		if err := tx.Put(persistence.TableDocumentReadTime, readTimeIndexKey(key, doc.ReadTime), nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *ChangeBuffer) assertNotApplied() {
	if b.applied {
		panic("change buffer used after apply")
	}
}
