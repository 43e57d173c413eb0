package local

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// TargetCache persists per-target bookkeeping plus the bidirectional
// (target, key) association index. Documents and targets never reference
// each other directly; membership lives only in these index rows, so GC can
// answer "does any target still reference this key" with one prefix scan.
type TargetCache struct{}

// NewTargetCache creates the target accessor.
func NewTargetCache() *TargetCache {
	return &TargetCache{}
}

func targetKeyRow(targetID int64, key model.DocumentKey) string {
	return orderedID(targetID) + "\x00" + key.String()
}

func keyTargetRow(key model.DocumentKey, targetID int64) string {
	return key.String() + "\x00" + orderedID(targetID)
}

// AllocateTargetID returns the next target ID. Even IDs are reserved so
// limbo-resolution targets (odd) can never collide with query targets.
func (c *TargetCache) AllocateTargetID(tx persistence.Tx) (int64, error) {
	highest, err := getGlobalInt(tx, globalHighestTargetID)
	if err != nil {
		return 0, err
	}
	next := highest + 2
	if err := setGlobalInt(tx, globalHighestTargetID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// AddTarget persists bookkeeping for a newly allocated target.
func (c *TargetCache) AddTarget(tx persistence.Tx, data model.TargetData) error {
	return c.UpdateTarget(tx, data)
}

// UpdateTarget replaces a target's persisted bookkeeping.
func (c *TargetCache) UpdateTarget(tx persistence.Tx, data model.TargetData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := tx.Put(persistence.TableTargets, orderedID(data.TargetID), raw); err != nil {
		return err
	}
	return tx.Put(persistence.TableTargetQueries, data.Query.CanonicalID(), []byte(orderedID(data.TargetID)))
}

// RemoveTarget deletes a target and all of its key associations.
func (c *TargetCache) RemoveTarget(tx persistence.Tx, data model.TargetData) error {
	if err := c.RemoveAllKeysForTarget(tx, data.TargetID); err != nil {
		return err
	}
	if err := tx.Delete(persistence.TableTargets, orderedID(data.TargetID)); err != nil {
		return err
	}
	return tx.Delete(persistence.TableTargetQueries, data.Query.CanonicalID())
}

// Target returns the bookkeeping for targetID, or nil.
func (c *TargetCache) Target(tx persistence.Tx, targetID int64) (*model.TargetData, error) {
	raw, ok, err := tx.Get(persistence.TableTargets, orderedID(targetID))
	if err != nil || !ok {
		return nil, err
	}
	var data model.TargetData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("corrupt target %d: %w", targetID, err)
	}
	return &data, nil
}

// TargetForQuery returns the target allocated for a canonical query, or nil.
func (c *TargetCache) TargetForQuery(tx persistence.Tx, q model.Query) (*model.TargetData, error) {
	raw, ok, err := tx.Get(persistence.TableTargetQueries, q.CanonicalID())
	if err != nil || !ok {
		return nil, err
	}
	id, err := parseOrderedID(string(raw))
	if err != nil {
		return nil, fmt.Errorf("corrupt target mapping for %q: %w", q.CanonicalID(), err)
	}
	return c.Target(tx, id)
}

// ForEachTarget visits every persisted target.
func (c *TargetCache) ForEachTarget(tx persistence.Tx, fn func(model.TargetData) bool) error {
	var innerErr error
	err := tx.Scan(persistence.TableTargets, "", func(k string, v []byte) bool {
		var data model.TargetData
		if err := json.Unmarshal(v, &data); err != nil {
			innerErr = fmt.Errorf("corrupt target %s: %w", k, err)
			return false
		}
		return fn(data)
	})
	if err != nil {
		return err
	}
	return innerErr
}

// TargetCount returns the number of persisted targets.
func (c *TargetCache) TargetCount(tx persistence.Tx) (int64, error) {
	var n int64
	err := tx.Scan(persistence.TableTargets, "", func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}

// AddMatchingKeys associates keys with a target.
func (c *TargetCache) AddMatchingKeys(tx persistence.Tx, keys model.DocumentKeySet, targetID int64) error {
	for key := range keys {
		if err := tx.Put(persistence.TableTargetKeys, targetKeyRow(targetID, key), nil); err != nil {
			return err
		}
		if err := tx.Put(persistence.TableKeyTargets, keyTargetRow(key, targetID), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMatchingKeys removes key associations from a target.
func (c *TargetCache) RemoveMatchingKeys(tx persistence.Tx, keys model.DocumentKeySet, targetID int64) error {
	for key := range keys {
		if err := tx.Delete(persistence.TableTargetKeys, targetKeyRow(targetID, key)); err != nil {
			return err
		}
		if err := tx.Delete(persistence.TableKeyTargets, keyTargetRow(key, targetID)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllKeysForTarget drops every association of one target, returning
// the keys that were associated.
func (c *TargetCache) RemoveAllKeysForTarget(tx persistence.Tx, targetID int64) error {
	keys, err := c.MatchingKeys(tx, targetID)
	if err != nil {
		return err
	}
	return c.RemoveMatchingKeys(tx, keys, targetID)
}

// MatchingKeys returns the keys currently associated with a target.
func (c *TargetCache) MatchingKeys(tx persistence.Tx, targetID int64) (model.DocumentKeySet, error) {
	prefix := orderedID(targetID) + "\x00"
	keys := model.NewDocumentKeySet()
	err := tx.Scan(persistence.TableTargetKeys, prefix, func(k string, v []byte) bool {
		if key, err := model.NewDocumentKey(strings.TrimPrefix(k, prefix)); err == nil {
			keys.Add(key)
		}
		return true
	})
	return keys, err
}

// AnyTargetReferences reports whether any target still includes the key.
func (c *TargetCache) AnyTargetReferences(tx persistence.Tx, key model.DocumentKey) (bool, error) {
	found := false
	err := tx.Scan(persistence.TableKeyTargets, key.String()+"\x00", func(string, []byte) bool {
		found = true
		return false
	})
	return found, err
}
