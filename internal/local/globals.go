// Package local implements the client-side cache: the mutation queue,
// document overlays, the remote document cache, per-target bookkeeping, LRU
// garbage collection and the transactional store orchestrating them.
package local

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// Global counters and watermarks, stored one key each in the globals table.
const (
	globalHighestBatchID        = "highest_batch_id"
	globalHighestAckedBatchID   = "highest_acknowledged_batch_id"
	globalHighestTargetID       = "highest_target_id"
	globalHighestSequenceNumber = "highest_sequence_number"
	globalLastSnapshotVersion   = "last_remote_snapshot_version"
	globalLastStreamToken       = "last_stream_token"
)

func getGlobalInt(tx persistence.Tx, key string) (int64, error) {
	raw, ok, err := tx.Get(persistence.TableGlobals, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt global %q: %w", key, err)
	}
	return n, nil
}

func setGlobalInt(tx persistence.Tx, key string, n int64) error {
	return tx.Put(persistence.TableGlobals, key, []byte(strconv.FormatInt(n, 10)))
}

func getGlobalVersion(tx persistence.Tx, key string) (model.SnapshotVersion, error) {
	raw, ok, err := tx.Get(persistence.TableGlobals, key)
	if err != nil || !ok {
		return model.MinSnapshotVersion, err
	}
	var v model.SnapshotVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.MinSnapshotVersion, fmt.Errorf("corrupt global %q: %w", key, err)
	}
	return v, nil
}

func setGlobalVersion(tx persistence.Tx, key string, v model.SnapshotVersion) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(persistence.TableGlobals, key, raw)
}

// LastRemoteSnapshotVersion returns the stored high-water snapshot version.
func LastRemoteSnapshotVersion(tx persistence.Tx) (model.SnapshotVersion, error) {
	return getGlobalVersion(tx, globalLastSnapshotVersion)
}

// LastStreamToken returns the persisted write-stream token.
func LastStreamToken(tx persistence.Tx) ([]byte, error) {
	raw, _, err := tx.Get(persistence.TableGlobals, globalLastStreamToken)
	return raw, err
}

// SetLastStreamToken persists the write-stream token issued by the server.
func SetLastStreamToken(tx persistence.Tx, token []byte) error {
	return tx.Put(persistence.TableGlobals, globalLastStreamToken, token)
}

// orderedID renders an int64 so lexicographic and numeric order agree.
func orderedID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func parseOrderedID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
