package local

import (
	"log/slog"
	"sort"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

// ScanPolicy decides when a query's scan cost justifies asking the index
// manager for an on-demand index. It is adaptive tuning, never correctness:
// results are identical either way.
type ScanPolicy interface {
	ShouldCreateIndex(scanned, returned int) bool
}

// ThresholdScanPolicy requests an index once the scanned-to-returned ratio
// exceeds Ratio and at least MinScanned documents were touched.
type ThresholdScanPolicy struct {
	MinScanned int
	Ratio      float64
}

// DefaultScanPolicy mirrors the studied client's constants: two scanned
// documents per result, at least 100 scanned.
func DefaultScanPolicy() ThresholdScanPolicy {
	return ThresholdScanPolicy{MinScanned: 100, Ratio: 2.0}
}

// ShouldCreateIndex implements ScanPolicy.
func (p ThresholdScanPolicy) ShouldCreateIndex(scanned, returned int) bool {
	if scanned < p.MinScanned {
		return false
	}
	if returned == 0 {
		return scanned >= p.MinScanned
	}
	return float64(scanned)/float64(returned) > p.Ratio
}

// QueryEngine executes queries against the local cache, choosing the
// cheapest strategy: a single-document lookup, an index-backed lookup, or a
// full collection scan bounded by the last known read-time offset.
type QueryEngine struct {
	docs   *LocalDocumentsView
	index  IndexManager
	policy ScanPolicy
}

// NewQueryEngine wires the engine.
func NewQueryEngine(docs *LocalDocumentsView, index IndexManager, policy ScanPolicy) *QueryEngine {
	if policy == nil {
		policy = DefaultScanPolicy()
	}
	return &QueryEngine{docs: docs, index: index, policy: policy}
}

// Execute runs the query and returns matching documents in query order with
// the limit applied. previousResults and offset come from the target cache
// when the query has run before: previously matching keys are fetched
// directly and the scan covers only documents read after the offset.
func (e *QueryEngine) Execute(tx persistence.Tx, q model.Query, previousResults model.DocumentKeySet, offset model.SnapshotVersion) ([]model.Document, error) {
	// 1. Single-document shortcut.
	if q.IsDocumentQuery() {
		doc, err := e.docs.Document(tx, q.DocumentKey())
		if err != nil {
			return nil, err
		}
		if doc.IsFound() {
			return []model.Document{doc}, nil
		}
		return nil, nil
	}

	// 2. Index-backed lookup.
	if keys, ok, err := e.index.DocumentsMatchingTarget(tx, q); err != nil {
		return nil, err
	} else if ok {
		docs, err := e.docs.Documents(tx, keys)
		if err != nil {
			return nil, err
		}
		matches := make(map[model.DocumentKey]model.Document, len(docs))
		for key, doc := range docs {
			if q.Matches(doc) {
				matches[key] = doc
			}
		}
		return e.sortAndLimit(q, matches), nil
	}

	// 3. Bounded scan, seeded with the previous result set.
	matches := make(map[model.DocumentKey]model.Document)
	if len(previousResults) > 0 {
		prev, err := e.docs.Documents(tx, previousResults)
		if err != nil {
			return nil, err
		}
		for key, doc := range prev {
			if q.Matches(doc) {
				matches[key] = doc
			}
		}
	} else {
		// Nothing known about the query yet: scan everything.
		offset = model.MinSnapshotVersion
	}

	scannedDocs, scanned, err := e.docs.DocumentsMatchingQuery(tx, q, offset)
	if err != nil {
		return nil, err
	}
	for key, doc := range scannedDocs {
		matches[key] = doc
	}

	if e.policy.ShouldCreateIndex(scanned, len(matches)) {
		slog.Debug("Query scan exceeded policy, requesting index",
			"query", q.CanonicalID(),
			"scanned", scanned,
			"returned", len(matches),
		)
		if err := e.index.CreateTargetIndex(tx, q, keySetOf(matches)); err != nil {
			return nil, err
		}
	}

	return e.sortAndLimit(q, matches), nil
}

func (e *QueryEngine) sortAndLimit(q model.Query, matches map[model.DocumentKey]model.Document) []model.Document {
	out := make([]model.Document, 0, len(matches))
	for _, doc := range matches {
		out = append(out, doc)
	}
	cmp := q.Comparator()
	sort.Slice(out, func(i, j int) bool { return cmp(out[i], out[j]) < 0 })
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
