package model

// TargetPurpose records why a target exists, which controls how its results
// feed back into the cache.
type TargetPurpose int

const (
	// PurposeListen is a user-requested live query.
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-runs a query whose existence filter
	// disagreed with the local key count.
	PurposeExistenceFilterMismatch
	// PurposeLimboResolution resolves one limbo document.
	PurposeLimboResolution
)

// TargetData is the per-target bookkeeping persisted by the target cache.
type TargetData struct {
	Query           Query           `json:"query"`
	TargetID        int64           `json:"targetId"`
	Purpose         TargetPurpose   `json:"purpose"`
	SequenceNumber  int64           `json:"sequenceNumber"`
	SnapshotVersion SnapshotVersion `json:"snapshotVersion,omitzero"`
	ResumeToken     []byte          `json:"resumeToken,omitempty"`
	// ExpectedCount is the server's last declared key count for the target,
	// -1 when unknown. Only meaningful while ResumeToken is valid.
	ExpectedCount int64 `json:"expectedCount"`
}

// NewTargetData builds bookkeeping for a freshly allocated target.
func NewTargetData(q Query, targetID int64, purpose TargetPurpose, sequenceNumber int64) TargetData {
	return TargetData{
		Query:          q,
		TargetID:       targetID,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
		ExpectedCount:  -1,
	}
}

// WithResumeToken returns a copy carrying a new resume point. Advancing the
// resume point invalidates any previously reported expected count.
func (t TargetData) WithResumeToken(token []byte, version SnapshotVersion) TargetData {
	t.ResumeToken = token
	t.SnapshotVersion = version
	t.ExpectedCount = -1
	return t
}

// WithSequenceNumber restamps the target's GC sequence number.
func (t TargetData) WithSequenceNumber(n int64) TargetData {
	t.SequenceNumber = n
	return t
}

// WithExpectedCount records the server-declared key count.
func (t TargetData) WithExpectedCount(n int64) TargetData {
	t.ExpectedCount = n
	return t
}
