package model

import (
	"testing"
	"time"
)

var (
	testKey   = MustKey("users/alice")
	writeTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
)

func foundTestDoc(fields map[string]Value) Document {
	return FoundDoc(testKey, SnapshotVersionFromTime(time.Unix(100, 0)), NewObjectValue(fields))
}

func TestSetMutationLocalView(t *testing.T) {
	doc := InvalidDoc(testKey)
	m := NewSetMutation(testKey, NewObjectValue(map[string]Value{"name": StringValue("alice")}))

	mask := m.ApplyToLocalView(&doc, FieldMask{}, writeTime)
	if mask != nil {
		t.Errorf("Set must produce a nil (all-fields) mask, got %v", mask)
	}
	if !doc.IsFound() || doc.State != HasLocalMutations {
		t.Errorf("Unexpected doc after set: %v", doc)
	}
	if v, _ := doc.Data.Field(MustFieldPath("name")); v.Str != "alice" {
		t.Error("Set did not write field")
	}
}

func TestPatchMutationLocalView(t *testing.T) {
	doc := foundTestDoc(map[string]Value{"name": StringValue("alice"), "age": IntegerValue(30)})
	patch := NewPatchMutation(testKey,
		NewObjectValue(map[string]Value{"age": IntegerValue(31)}),
		FieldMask{MustFieldPath("age"), MustFieldPath("gone")})

	mask := patch.ApplyToLocalView(&doc, FieldMask{}, writeTime)
	if v, _ := doc.Data.Field(MustFieldPath("age")); v.Int != 31 {
		t.Error("Patch did not update masked field")
	}
	if v, _ := doc.Data.Field(MustFieldPath("name")); v.Str != "alice" {
		t.Error("Patch touched an unmasked field")
	}
	if _, ok := doc.Data.Field(MustFieldPath("gone")); ok {
		t.Error("Masked path without value must delete the field")
	}
	if !mask.Covers(MustFieldPath("age")) {
		t.Errorf("Mask must accumulate patched fields, got %v", mask)
	}
}

func TestPatchMutationSkipsMissingDocument(t *testing.T) {
	doc := InvalidDoc(testKey)
	patch := NewPatchMutation(testKey, NewObjectValue(map[string]Value{"a": IntegerValue(1)}), FieldMask{MustFieldPath("a")})

	patch.ApplyToLocalView(&doc, FieldMask{}, writeTime)
	if doc.IsValid() {
		t.Error("Patch with exists precondition must not apply to a missing document")
	}
}

func TestDeleteMutationLocalView(t *testing.T) {
	doc := foundTestDoc(map[string]Value{"name": StringValue("alice")})
	del := NewDeleteMutation(testKey)

	mask := del.ApplyToLocalView(&doc, FieldMask{}, writeTime)
	if mask != nil {
		t.Error("Delete must produce a nil mask")
	}
	if !doc.IsNoDocument() || doc.State != HasLocalMutations {
		t.Errorf("Unexpected doc after delete: %v", doc)
	}
}

func TestTransformsLocalEstimates(t *testing.T) {
	doc := foundTestDoc(map[string]Value{
		"count": IntegerValue(1),
		"tags":  ArrayValue(StringValue("a")),
	})
	m := NewPatchMutation(testKey, EmptyObjectValue(), FieldMask{},
		Increment(MustFieldPath("count"), IntegerValue(2)),
		ArrayUnion(MustFieldPath("tags"), StringValue("a"), StringValue("b")),
		ArrayRemove(MustFieldPath("tags"), StringValue("a")),
		ServerTimestamp(MustFieldPath("updatedAt")),
	)

	m.ApplyToLocalView(&doc, FieldMask{}, writeTime)

	if v, _ := doc.Data.Field(MustFieldPath("count")); v.Int != 3 {
		t.Errorf("Increment estimate = %v, want 3", v.Int)
	}
	tags, _ := doc.Data.Field(MustFieldPath("tags"))
	if len(tags.Array) != 1 || tags.Array[0].Str != "b" {
		t.Errorf("Array transforms produced %v, want [b]", tags.Array)
	}
	if v, _ := doc.Data.Field(MustFieldPath("updatedAt")); !v.Time.Equal(writeTime) {
		t.Error("Server timestamp estimate must use the local write time")
	}
}

func TestIncrementOnNonNumericResets(t *testing.T) {
	doc := foundTestDoc(map[string]Value{"count": StringValue("oops")})
	m := NewPatchMutation(testKey, EmptyObjectValue(), FieldMask{},
		Increment(MustFieldPath("count"), IntegerValue(5)))
	m.ApplyToLocalView(&doc, FieldMask{}, writeTime)
	if v, _ := doc.Data.Field(MustFieldPath("count")); v.Int != 5 {
		t.Errorf("Increment over non-numeric = %v, want operand 5", v)
	}
}

func TestApplyToRemoteDocumentUsesServerResults(t *testing.T) {
	doc := foundTestDoc(map[string]Value{"count": IntegerValue(1)})
	commit := SnapshotVersionFromTime(time.Unix(200, 0))
	m := NewPatchMutation(testKey, EmptyObjectValue(), FieldMask{},
		Increment(MustFieldPath("count"), IntegerValue(1)))

	// The server says the result is 7 regardless of the local estimate.
	m.ApplyToRemoteDocument(&doc, MutationResult{
		Version:          commit,
		TransformResults: []Value{IntegerValue(7)},
	})

	if v, _ := doc.Data.Field(MustFieldPath("count")); v.Int != 7 {
		t.Errorf("Remote apply = %v, want authoritative 7", v.Int)
	}
	if doc.State != HasCommittedMutations {
		t.Error("Acknowledged mutation must leave HasCommittedMutations")
	}
	if doc.Version.Compare(commit) != 0 {
		t.Error("Version must advance to the commit version")
	}
}

func TestApplyToRemoteDocumentStalePrecondition(t *testing.T) {
	doc := InvalidDoc(testKey)
	commit := SnapshotVersionFromTime(time.Unix(200, 0))
	patch := NewPatchMutation(testKey, NewObjectValue(map[string]Value{"a": IntegerValue(1)}), FieldMask{MustFieldPath("a")})

	patch.ApplyToRemoteDocument(&doc, MutationResult{Version: commit})
	if !doc.IsUnknown() {
		t.Errorf("Committed patch over unknown base must yield UnknownDocument, got %v", doc)
	}
}

// Overlay fold property: the overlay of a batch sequence equals replaying the
// still-pending batches over the confirmed remote document.
func TestCalculateOverlayMutation(t *testing.T) {
	base := foundTestDoc(map[string]Value{"a": IntegerValue(1)})

	batches := []MutationBatch{
		{ID: 1, LocalWriteTime: writeTime, Mutations: []Mutation{
			NewPatchMutation(testKey, NewObjectValue(map[string]Value{"b": IntegerValue(2)}), FieldMask{MustFieldPath("b")}),
		}},
		{ID: 2, LocalWriteTime: writeTime, Mutations: []Mutation{
			NewPatchMutation(testKey, NewObjectValue(map[string]Value{"a": IntegerValue(9)}), FieldMask{MustFieldPath("a")}),
		}},
	}

	doc := base.Clone()
	mask := FieldMask{}
	for _, b := range batches {
		mask = b.ApplyToLocalView(&doc, mask)
	}

	overlay, ok := CalculateOverlayMutation(doc, mask)
	if !ok {
		t.Fatal("Expected an overlay")
	}
	if overlay.Kind != PatchMutation {
		t.Fatalf("Two patches must reduce to a patch overlay, got kind %d", overlay.Kind)
	}

	// Applying the single overlay to the base must equal the full replay.
	folded := base.Clone()
	overlay.ApplyToLocalView(&folded, FieldMask{}, writeTime)
	if !folded.Data.Equal(doc.Data) {
		t.Errorf("Overlay result %v differs from replay result %v", folded.Data, doc.Data)
	}
}

func TestCalculateOverlayMutationSetAndDelete(t *testing.T) {
	doc := foundTestDoc(map[string]Value{"a": IntegerValue(1)})
	set := NewSetMutation(testKey, NewObjectValue(map[string]Value{"x": IntegerValue(1)}))
	mask := set.ApplyToLocalView(&doc, FieldMask{}, writeTime)
	overlay, ok := CalculateOverlayMutation(doc, mask)
	if !ok || overlay.Kind != SetMutation {
		t.Errorf("Set replay must reduce to a set overlay, got %v ok=%v", overlay.Kind, ok)
	}

	del := NewDeleteMutation(testKey)
	mask = del.ApplyToLocalView(&doc, mask, writeTime)
	overlay, ok = CalculateOverlayMutation(doc, mask)
	if !ok || overlay.Kind != DeleteMutation {
		t.Errorf("Trailing delete must reduce to a delete overlay, got %v ok=%v", overlay.Kind, ok)
	}
}

func TestCalculateOverlayMutationNoPendingWrites(t *testing.T) {
	doc := foundTestDoc(nil)
	if _, ok := CalculateOverlayMutation(doc, FieldMask{}); ok {
		t.Error("Synced document must not produce an overlay")
	}
}

func TestPreconditions(t *testing.T) {
	found := foundTestDoc(nil)
	missing := InvalidDoc(testKey)

	if !(Precondition{}).IsValidFor(missing) {
		t.Error("None precondition must always hold")
	}
	if !PreconditionExists(true).IsValidFor(found) || PreconditionExists(true).IsValidFor(missing) {
		t.Error("Exists precondition misbehaved")
	}
	if !PreconditionUpdateTime(found.Version).IsValidFor(found) {
		t.Error("Matching update time must hold")
	}
	other := SnapshotVersionFromTime(time.Unix(999, 0))
	if PreconditionUpdateTime(other).IsValidFor(found) {
		t.Error("Mismatched update time must fail")
	}
}
