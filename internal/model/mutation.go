package model

import (
	"fmt"
	"time"
)

// Precondition gates whether a mutation applies to a document. The zero
// value imposes no condition.
type Precondition struct {
	Exists     *bool            `json:"exists,omitempty"`
	UpdateTime *SnapshotVersion `json:"updateTime,omitempty"`
}

// PreconditionExists requires the document to exist (or not).
func PreconditionExists(exists bool) Precondition {
	return Precondition{Exists: &exists}
}

// PreconditionUpdateTime requires the document's version to match exactly.
func PreconditionUpdateTime(v SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &v}
}

// IsNone reports whether the precondition imposes no condition.
func (p Precondition) IsNone() bool {
	return p.Exists == nil && p.UpdateTime == nil
}

// IsValidFor evaluates the precondition against the local view of a
// document.
func (p Precondition) IsValidFor(doc Document) bool {
	switch {
	case p.UpdateTime != nil:
		return doc.IsFound() && doc.Version.Compare(*p.UpdateTime) == 0
	case p.Exists != nil:
		return doc.IsFound() == *p.Exists
	default:
		return true
	}
}

// TransformKind discriminates field transforms.
type TransformKind int

const (
	// ServerTimestampTransform writes the server commit time.
	ServerTimestampTransform TransformKind = iota
	// ArrayUnionTransform appends elements not already present.
	ArrayUnionTransform
	// ArrayRemoveTransform removes all occurrences of elements.
	ArrayRemoveTransform
	// IncrementTransform adds a numeric operand to the current value.
	IncrementTransform
)

// FieldTransform is a server-side computation over one field. Its true
// result is authoritative only from the server response; local application
// computes an estimate.
type FieldTransform struct {
	Path     FieldPath     `json:"path"`
	Kind     TransformKind `json:"kind"`
	Elements []Value       `json:"elements,omitempty"`
	Operand  Value         `json:"operand,omitzero"`
}

// ServerTimestamp builds a server-timestamp transform for a field.
func ServerTimestamp(path FieldPath) FieldTransform {
	return FieldTransform{Path: path, Kind: ServerTimestampTransform}
}

// ArrayUnion builds an array-union transform.
func ArrayUnion(path FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Path: path, Kind: ArrayUnionTransform, Elements: elements}
}

// ArrayRemove builds an array-remove transform.
func ArrayRemove(path FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Path: path, Kind: ArrayRemoveTransform, Elements: elements}
}

// Increment builds a numeric increment transform.
func Increment(path FieldPath, operand Value) FieldTransform {
	return FieldTransform{Path: path, Kind: IncrementTransform, Operand: operand}
}

// localResult estimates the transform outcome before the server confirms,
// using the value currently in the local view.
func (t FieldTransform) localResult(previous Value, exists bool, localWriteTime time.Time) Value {
	switch t.Kind {
	case ServerTimestampTransform:
		return TimestampValue(localWriteTime)
	case ArrayUnionTransform:
		return applyArrayUnion(previous, exists, t.Elements)
	case ArrayRemoveTransform:
		return applyArrayRemove(previous, exists, t.Elements)
	case IncrementTransform:
		return applyIncrement(previous, exists, t.Operand)
	default:
		panic(fmt.Sprintf("unknown transform kind %d", t.Kind))
	}
}

func applyArrayUnion(previous Value, exists bool, elements []Value) Value {
	var out []Value
	if exists && previous.Kind == ArrayKind {
		out = append(out, previous.Array...)
	}
	for _, e := range elements {
		found := false
		for _, have := range out {
			if ValuesEqual(have, e) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return ArrayValue(out...)
}

func applyArrayRemove(previous Value, exists bool, elements []Value) Value {
	var out []Value
	if exists && previous.Kind == ArrayKind {
		for _, have := range previous.Array {
			drop := false
			for _, e := range elements {
				if ValuesEqual(have, e) {
					drop = true
					break
				}
			}
			if !drop {
				out = append(out, have)
			}
		}
	}
	return ArrayValue(out...)
}

func applyIncrement(previous Value, exists bool, operand Value) Value {
	if !exists || !previous.IsNumber() {
		// Non-numeric base resets to the operand.
		return operand
	}
	if previous.Kind == IntegerKind && operand.Kind == IntegerKind {
		return IntegerValue(previous.Int + operand.Int)
	}
	return DoubleValue(previous.numeric() + operand.numeric())
}

// MutationKind discriminates the mutation variants.
type MutationKind int

const (
	// SetMutation replaces the whole document.
	SetMutation MutationKind = iota
	// PatchMutation updates the fields named by its mask.
	PatchMutation
	// DeleteMutation removes the document.
	DeleteMutation
	// VerifyMutation asserts a precondition without changing anything.
	VerifyMutation
)

// Mutation is one pending write against one document.
type Mutation struct {
	Kind         MutationKind     `json:"kind"`
	Key          DocumentKey      `json:"key"`
	Value        ObjectValue      `json:"value,omitzero"`
	Mask         FieldMask        `json:"mask,omitempty"`
	Transforms   []FieldTransform `json:"transforms,omitempty"`
	Precondition Precondition     `json:"precondition,omitzero"`
}

// NewSetMutation replaces the document with value.
func NewSetMutation(key DocumentKey, value ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: SetMutation, Key: key, Value: value, Transforms: transforms}
}

// NewPatchMutation updates the masked fields. The default precondition
// requires the document to exist.
func NewPatchMutation(key DocumentKey, value ObjectValue, mask FieldMask, transforms ...FieldTransform) Mutation {
	return Mutation{
		Kind: PatchMutation, Key: key, Value: value, Mask: mask,
		Transforms: transforms, Precondition: PreconditionExists(true),
	}
}

// NewDeleteMutation removes the document.
func NewDeleteMutation(key DocumentKey) Mutation {
	return Mutation{Kind: DeleteMutation, Key: key, Value: EmptyObjectValue()}
}

// NewVerifyMutation asserts the precondition only.
func NewVerifyMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: VerifyMutation, Key: key, Value: EmptyObjectValue(), Precondition: precondition}
}

// MutationResult is the server's per-mutation response.
type MutationResult struct {
	Version          SnapshotVersion `json:"version"`
	TransformResults []Value         `json:"transformResults,omitempty"`
}

// ApplyToRemoteDocument applies the acknowledged mutation to the last known
// remote state using the server's authoritative transform results. The
// document becomes HasCommittedMutations until the watch stream observes the
// write.
func (m Mutation) ApplyToRemoteDocument(doc *Document, result MutationResult) {
	if doc.Key != m.Key {
		panic(fmt.Sprintf("mutation for %s applied to document %s", m.Key, doc.Key))
	}
	switch m.Kind {
	case SetMutation:
		data := m.Value.Clone()
		setTransformResults(&data, m.Transforms, result.TransformResults)
		*doc = FoundDoc(m.Key, result.Version, data).WithCommittedMutations()
	case PatchMutation:
		if !m.Precondition.IsValidFor(*doc) {
			// The server committed past a locally-stale precondition; contents
			// are unknowable until the stream catches up.
			*doc = UnknownDoc(m.Key, result.Version)
			return
		}
		data := m.patchedData(*doc)
		setTransformResults(&data, m.Transforms, result.TransformResults)
		*doc = FoundDoc(m.Key, result.Version, data).WithCommittedMutations()
	case DeleteMutation:
		*doc = DeletedDoc(m.Key, result.Version).WithCommittedMutations()
	case VerifyMutation:
		// No document change.
	}
}

// ApplyToLocalView speculatively applies the mutation to the local view and
// returns the updated mutated-field mask. A nil returned mask means "all
// fields" (the net effect is a whole-document overwrite or delete).
func (m Mutation) ApplyToLocalView(doc *Document, mutatedFields FieldMask, localWriteTime time.Time) FieldMask {
	if doc.Key != m.Key {
		panic(fmt.Sprintf("mutation for %s applied to document %s", m.Key, doc.Key))
	}
	if !m.Precondition.IsValidFor(*doc) {
		return mutatedFields
	}
	switch m.Kind {
	case SetMutation:
		data := m.Value.Clone()
		applyLocalTransforms(&data, *doc, m.Transforms, localWriteTime)
		*doc = FoundDoc(m.Key, doc.Version, data).WithLocalMutations()
		return nil
	case PatchMutation:
		data := m.patchedData(*doc)
		applyLocalTransforms(&data, *doc, m.Transforms, localWriteTime)
		*doc = FoundDoc(m.Key, doc.Version, data).WithLocalMutations()
		if mutatedFields == nil {
			return nil
		}
		mask := mutatedFields.Union(m.Mask)
		for _, t := range m.Transforms {
			mask = mask.Union(FieldMask{t.Path})
		}
		return mask
	case DeleteMutation:
		*doc = DeletedDoc(m.Key, doc.Version).WithLocalMutations()
		return nil
	default:
		return mutatedFields
	}
}

// patchedData copies masked fields from the patch value over the document's
// current data. Masked paths absent from the patch value are deleted.
func (m Mutation) patchedData(doc Document) ObjectValue {
	data := EmptyObjectValue()
	if doc.IsFound() {
		data = doc.Data.Clone()
	}
	for _, path := range m.Mask {
		if v, ok := m.Value.Field(path); ok {
			data.Set(path, v)
		} else {
			data.Delete(path)
		}
	}
	return data
}

func applyLocalTransforms(data *ObjectValue, base Document, transforms []FieldTransform, localWriteTime time.Time) {
	for _, t := range transforms {
		previous, exists := data.Field(t.Path)
		data.Set(t.Path, t.localResult(previous, exists, localWriteTime))
	}
}

func setTransformResults(data *ObjectValue, transforms []FieldTransform, results []Value) {
	if len(results) != len(transforms) {
		panic(fmt.Sprintf("server returned %d transform results for %d transforms", len(results), len(transforms)))
	}
	for i, t := range transforms {
		data.Set(t.Path, results[i])
	}
}

// CalculateOverlayMutation reduces the net effect of the still-pending
// batches on a document (doc after replaying them, with the accumulated
// mutated-field mask) to a single overlay mutation. It returns ok=false when
// no overlay is needed.
func CalculateOverlayMutation(doc Document, mask FieldMask) (Mutation, bool) {
	if !doc.HasPendingWrites() {
		return Mutation{}, false
	}
	if mask == nil {
		if doc.IsNoDocument() {
			return NewDeleteMutation(doc.Key), true
		}
		return NewSetMutation(doc.Key, doc.Data.Clone()), true
	}
	// Patch overlay: keep only masked fields that still exist; masked fields
	// without a value become deletes via mask-without-value.
	value := EmptyObjectValue()
	var outMask FieldMask
	for _, path := range mask {
		if outMask.Covers(path) {
			continue
		}
		if v, ok := doc.Data.Field(path); ok {
			value.Set(path, v)
		}
		outMask = append(outMask, path)
	}
	m := Mutation{Kind: PatchMutation, Key: doc.Key, Value: value, Mask: outMask}
	return m, true
}
