package model

import "fmt"

// DocumentType tags the closed set of document variants. There is no
// nullable "maybe a document" anywhere: lookups that find nothing produce an
// InvalidDocument carrying its key.
type DocumentType int

const (
	// InvalidDocument means the cache knows nothing about the key.
	InvalidDocument DocumentType = iota
	// FoundDocument is a document confirmed or predicted to exist.
	FoundDocument
	// NoDocument is a confirmed or predicted deletion.
	NoDocument
	// UnknownDocument exists per a committed mutation, but its contents are
	// unknown until the watch stream catches up.
	UnknownDocument
)

// SyncState describes how a document relates to its server state.
type SyncState int

const (
	// Synced documents carry no pending local changes.
	Synced SyncState = iota
	// HasLocalMutations marks documents changed by unacknowledged writes.
	HasLocalMutations
	// HasCommittedMutations marks documents whose writes the server
	// acknowledged but the watch stream has not yet reflected.
	HasCommittedMutations
)

// Document is the tagged document variant plus its sync state.
type Document struct {
	Key        DocumentKey     `json:"key"`
	Type       DocumentType    `json:"type"`
	Version    SnapshotVersion `json:"version"`
	CreateTime SnapshotVersion `json:"createTime,omitzero"`
	ReadTime   SnapshotVersion `json:"readTime,omitzero"`
	Data       ObjectValue     `json:"data"`
	State      SyncState       `json:"state"`
}

// InvalidDoc returns the "nothing known" variant for a key.
func InvalidDoc(key DocumentKey) Document {
	return Document{Key: key, Type: InvalidDocument, Data: EmptyObjectValue()}
}

// FoundDoc returns an existing document at a version.
func FoundDoc(key DocumentKey, version SnapshotVersion, data ObjectValue) Document {
	return Document{Key: key, Type: FoundDocument, Version: version, CreateTime: version, Data: data}
}

// DeletedDoc returns a confirmed deletion at a version.
func DeletedDoc(key DocumentKey, version SnapshotVersion) Document {
	return Document{Key: key, Type: NoDocument, Version: version, Data: EmptyObjectValue()}
}

// UnknownDoc returns the committed-but-contents-unknown variant.
func UnknownDoc(key DocumentKey, version SnapshotVersion) Document {
	return Document{
		Key: key, Type: UnknownDocument, Version: version,
		Data: EmptyObjectValue(), State: HasCommittedMutations,
	}
}

// IsValid reports whether anything is known about the key.
func (d Document) IsValid() bool { return d.Type != InvalidDocument }

// IsFound reports whether the document exists.
func (d Document) IsFound() bool { return d.Type == FoundDocument }

// IsNoDocument reports a known deletion.
func (d Document) IsNoDocument() bool { return d.Type == NoDocument }

// IsUnknown reports the committed-but-unknown variant.
func (d Document) IsUnknown() bool { return d.Type == UnknownDocument }

// HasPendingWrites reports whether local or committed mutations affect the
// document.
func (d Document) HasPendingWrites() bool { return d.State != Synced }

// WithLocalMutations marks the document as affected by unacknowledged local
// writes.
func (d Document) WithLocalMutations() Document {
	d.State = HasLocalMutations
	return d
}

// WithCommittedMutations marks the document as acknowledged but not yet
// observed via the watch stream.
func (d Document) WithCommittedMutations() Document {
	d.State = HasCommittedMutations
	return d
}

// WithReadTime stamps the time this document state was read from the server.
func (d Document) WithReadTime(t SnapshotVersion) Document {
	d.ReadTime = t
	return d
}

// Clone returns a deep copy, detaching the field tree.
func (d Document) Clone() Document {
	d.Data = d.Data.Clone()
	return d
}

// Equal compares variant, version, state and contents.
func (d Document) Equal(other Document) bool {
	return d.Key == other.Key &&
		d.Type == other.Type &&
		d.Version.Compare(other.Version) == 0 &&
		d.State == other.State &&
		d.Data.Equal(other.Data)
}

func (d Document) String() string {
	switch d.Type {
	case FoundDocument:
		return fmt.Sprintf("Document(%s@%s)", d.Key, d.Version)
	case NoDocument:
		return fmt.Sprintf("NoDocument(%s@%s)", d.Key, d.Version)
	case UnknownDocument:
		return fmt.Sprintf("UnknownDocument(%s@%s)", d.Key, d.Version)
	default:
		return fmt.Sprintf("InvalidDocument(%s)", d.Key)
	}
}
