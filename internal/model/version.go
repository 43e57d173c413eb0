package model

import "time"

// SnapshotVersion is a point in the server's version timeline. The zero
// value is the minimal version, ordered before every real version.
type SnapshotVersion struct {
	wall time.Time
}

// MinSnapshotVersion is the version before all others.
var MinSnapshotVersion = SnapshotVersion{}

// SnapshotVersionFromTime converts a timestamp to a snapshot version.
func SnapshotVersionFromTime(t time.Time) SnapshotVersion {
	return SnapshotVersion{wall: t.UTC()}
}

// Time returns the version as a timestamp.
func (v SnapshotVersion) Time() time.Time {
	return v.wall
}

// IsZero reports whether this is the minimal version.
func (v SnapshotVersion) IsZero() bool {
	return v.wall.IsZero()
}

// Compare orders versions chronologically.
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	switch {
	case v.wall.Before(other.wall):
		return -1
	case v.wall.After(other.wall):
		return 1
	default:
		return 0
	}
}

func (v SnapshotVersion) String() string {
	if v.IsZero() {
		return "<min>"
	}
	return v.wall.Format(time.RFC3339Nano)
}

// MarshalText encodes the version for storage.
func (v SnapshotVersion) MarshalText() ([]byte, error) {
	if v.IsZero() {
		return []byte{}, nil
	}
	return []byte(v.wall.Format(time.RFC3339Nano)), nil
}

// UnmarshalText decodes a stored version.
func (v *SnapshotVersion) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*v = SnapshotVersion{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return err
	}
	v.wall = t.UTC()
	return nil
}
