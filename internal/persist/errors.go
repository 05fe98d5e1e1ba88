package persist

import "errors"

var (
	// ErrSnapshotCorrupt indicates a snapshot that exists but does not decode
	// into a valid set of trackers.
	ErrSnapshotCorrupt = errors.New("persist: snapshot corrupt")
	// ErrSnapshotWrite indicates a failed dump. The previous snapshot is intact.
	ErrSnapshotWrite = errors.New("persist: snapshot write failed")
)
