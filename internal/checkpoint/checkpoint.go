// Package checkpoint persists the restartable scrub cursor and statistics
// snapshot across runs (spec.md §5 "Persisted state. None beyond
// statistics and progress. The scrubber is restartable from any cursor").
// Snapshots are stored in a tidwall/buntdb key-value file, lz4-compressed,
// keyed by device id.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v3"
	"github.com/tidwall/buntdb"
)

// Snapshot is the persisted cursor/statistics record for one device. Field
// names match the wire statistics record in spec.md §6.
type Snapshot struct {
	DeviceID uint64 `json:"device_id"`

	LastPhysical int64 `json:"last_physical"`

	DataExtentsScrubbed int64 `json:"data_extents_scrubbed"`
	TreeExtentsScrubbed int64 `json:"tree_extents_scrubbed"`
	DataBytesScrubbed   int64 `json:"data_bytes_scrubbed"`
	TreeBytesScrubbed   int64 `json:"tree_bytes_scrubbed"`
	DataBytesVerified   int64 `json:"data_bytes_verified"`
	TreeBytesVerified   int64 `json:"tree_bytes_verified"`

	ReadErrors         int64 `json:"read_errors"`
	CsumErrors         int64 `json:"csum_errors"`
	VerifyErrors       int64 `json:"verify_errors"`
	SuperErrors        int64 `json:"super_errors"`
	NoCsum             int64 `json:"no_csum"`
	CsumDiscards       int64 `json:"csum_discards"`
	CorrectedErrors    int64 `json:"corrected_errors"`
	UncorrectableErrors int64 `json:"uncorrectable_errors"`
	UnverifiedErrors   int64 `json:"unverified_errors"`
	MallocErrors       int64 `json:"malloc_errors"`
	SyncErrors         int64 `json:"sync_errors"`

	UpdatedAt time.Time `json:"updated_at"`
}

func key(deviceID uint64) string {
	return fmt.Sprintf("checkpoint:%d", deviceID)
}

// Store is a checkpoint database backed by a single buntdb file.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) the buntdb file at path. Pass ":memory:"
// for an ephemeral in-process store, matching buntdb's own convention.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save compresses and persists snap under its device id, overwriting any
// prior snapshot for that device.
func (s *Store) Save(snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return fmt.Errorf("checkpoint: compress: %w", err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(snap.DeviceID), string(compressed), nil)
		return err
	})
}

// Load retrieves the last saved snapshot for deviceID. ok is false if no
// checkpoint has ever been saved for that device, which is a normal,
// non-error starting state (a scrub that has never run before).
func (s *Store) Load(deviceID uint64) (snap Snapshot, ok bool, err error) {
	var raw string
	txErr := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(deviceID))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		raw = v
		ok = true
		return nil
	})
	if txErr != nil {
		return Snapshot{}, false, fmt.Errorf("checkpoint: load device %d: %w", deviceID, txErr)
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	decompressed, err := decompress([]byte(raw))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("checkpoint: decompress device %d: %w", deviceID, err)
	}
	if err := json.Unmarshal(decompressed, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("checkpoint: unmarshal device %d: %w", deviceID, err)
	}
	return snap, true, nil
}

// Delete removes any persisted checkpoint for deviceID, used when a scrub
// completes a full pass and there is no longer a meaningful cursor to
// resume from.
func (s *Store) Delete(deviceID uint64) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(deviceID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
