package scrub

import (
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tinylib/msgp/msgp"
)

// Stats accumulates the §6 wire-stable statistics record while a scrub
// runs. Every field is updated with atomic adds so internal packages
// can bump counters from worker goroutines without a lock, and
// Snapshot takes a consistent point-in-time copy for scrub_progress.
type Stats struct {
	DataExtentsScrubbed atomic.Int64
	TreeExtentsScrubbed atomic.Int64
	DataBytesScrubbed   atomic.Int64
	TreeBytesScrubbed   atomic.Int64
	DataBytesVerified   atomic.Int64
	TreeBytesVerified   atomic.Int64
	ReadErrors          atomic.Int64
	CsumErrors          atomic.Int64
	VerifyErrors        atomic.Int64
	SuperErrors         atomic.Int64
	NoCsum              atomic.Int64
	CsumDiscards        atomic.Int64
	CorrectedErrors     atomic.Int64
	UncorrectableErrors atomic.Int64
	UnverifiedErrors    atomic.Int64
	MallocErrors        atomic.Int64
	SyncErrors          atomic.Int64
	LastPhysical        atomic.Int64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewStats returns a Stats with StartTime set to now.
func NewStats(now time.Time) *Stats {
	s := &Stats{}
	s.StartTime.Store(now.UnixNano())
	return s
}

// Stop records the stop timestamp.
func (s *Stats) Stop(now time.Time) {
	s.StopTime.Store(now.UnixNano())
}

// StatSnapshot is the wire record returned by scrub_progress and
// persisted alongside checkpoints — the §6 statistics field list, in
// the order it must serialize.
type StatSnapshot struct {
	DataExtentsScrubbed int64 `json:"data_extents_scrubbed" msg:"data_extents_scrubbed"`
	TreeExtentsScrubbed int64 `json:"tree_extents_scrubbed" msg:"tree_extents_scrubbed"`
	DataBytesScrubbed   int64 `json:"data_bytes_scrubbed" msg:"data_bytes_scrubbed"`
	TreeBytesScrubbed   int64 `json:"tree_bytes_scrubbed" msg:"tree_bytes_scrubbed"`
	DataBytesVerified   int64 `json:"data_bytes_verified" msg:"data_bytes_verified"`
	TreeBytesVerified   int64 `json:"tree_bytes_verified" msg:"tree_bytes_verified"`
	ReadErrors          int64 `json:"read_errors" msg:"read_errors"`
	CsumErrors          int64 `json:"csum_errors" msg:"csum_errors"`
	VerifyErrors        int64 `json:"verify_errors" msg:"verify_errors"`
	SuperErrors         int64 `json:"super_errors" msg:"super_errors"`
	NoCsum              int64 `json:"no_csum" msg:"no_csum"`
	CsumDiscards        int64 `json:"csum_discards" msg:"csum_discards"`
	CorrectedErrors     int64 `json:"corrected_errors" msg:"corrected_errors"`
	UncorrectableErrors int64 `json:"uncorrectable_errors" msg:"uncorrectable_errors"`
	UnverifiedErrors    int64 `json:"unverified_errors" msg:"unverified_errors"`
	MallocErrors        int64 `json:"malloc_errors" msg:"malloc_errors"`
	LastPhysical        int64 `json:"last_physical" msg:"last_physical"`
	SyncErrors          int64 `json:"sync_errors" msg:"sync_errors"`
	UptimeNs            int64 `json:"uptime_ns" msg:"uptime_ns"`
}

// fieldOrder is the serialization order MarshalMsg/UnmarshalMsg commit
// to — changing it is a wire-format break.
var fieldOrder = []string{
	"data_extents_scrubbed", "tree_extents_scrubbed",
	"data_bytes_scrubbed", "tree_bytes_scrubbed",
	"data_bytes_verified", "tree_bytes_verified",
	"read_errors", "csum_errors", "verify_errors", "super_errors",
	"no_csum", "csum_discards",
	"corrected_errors", "uncorrectable_errors", "unverified_errors",
	"malloc_errors", "last_physical", "sync_errors", "uptime_ns",
}

func (s *StatSnapshot) fieldPtrs() map[string]*int64 {
	return map[string]*int64{
		"data_extents_scrubbed": &s.DataExtentsScrubbed,
		"tree_extents_scrubbed": &s.TreeExtentsScrubbed,
		"data_bytes_scrubbed":   &s.DataBytesScrubbed,
		"tree_bytes_scrubbed":   &s.TreeBytesScrubbed,
		"data_bytes_verified":   &s.DataBytesVerified,
		"tree_bytes_verified":   &s.TreeBytesVerified,
		"read_errors":           &s.ReadErrors,
		"csum_errors":           &s.CsumErrors,
		"verify_errors":         &s.VerifyErrors,
		"super_errors":          &s.SuperErrors,
		"no_csum":               &s.NoCsum,
		"csum_discards":         &s.CsumDiscards,
		"corrected_errors":      &s.CorrectedErrors,
		"uncorrectable_errors":  &s.UncorrectableErrors,
		"unverified_errors":     &s.UnverifiedErrors,
		"malloc_errors":         &s.MallocErrors,
		"last_physical":         &s.LastPhysical,
		"sync_errors":           &s.SyncErrors,
		"uptime_ns":             &s.UptimeNs,
	}
}

// MarshalMsg implements msgp.Marshaler by hand, in the field-keyed map
// shape msgp's codegen produces — there is no build step here to run
// `msgp -file metrics.go`, so the wire format is written out directly.
func (s *StatSnapshot) MarshalMsg(b []byte) ([]byte, error) {
	ptrs := s.fieldPtrs()
	o := msgp.AppendMapHeader(b, uint32(len(fieldOrder)))
	for _, key := range fieldOrder {
		o = msgp.AppendString(o, key)
		o = msgp.AppendInt64(o, *ptrs[key])
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler, tolerating unknown keys so
// future fields can be added without breaking older readers.
func (s *StatSnapshot) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, o, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	ptrs := s.fieldPtrs()
	for i := uint32(0); i < sz; i++ {
		var key string
		key, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return nil, err
		}
		ptr, known := ptrs[key]
		if !known {
			o, err = msgp.Skip(o)
			if err != nil {
				return nil, err
			}
			continue
		}
		var v int64
		v, o, err = msgp.ReadInt64Bytes(o)
		if err != nil {
			return nil, err
		}
		*ptr = v
	}
	return o, nil
}

// Msgsize returns a capacity estimate for MarshalMsg's append target.
func (s *StatSnapshot) Msgsize() int {
	n := msgp.MapHeaderSize
	for _, key := range fieldOrder {
		n += msgp.StringPrefixSize + len(key) + msgp.Int64Size
	}
	return n
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalJSON gives StatSnapshot the same field names over the
// scrubd HTTP progress surface as it uses on the msgp wire format.
func (s StatSnapshot) MarshalJSON() ([]byte, error) {
	type alias StatSnapshot
	return jsonAPI.Marshal(alias(s))
}

// Snapshot takes a consistent point-in-time copy of s.
func (s *Stats) Snapshot() StatSnapshot {
	start := s.StartTime.Load()
	stop := s.StopTime.Load()
	uptime := stop - start
	if stop == 0 {
		uptime = time.Now().UnixNano() - start
	}
	if uptime < 0 {
		uptime = 0
	}
	return StatSnapshot{
		DataExtentsScrubbed: s.DataExtentsScrubbed.Load(),
		TreeExtentsScrubbed: s.TreeExtentsScrubbed.Load(),
		DataBytesScrubbed:   s.DataBytesScrubbed.Load(),
		TreeBytesScrubbed:   s.TreeBytesScrubbed.Load(),
		DataBytesVerified:   s.DataBytesVerified.Load(),
		TreeBytesVerified:   s.TreeBytesVerified.Load(),
		ReadErrors:          s.ReadErrors.Load(),
		CsumErrors:          s.CsumErrors.Load(),
		VerifyErrors:        s.VerifyErrors.Load(),
		SuperErrors:         s.SuperErrors.Load(),
		NoCsum:              s.NoCsum.Load(),
		CsumDiscards:        s.CsumDiscards.Load(),
		CorrectedErrors:     s.CorrectedErrors.Load(),
		UncorrectableErrors: s.UncorrectableErrors.Load(),
		UnverifiedErrors:    s.UnverifiedErrors.Load(),
		MallocErrors:        s.MallocErrors.Load(),
		LastPhysical:        s.LastPhysical.Load(),
		SyncErrors:          s.SyncErrors.Load(),
		UptimeNs:            uptime,
	}
}
