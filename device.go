package scrub

import (
	"context"
	"fmt"
	"time"

	"github.com/behrlich/btrfs-scrub/internal/batch"
	"github.com/behrlich/btrfs-scrub/internal/blockdev"
	"github.com/behrlich/btrfs-scrub/internal/checksum"
	"github.com/behrlich/btrfs-scrub/internal/constants"
	"github.com/behrlich/btrfs-scrub/internal/logging"
	"github.com/behrlich/btrfs-scrub/internal/metatree"
	"github.com/behrlich/btrfs-scrub/internal/pipeline"
	"github.com/behrlich/btrfs-scrub/internal/raidmap"
	"github.com/behrlich/btrfs-scrub/internal/rate"
	"github.com/behrlich/btrfs-scrub/internal/recovery"
	"github.com/behrlich/btrfs-scrub/internal/replace"
	"github.com/behrlich/btrfs-scrub/internal/synergy"
	"github.com/behrlich/btrfs-scrub/internal/walker"
)

// DeviceState is the lifecycle state of one scrub run (§6 entry points).
type DeviceState string

const (
	DeviceStateCreated     DeviceState = "created"
	DeviceStateRunning     DeviceState = "running"
	DeviceStatePaused      DeviceState = "paused"
	DeviceStateCompleted   DeviceState = "completed"
	DeviceStateCancelled   DeviceState = "cancelled"
	DeviceStateUncorrected DeviceState = "uncorrectable"
)

// DeviceResources are the external collaborators a scrub run needs for one
// device_id — the consumed interfaces of §6 ("block-layer", "RAID mapper",
// "metadata B-tree"). The engine never constructs these itself; a
// ResourceProvider supplies them per device_id, the way the teacher's
// Backend is supplied by the caller of CreateAndServe.
type DeviceResources struct {
	Mapper        raidmap.Mapper
	Root          metatree.CommitRoot
	Registry      blockdev.Registry
	SectorSize    int
	NodeSize      int
	CsumSize      int
	FSID          [16]byte
	ChunkTreeUUID [16]byte
}

// StartRequest is scrub_start's argument list (§6).
type StartRequest struct {
	DeviceID      uint64
	StartLogical  int64
	EndLogical    int64
	ReadOnly      bool
	DeadlineSecs  int64
	BGFlags       BGFlag
	ReplaceTarget *raidmap.Chunk
	PoolSize      int
}

// Device is one in-flight (or completed) scrub run against a device_id.
type Device struct {
	Handle string
	Req    StartRequest

	resources DeviceResources
	log       *logging.RateLimited

	pool      *batch.Pool
	pipeline  *pipeline.Pipeline
	builder   *batch.Builder
	rateCtrl  *rate.Controller
	recoverer *recovery.Recoverer
	walk      *walker.Walker

	pipelineStats *pipeline.Stats
	stats         *Stats

	state DeviceState
}

// newDevice wires C1-C8 together for one scrub run, following §4's module
// boundaries: a free-list pool (C2), a submission/completion pipeline (C3)
// over the rate controller (C6), a checksum verifier (C4) and recovery
// state machine (C5) feeding the extent walker (C7), and a synergistic
// filter (C8) when enabled.
func newDevice(handle string, req StartRequest, res DeviceResources, filter *synergy.Filter, resolver walker.PathResolver, pause walker.PauseSignal, log *logging.RateLimited, boost rate.BoostController) (*Device, error) {
	if res.Registry == nil || res.Mapper == nil {
		return nil, NewDeviceError("scrub_start", req.DeviceID, CodeInvalidArgument, "device resources not available")
	}
	if _, ok := res.Registry.Device(req.DeviceID); !ok {
		return nil, NewDeviceError("scrub_start", req.DeviceID, CodeInvalidArgument, "device not found")
	}
	if req.EndLogical < req.StartLogical {
		return nil, NewDeviceError("scrub_start", req.DeviceID, CodeInvalidArgument, "end_logical precedes start_logical")
	}

	poolSize := req.PoolSize
	if poolSize <= 0 {
		poolSize = constants.DefaultPoolSize
	}
	pool := batch.NewPool(poolSize, constants.MaxPagesPerBatch)

	pstats := &pipeline.Stats{}
	pl := pipeline.New(res.Registry, pool, nil, pstats)

	builder := batch.NewBuilder(pool, batch.Read, pl.Submit)

	deadline := time.Duration(req.DeadlineSecs) * time.Second
	rc := rate.New(pool, deadline, req.EndLogical-req.StartLogical, req.BGFlags.Has(BGSCBoost), boost)
	pl.Rate = rc

	verifier := checksum.New(res.Root)

	device := &Device{
		Handle:        handle,
		Req:           req,
		resources:     res,
		log:           log,
		pool:          pool,
		pipeline:      pl,
		builder:       builder,
		rateCtrl:      rc,
		pipelineStats: pstats,
		stats:         NewStats(time.Now()),
		state:         DeviceStateCreated,
	}

	var mallocErrors, superErrors uint64
	device.recoverer = recovery.New(res.Mapper, verifier, blockdev.RegistryRereader{Registry: res.Registry}, nil, &mallocErrors, &superErrors)
	if !req.ReadOnly {
		device.recoverer.Writer = batch.NewBuilder(pool, batch.Write, pl.Submit)
		if req.ReplaceTarget != nil && len(req.ReplaceTarget.DevIDs) > 0 {
			replaceBuilder := batch.NewBuilder(pool, batch.Write, pl.Submit)
			device.recoverer.Replace = replace.New(replaceBuilder, req.ReplaceTarget.DevIDs[0])
		}
	}

	w := walker.New(req.DeviceID, res.Mapper, res.Root, builder, verifier, device.recoverer, filter, resolver, pause, log, pstats, res.SectorSize, res.NodeSize, res.CsumSize)
	w.ReplaceTarget = req.ReplaceTarget
	w.FSID = res.FSID
	w.ChunkTreeUUID = res.ChunkTreeUUID
	w.OnRecoverOutcome = func(o recovery.Outcome) {
		switch {
		case o.Corrected:
			device.stats.CorrectedErrors.Add(1)
		case o.Unverified:
			device.stats.UnverifiedErrors.Add(1)
		case o.Uncorrectable:
			device.stats.UncorrectableErrors.Add(1)
		}
		device.stats.SuperErrors.Store(int64(superErrors))
		device.stats.MallocErrors.Store(int64(mallocErrors))
	}
	device.walk = w

	return device, nil
}

// Run drives the extent walker over [StartLogical, EndLogical) (§4.4) and
// folds the pipeline's byte counters and recoverer's resource-error
// counters into the statistics record once the walk completes or is
// interrupted.
func (d *Device) Run(ctx context.Context) error {
	d.state = DeviceStateRunning
	err := d.walk.Walk(ctx, d.Req.StartLogical, d.Req.EndLogical)
	if flushErr := d.builder.Flush(ctx); err == nil {
		err = flushErr
	}
	d.foldPipelineStats()

	switch {
	case err == walker.ErrCancelled:
		d.state = DeviceStateCancelled
		return NewDeviceError("scrub_start", d.Req.DeviceID, CodeCancelled, "scrub cancelled")
	case err != nil:
		d.state = DeviceStateUncorrected
		return WrapError(fmt.Sprintf("scrub device %d", d.Req.DeviceID), err)
	}
	d.state = DeviceStateCompleted
	return nil
}

// foldPipelineStats copies the pipeline's coarse byte/error counters into
// the richer wire-stable record. Counters are attributed to the data class;
// distinguishing tree-block bytes requires the walker to report extent
// flavor per completion, which it does not expose today (tracked in
// DESIGN.md as a known gap, not fabricated here).
func (d *Device) foldPipelineStats() {
	snap := d.pipelineStats.Snapshot()
	d.stats.DataBytesScrubbed.Store(snap.BytesScrubbed)
	d.stats.DataBytesVerified.Store(snap.BytesVerified)
	d.stats.ReadErrors.Store(snap.ReadErrors)
	d.stats.LastPhysical.Store(d.Req.StartLogical + snap.BytesScrubbed)
}

// Progress returns a point-in-time statistics snapshot (§6 scrub_progress).
func (d *Device) Progress() StatSnapshot {
	d.foldPipelineStats()
	return d.stats.Snapshot()
}

// State reports the current lifecycle state.
func (d *Device) State() DeviceState {
	return d.state
}

// Info is one device_id's comprehensive introspection record, for a
// scrubctl-style status surface.
type Info struct {
	Handle       string      `json:"handle"`
	DeviceID     uint64      `json:"device_id"`
	State        DeviceState `json:"state"`
	StartLogical int64       `json:"start_logical"`
	EndLogical   int64       `json:"end_logical"`
	ReadOnly     bool        `json:"read_only"`
}

// Info returns a point-in-time introspection record for the device.
func (d *Device) Info() Info {
	return Info{
		Handle:       d.Handle,
		DeviceID:     d.Req.DeviceID,
		State:        d.State(),
		StartLogical: d.Req.StartLogical,
		EndLogical:   d.Req.EndLogical,
		ReadOnly:     d.Req.ReadOnly,
	}
}
