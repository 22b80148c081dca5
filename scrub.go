package scrub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/btrfs-scrub/internal/checkpoint"
	"github.com/behrlich/btrfs-scrub/internal/config"
	"github.com/behrlich/btrfs-scrub/internal/logging"
	"github.com/behrlich/btrfs-scrub/internal/rate"
	"github.com/behrlich/btrfs-scrub/internal/synergy"
	"github.com/behrlich/btrfs-scrub/internal/telemetry"
	"github.com/behrlich/btrfs-scrub/internal/walker"
	"github.com/behrlich/btrfs-scrub/internal/workerpool"
)

// ResourceProvider supplies the external collaborators one device_id needs
// to scrub — the caller's equivalent of the teacher's injected Backend.
type ResourceProvider interface {
	Resources(deviceID uint64) (DeviceResources, bool)
}

// control is the fleet-wide pause/cancel broadcast §6 names ("pause/cancel
// broadcast channel: increment/decrement counters with wait-queues"),
// simplified here to the flags each device's walker polls.
type control struct {
	pausedAll    atomic.Bool
	cancelledAll atomic.Bool

	mu        sync.Mutex
	cancelled map[uint64]bool
}

func newControl() *control {
	return &control{cancelled: make(map[uint64]bool)}
}

func (c *control) cancelDevice(deviceID uint64) {
	c.mu.Lock()
	c.cancelled[deviceID] = true
	c.mu.Unlock()
}

func (c *control) isCancelled(deviceID uint64) bool {
	if c.cancelledAll.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[deviceID]
}

// deviceSignal adapts control to the narrow walker.PauseSignal interface
// for one device.
type deviceSignal struct {
	c        *control
	deviceID uint64
}

func (s deviceSignal) Paused() bool    { return s.c.pausedAll.Load() }
func (s deviceSignal) Cancelled() bool { return s.c.isCancelled(s.deviceID) }

// Engine is the fleet-wide scrub manager: it holds one Device per
// in-flight or completed run, the shared pause/cancel control surface, and
// the ambient collaborators (config, checkpoints, telemetry, logging,
// worker pools) every run is wired through.
type Engine struct {
	Resources   ResourceProvider
	Config      *config.Config
	Checkpoints *checkpoint.Store
	Telemetry   *telemetry.Collector
	Log         *logging.Logger
	Pools       *workerpool.Pools

	mu      sync.Mutex
	devices map[string]*Device
	control *control
}

// NewEngine builds an Engine. Any of checkpoints/collector/pools may be
// nil to disable that concern (e.g. in tests).
func NewEngine(resources ResourceProvider, cfg *config.Config, checkpoints *checkpoint.Store, collector *telemetry.Collector, pools *workerpool.Pools) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.Default()
	return &Engine{
		Resources:   resources,
		Config:      cfg,
		Checkpoints: checkpoints,
		Telemetry:   collector,
		Log:         log,
		Pools:       pools,
		devices:     make(map[string]*Device),
		control:     newControl(),
	}
}

// ScrubStart implements `scrub_start(device_id, start_logical, end_logical,
// read_only, [deadline_secs, bg_flags], replace_target?) -> progress-handle`
// (§6). The walk runs on the engine's completion pool if one is configured,
// otherwise on a new goroutine; either way ScrubStart returns the handle
// without waiting for the walk to finish.
func (e *Engine) ScrubStart(ctx context.Context, req StartRequest) (string, error) {
	res, ok := e.Resources.Resources(req.DeviceID)
	if !ok {
		return "", NewDeviceError("scrub_start", req.DeviceID, CodeInvalidArgument, "no resources registered for device")
	}

	if devCfg, ok := e.Config.Device(req.DeviceID); ok {
		if req.DeadlineSecs == 0 {
			req.DeadlineSecs = devCfg.DeadlineSeconds
		}
		if devCfg.PreEnumerate {
			req.BGFlags |= BGSCEnum
		}
		if devCfg.AllowBoost {
			req.BGFlags |= BGSCBoost
		}
	}

	if e.Checkpoints != nil {
		if snap, ok, err := e.Checkpoints.Load(req.DeviceID); err == nil && ok && snap.LastPhysical > req.StartLogical {
			req.StartLogical = snap.LastPhysical
		}
	}

	handle := uuid.NewString()

	var filter *synergy.Filter
	if devCfg, ok := e.Config.Device(req.DeviceID); ok && devCfg.Synergistic {
		filter = synergy.New(nil, nil, res.SectorSize)
	}
	// Path resolution (internal/pathresolve) needs a ResourceProvider-
	// supplied OwnerIndex to be meaningful; ResourceProvider implementations
	// that have one should wrap it as a walker.PathResolver and extend
	// DeviceResources, left nil here.
	var resolver walker.PathResolver

	limited := logging.NewRateLimited(e.Log.WithDevice(req.DeviceID), e.Config.RateLimit.Window())
	signal := deviceSignal{c: e.control, deviceID: req.DeviceID}

	device, err := newDevice(handle, req, res, filter, resolver, signal, limited, nil)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.devices[handle] = device
	e.mu.Unlock()

	run := func(runCtx context.Context) error {
		runErr := device.Run(runCtx)
		e.persist(device)
		return runErr
	}

	if e.Pools != nil && e.Pools.Completions != nil {
		if err := e.Pools.Completions.Submit(ctx, run); err != nil {
			return "", WrapError("scrub_start", err)
		}
		return handle, nil
	}

	go func() { _ = run(ctx) }()
	return handle, nil
}

// persist checkpoints and exports a completed/interrupted device's
// statistics, once its run returns.
func (e *Engine) persist(d *Device) {
	snap := d.Progress()
	if e.Checkpoints != nil {
		_ = e.Checkpoints.Save(checkpoint.Snapshot{
			DeviceID:            d.Req.DeviceID,
			LastPhysical:        snap.LastPhysical,
			DataExtentsScrubbed: snap.DataExtentsScrubbed,
			TreeExtentsScrubbed: snap.TreeExtentsScrubbed,
			DataBytesScrubbed:   snap.DataBytesScrubbed,
			TreeBytesScrubbed:   snap.TreeBytesScrubbed,
			DataBytesVerified:   snap.DataBytesVerified,
			TreeBytesVerified:   snap.TreeBytesVerified,
			ReadErrors:          snap.ReadErrors,
			CsumErrors:          snap.CsumErrors,
			VerifyErrors:        snap.VerifyErrors,
			SuperErrors:         snap.SuperErrors,
			NoCsum:              snap.NoCsum,
			CsumDiscards:        snap.CsumDiscards,
			CorrectedErrors:     snap.CorrectedErrors,
			UncorrectableErrors: snap.UncorrectableErrors,
			UnverifiedErrors:    snap.UnverifiedErrors,
			MallocErrors:        snap.MallocErrors,
			SyncErrors:          snap.SyncErrors,
			UpdatedAt:           time.Now(),
		})
	}
	if e.Telemetry != nil {
		e.Telemetry.Observe(d.Req.DeviceID, *d.pipelineStats, snap.LastPhysical)
	}
}

// ScrubPause and ScrubResume implement the fleet-wide `scrub_pause()`/
// `scrub_resume()` pair (§6): every device's walker observes the same
// shared flag at its next stripe-iteration suspension point.
func (e *Engine) ScrubPause() {
	e.control.pausedAll.Store(true)
}

func (e *Engine) ScrubResume() {
	e.control.pausedAll.Store(false)
}

// ScrubCancel implements `scrub_cancel(device_id?)` (§6): cancel one
// device, or every in-flight device when deviceID is nil.
func (e *Engine) ScrubCancel(deviceID *uint64) {
	if deviceID == nil {
		e.control.cancelledAll.Store(true)
		return
	}
	e.control.cancelDevice(*deviceID)
}

// ScrubProgress implements `scrub_progress(device_id) -> statistics
// snapshot` (§6), returning the most recent run found for deviceID.
func (e *Engine) ScrubProgress(deviceID uint64) (StatSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var latest *Device
	for _, d := range e.devices {
		if d.Req.DeviceID == deviceID {
			latest = d
		}
	}
	if latest == nil {
		return StatSnapshot{}, false
	}
	return latest.Progress(), true
}

// Info returns the introspection record for one scrub_start handle.
func (e *Engine) Info(handle string) (Info, bool) {
	e.mu.Lock()
	d, ok := e.devices[handle]
	e.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return d.Info(), true
}

// ProgressByHandle returns the statistics snapshot for one scrub_start
// handle directly, for callers (e.g. the HTTP surface) that track handles
// rather than device ids.
func (e *Engine) ProgressByHandle(handle string) (StatSnapshot, bool) {
	e.mu.Lock()
	d, ok := e.devices[handle]
	e.mu.Unlock()
	if !ok {
		return StatSnapshot{}, false
	}
	return d.Progress(), true
}
