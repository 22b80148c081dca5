package scrub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/btrfs-scrub/internal/checkpoint"
	"github.com/behrlich/btrfs-scrub/internal/config"
)

// fakeProvider hands out a single device's resources, the test double for
// a real ResourceProvider implementation.
type fakeProvider struct {
	resources map[uint64]DeviceResources
}

func (p *fakeProvider) Resources(deviceID uint64) (DeviceResources, bool) {
	r, ok := p.resources[deviceID]
	return r, ok
}

func newFakeEngine(t *testing.T) (*Engine, int64) {
	t.Helper()
	res, total := buildCleanDeviceResources(t)
	provider := &fakeProvider{resources: map[uint64]DeviceResources{0: res}}
	return NewEngine(provider, nil, nil, nil, nil), total
}

func TestScrubStartUnknownDeviceFails(t *testing.T) {
	e, _ := newFakeEngine(t)
	_, err := e.ScrubStart(context.Background(), StartRequest{DeviceID: 7, StartLogical: 0, EndLogical: 10, ReadOnly: true})
	require.Error(t, err)
}

func TestScrubStartRunsOnGoroutineWithoutAPool(t *testing.T) {
	e, total := newFakeEngine(t)
	handle, err := e.ScrubStart(context.Background(), StartRequest{
		DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	// No worker pool configured: ScrubStart dispatches on a bare
	// goroutine, so give it a moment before checking progress.
	require.Eventually(t, func() bool {
		snap, ok := e.ProgressByHandle(handle)
		return ok && snap.DataBytesScrubbed == total
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScrubProgressByDeviceIDFindsLatestRun(t *testing.T) {
	e, total := newFakeEngine(t)
	handle, err := e.ScrubStart(context.Background(), StartRequest{
		DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := e.ScrubProgress(0)
		return ok && snap.DataBytesScrubbed == total
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := e.ProgressByHandle(handle)
	require.True(t, ok)
}

func TestEngineInfoReflectsRequestedRange(t *testing.T) {
	e, total := newFakeEngine(t)
	handle, err := e.ScrubStart(context.Background(), StartRequest{
		DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true,
	})
	require.NoError(t, err)

	info, ok := e.Info(handle)
	require.True(t, ok)
	require.Equal(t, uint64(0), info.DeviceID)
	require.Equal(t, total, info.EndLogical)
	require.True(t, info.ReadOnly)

	_, ok = e.Info("does-not-exist")
	require.False(t, ok)
}

func TestScrubProgressUnknownHandleNotFound(t *testing.T) {
	e, _ := newFakeEngine(t)
	_, ok := e.ProgressByHandle("does-not-exist")
	require.False(t, ok)
}

func TestScrubCancelAllMarksRunCancelled(t *testing.T) {
	e, total := newFakeEngine(t)
	e.ScrubCancel(nil)

	handle, err := e.ScrubStart(context.Background(), StartRequest{
		DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		d, ok := e.devices[handle]
		e.mu.Unlock()
		return ok && d.State() == DeviceStateCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScrubPauseResumeRoundTrips(t *testing.T) {
	e, _ := newFakeEngine(t)
	require.False(t, e.control.pausedAll.Load())
	e.ScrubPause()
	require.True(t, e.control.pausedAll.Load())
	e.ScrubResume()
	require.False(t, e.control.pausedAll.Load())
}

func TestScrubStartResumesFromCheckpoint(t *testing.T) {
	dbPath := t.TempDir() + "/checkpoints.db"
	store, err := checkpoint.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	resumeAt := int64(128 * 1024)
	require.NoError(t, store.Save(checkpoint.Snapshot{DeviceID: 0, LastPhysical: resumeAt}))

	res, total := buildCleanDeviceResources(t)
	provider := &fakeProvider{resources: map[uint64]DeviceResources{0: res}}
	e := NewEngine(provider, config.Default(), store, nil, nil)

	handle, err := e.ScrubStart(context.Background(), StartRequest{
		DeviceID: 0, StartLogical: 0, EndLogical: total, ReadOnly: true,
	})
	require.NoError(t, err)

	e.mu.Lock()
	d := e.devices[handle]
	e.mu.Unlock()
	require.Equal(t, resumeAt, d.Req.StartLogical)
}
