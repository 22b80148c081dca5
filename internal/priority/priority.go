// Package priority implements the optional "boost" lever (§4.6): when the
// scrub thread is falling behind its deadline, temporarily elevate its I/O
// priority to a best-effort class, and restore it once progress catches
// back up. This is an explicit knob, not engaged unless BGSC_BOOST is set.
package priority

import "sync"

// Class mirrors the Linux ioprio best-effort/idle classes the boost lever
// switches between.
type Class int

const (
	ClassIdle Class = iota
	ClassBestEffort
)

// Controller raises/restores the calling goroutine's OS thread I/O
// priority. It must be driven from the same OS thread for the duration of
// the scrub (the walker already pins its goroutine the way go-ublk's
// queue runner does for ublk thread-affinity).
type Controller struct {
	mu       sync.Mutex
	prior    int
	priorSet bool
	niceness int
}

// New creates a boost Controller that will restore to niceness (a
// best-effort priority level, 0-7, lower is higher priority) when engaged.
func New(niceness int) *Controller {
	return &Controller{niceness: niceness}
}

// Raise elevates I/O priority to the best-effort class at the configured
// niceness, remembering the prior value so Restore can undo it.
func (c *Controller) Raise() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prior, err := getIOPrio()
	if err != nil {
		return err
	}
	if err := setIOPrio(ClassBestEffort, c.niceness); err != nil {
		return err
	}
	c.prior = prior
	c.priorSet = true
	return nil
}

// Restore puts I/O priority back to what it was before Raise, if Raise was
// ever called.
func (c *Controller) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.priorSet {
		return nil
	}
	c.priorSet = false
	return setIOPrioRaw(c.prior)
}
