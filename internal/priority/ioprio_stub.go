//go:build !linux

package priority

import "errors"

var errUnsupported = errors.New("priority: ioprio boost is only supported on linux")

func setIOPrio(_ Class, _ int) error { return errUnsupported }
func setIOPrioRaw(_ int) error       { return errUnsupported }
func getIOPrio() (int, error)        { return 0, errUnsupported }
