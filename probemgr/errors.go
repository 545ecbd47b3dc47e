package probemgr

import "errors"

// ErrManagerInert is returned by Start when the manager was constructed
// with a destination address that failed to parse as either IPv4 or IPv6.
// An inert manager never spawns a worker; every SendProbe call resolves
// synchronously to a FatalError-derived Unknown result.
var ErrManagerInert = errors.New("probemgr: manager is inert (destination address did not parse)")

// ErrAlreadyStarted is returned by Start when the manager is already
// running.
var ErrAlreadyStarted = errors.New("probemgr: manager already started")

// ErrManagerStopped is returned by Start, and used as the message behind
// the Fatal Result SendProbe delivers, once Stop has torn the manager
// down. Per §4.1's lifecycle, a stopped manager is terminal: it never
// restarts and never accepts another probe.
var ErrManagerStopped = errors.New("probemgr: manager is stopped")
