package supervisor

import "errors"

var (
	// ErrWorkerNotRunning is returned by Command when the node is not Running.
	ErrWorkerNotRunning = errors.New("worker not running")
	// ErrBusy is returned under the reject policy while another command is in flight.
	ErrBusy = errors.New("another command is in progress")
	// ErrProvisioningFailed wraps every Setup failure.
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrWorkerSpawnFailed marks sessions whose node process could not be created.
	ErrWorkerSpawnFailed = errors.New("worker spawn failed")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("supervisor closed")
)
