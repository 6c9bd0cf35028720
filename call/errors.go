package call

import "errors"

// Sentinel errors for call state machine operations.
// These errors enable reliable classification using errors.Is().

// Command guard errors.
var (
	// ErrCallAlreadyActive indicates a call is already connecting or active.
	ErrCallAlreadyActive = errors.New("call already active")

	// ErrNoIncomingCall indicates there is no session in ringing-incoming.
	ErrNoIncomingCall = errors.New("no incoming call to accept")

	// ErrNoActiveCall indicates there is no session to operate on.
	ErrNoActiveCall = errors.New("no active call")
)

// Terminal failure classifications recorded on the session.
var (
	// ErrRemoteTrackTimeout indicates the watchdog fired before any remote
	// media arrived.
	ErrRemoteTrackTimeout = errors.New("no remote media within timeout")
)

// Machine lifecycle errors.
var (
	// ErrMachineNotRunning indicates the machine has not been started.
	ErrMachineNotRunning = errors.New("call machine is not running")

	// ErrMachineAlreadyRunning indicates the machine is already started.
	ErrMachineAlreadyRunning = errors.New("call machine is already running")
)

// userFacingConnectError is shown when the watchdog force-ends a call.
const userFacingConnectError = "Couldn't connect. Please try again."
