// Package exitcodes defines the process exit codes of op-dispatch.
package exitcodes

// A run exits with TestFailure when any selected test failed, errored or was
// cancelled, and with RuntimeErr when the run could not be carried out at all
// (bad flags, malformed tree definition, dispatcher fault).
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
