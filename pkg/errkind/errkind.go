// Package errkind defines the error taxonomy of spec §7 as sentinel values.
// Every task boundary (Provisioner, Teardown tick, admin API handler) wraps a
// lower-level error with fmt.Errorf("...: %w", errkind.X) so that errors.Is
// works uniformly, instead of relying on exceptions for control flow.
package errkind

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid-input")
	ErrNotFound              = errors.New("not-found")
	ErrWrongState            = errors.New("wrong-state")
	ErrPortPoolExhausted     = errors.New("port-pool-exhausted")
	ErrBackendNotReady       = errors.New("backend-not-ready")
	ErrBackendCommandFailure = errors.New("backend-command-failure")
	ErrProvisioningTimeout   = errors.New("provisioning-timeout")
	ErrTeardownIncomplete    = errors.New("teardown-incomplete")
	ErrPathContainment       = errors.New("path-containment-error")
	ErrInvalidLabID          = errors.New("invalid-lab-id")
	ErrRateLimited           = errors.New("rate-limited")
	ErrDuplicateEvent        = errors.New("duplicate-event")
	ErrRecipeMissing         = errors.New("recipe-missing")
)
