// Package labstate is the single source of truth for "what phase is this lab
// in": the DAG of spec §4.F and Transition, which checks a proposed status
// change against it. pkg/storage does not call Transition; its UPDATE
// statements restrict the allowed from-status in their WHERE clauses.
package labstate

import (
	"fmt"

	"github.com/cuemby/octolabd/pkg/types"
)

// ErrIllegalTransition is returned for any edge not present in the DAG, except
// the idempotent same-value case, which is silently absorbed by Transition.
var ErrIllegalTransition = fmt.Errorf("illegal-status-transition")

// ErrTerminalStateFinal is returned when attempting to leave a terminal state
// to anything other than itself — a programmer error per spec §4.F.
var ErrTerminalStateFinal = fmt.Errorf("terminal-state-final")

var edges = map[types.LabStatus]map[types.LabStatus]bool{
	types.LabStatusRequested: {
		types.LabStatusProvisioning: true,
	},
	types.LabStatusProvisioning: {
		types.LabStatusReady:  true,
		types.LabStatusFailed: true,
	},
	types.LabStatusReady: {
		types.LabStatusEnding:   true,
		types.LabStatusDegraded: true,
	},
	types.LabStatusDegraded: {
		types.LabStatusEnding: true,
	},
	types.LabStatusEnding: {
		types.LabStatusFinished: true,
		types.LabStatusFailed:   true,
	},
	types.LabStatusFinished: {},
	types.LabStatusFailed:   {},
}

// IsTerminal reports whether status is a terminal state (FINISHED or FAILED).
func IsTerminal(status types.LabStatus) bool {
	return status == types.LabStatusFinished || status == types.LabStatusFailed
}

// Transition validates a status write before it is persisted. A write to the
// same value is a no-op and always succeeds (idempotent absorption). A write
// out of a terminal state to any other value is rejected even though it is
// not literally present in the edge table, with a distinct error so callers
// can tell "no such edge" from "you tried to resurrect a terminal lab".
func Transition(from, to types.LabStatus) error {
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalStateFinal, from, to)
	}
	allowed, ok := edges[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
