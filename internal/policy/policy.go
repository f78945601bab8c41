// Package policy decides what a caller may do to a project or task.
// Decisions are explicit values a handler asks for before mutating
// anything, rather than route-level guards: partial authority (an assignee
// touching a task it does not own) needs a field-level answer a boolean
// guard cannot give.
package policy

import (
	"context"
	"errors"

	"github.com/example/taskhub/internal/store"
)

var ErrForbidden = errors.New("policy: forbidden")

// Authority levels over a task.
type Authority int

const (
	// None: caller has no rights over the resource.
	None Authority = iota
	// Limited: caller may change only the fields in Decision.Fields.
	Limited
	// Full: caller may change anything, including deletion.
	Full
)

// Decision is the outcome of evaluating a caller against a resource.
type Decision struct {
	Authority Authority
	Fields    []string // allow-list, only meaningful for Limited
}

// assigneeFields is the fixed allow-list for a task's assignee.
var assigneeFields = []string{"status", "position"}

// AssertProjectOwner resolves the project addressed by (ownerID, number) and
// checks the caller owns it. Absence is store.ErrNotFound, a live project
// owned by someone else is ErrForbidden; the two stay distinct so the
// transport can 404 instead of 403.
func AssertProjectOwner(ctx context.Context, s store.Store, ownerID string, number int64, callerID string) (*store.Project, error) {
	p, err := s.ProjectByNumber(ctx, ownerID, number)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != callerID {
		return nil, ErrForbidden
	}
	return p, nil
}

// EvaluateTaskModify returns the caller's authority over the task: the
// project owner gets Full, the task's assignee gets Limited over the fixed
// allow-list, anyone else gets None.
func EvaluateTaskModify(project *store.Project, task *store.Task, callerID string) Decision {
	if project.OwnerID == callerID {
		return Decision{Authority: Full}
	}
	if task.AssigneeID != nil && *task.AssigneeID == callerID {
		return Decision{Authority: Limited, Fields: assigneeFields}
	}
	return Decision{Authority: None}
}

// Allows checks every requested field against the decision. A single field
// outside the granted set rejects the whole update; nothing is silently
// dropped.
func (d Decision) Allows(fields []string) bool {
	switch d.Authority {
	case Full:
		return true
	case None:
		return false
	}
	for _, f := range fields {
		ok := false
		for _, allowed := range d.Fields {
			if f == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
