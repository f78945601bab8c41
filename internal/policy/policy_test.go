package policy

import (
	"context"
	"testing"

	"github.com/example/taskhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (store.Store, *store.Identity, *store.Identity, *store.Identity, *store.Project, *store.Task) {
	t.Helper()
	s := store.NewMemory()
	ctx := context.Background()
	owner, err := s.CreateIdentity(ctx, "owner@x.com", "digest", "", store.RoleUser)
	require.NoError(t, err)
	assignee, err := s.CreateIdentity(ctx, "assignee@x.com", "digest", "", store.RoleUser)
	require.NoError(t, err)
	stranger, err := s.CreateIdentity(ctx, "stranger@x.com", "digest", "", store.RoleUser)
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, owner.ID, "p", "")
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, p.ID, store.TaskCreate{Title: "t", Status: store.StatusTodo, AssigneeID: &assignee.ID})
	require.NoError(t, err)
	return s, owner, assignee, stranger, p, task
}

func TestAssertProjectOwner(t *testing.T) {
	s, owner, _, stranger, p, _ := seed(t)
	ctx := context.Background()

	got, err := AssertProjectOwner(ctx, s, owner.ID, p.Number, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = AssertProjectOwner(ctx, s, owner.ID, p.Number, stranger.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// Absence stays distinct from denial.
	_, err = AssertProjectOwner(ctx, s, owner.ID, 99, owner.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvaluateTaskModify(t *testing.T) {
	_, owner, assignee, stranger, p, task := seed(t)

	assert.Equal(t, Full, EvaluateTaskModify(p, task, owner.ID).Authority)

	d := EvaluateTaskModify(p, task, assignee.ID)
	assert.Equal(t, Limited, d.Authority)
	assert.ElementsMatch(t, []string{"status", "position"}, d.Fields)

	assert.Equal(t, None, EvaluateTaskModify(p, task, stranger.ID).Authority)
}

func TestEvaluateTaskModifyUnassigned(t *testing.T) {
	_, _, assignee, _, p, task := seed(t)
	task.AssigneeID = nil
	assert.Equal(t, None, EvaluateTaskModify(p, task, assignee.ID).Authority)
}

func TestDecisionAllows(t *testing.T) {
	full := Decision{Authority: Full}
	assert.True(t, full.Allows([]string{"title", "status", "assignedTo"}))

	limited := Decision{Authority: Limited, Fields: []string{"status", "position"}}
	assert.True(t, limited.Allows(nil))
	assert.True(t, limited.Allows([]string{"status"}))
	assert.True(t, limited.Allows([]string{"status", "position"}))
	// One disallowed field rejects the whole update.
	assert.False(t, limited.Allows([]string{"status", "title"}))
	assert.False(t, limited.Allows([]string{"title"}))

	none := Decision{Authority: None}
	assert.False(t, none.Allows([]string{"status"}))
	assert.False(t, none.Allows(nil))
}
