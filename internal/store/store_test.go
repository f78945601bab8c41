package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The same battery runs against every adapter; the durable ones must behave
// exactly like the in-memory reference.

func openAdapters(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func mustIdentity(t *testing.T, s Store, email string) *Identity {
	t.Helper()
	u, err := s.CreateIdentity(context.Background(), email, "digest", "", RoleUser)
	require.NoError(t, err)
	return u
}

func TestIdentities(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u, err := s.CreateIdentity(ctx, "a@x.com", "digest", "Ada", RoleUser)
			require.NoError(t, err)
			require.NotEmpty(t, u.ID)

			got, err := s.IdentityByEmail(ctx, "a@x.com")
			require.NoError(t, err)
			assert.Equal(t, u.ID, got.ID)
			assert.Equal(t, "Ada", got.Name)

			got, err = s.IdentityByID(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, "a@x.com", got.Email)

			_, err = s.CreateIdentity(ctx, "a@x.com", "other", "", RoleUser)
			assert.ErrorIs(t, err, ErrEmailTaken)

			_, err = s.IdentityByEmail(ctx, "nobody@x.com")
			assert.ErrorIs(t, err, ErrNotFound)

			mustIdentity(t, s, "b@x.com")
			all, err := s.ListIdentities(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestSessionRotation(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := mustIdentity(t, s, "rot@x.com")
			exp := time.Now().Add(24 * time.Hour).Unix()

			require.NoError(t, s.CreateSession(ctx, u.ID, "tok-1", exp))

			rec, err := s.SessionByToken(ctx, "tok-1")
			require.NoError(t, err)
			assert.False(t, rec.Revoked)
			assert.Equal(t, u.ID, rec.SubjectID)

			// Successful rotation revokes old and records new.
			require.NoError(t, s.RotateSession(ctx, "tok-1", u.ID, "tok-2", exp))
			rec, err = s.SessionByToken(ctx, "tok-1")
			require.NoError(t, err)
			assert.True(t, rec.Revoked)
			rec, err = s.SessionByToken(ctx, "tok-2")
			require.NoError(t, err)
			assert.False(t, rec.Revoked)

			// The consumed token cannot be rotated again.
			err = s.RotateSession(ctx, "tok-1", u.ID, "tok-3", exp)
			assert.ErrorIs(t, err, ErrSessionRevoked)
			// And the losing rotation must not have recorded its new token.
			_, err = s.SessionByToken(ctx, "tok-3")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.RotateSession(ctx, "never-issued", u.ID, "tok-4", exp)
			assert.ErrorIs(t, err, ErrUnknownToken)

			other := mustIdentity(t, s, "other@x.com")
			err = s.RotateSession(ctx, "tok-2", other.ID, "tok-5", exp)
			assert.ErrorIs(t, err, ErrSubjectMismatch)
			// A mismatch must not consume the session.
			rec, err = s.SessionByToken(ctx, "tok-2")
			require.NoError(t, err)
			assert.False(t, rec.Revoked)
		})
	}
}

func TestSessionTokensWriteOnce(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := mustIdentity(t, s, "once@x.com")
			exp := time.Now().Add(24 * time.Hour).Unix()

			require.NoError(t, s.CreateSession(ctx, u.ID, "dup", exp))
			require.NoError(t, s.RevokeSession(ctx, "dup"))

			// Re-recording the same token must not resurrect the revoked row.
			err := s.CreateSession(ctx, u.ID, "dup", exp)
			assert.ErrorIs(t, err, ErrDuplicateToken)
			rec, err := s.SessionByToken(ctx, "dup")
			require.NoError(t, err)
			assert.True(t, rec.Revoked)

			// A rotation whose successor collides with an existing token fails
			// whole: the predecessor stays live.
			require.NoError(t, s.CreateSession(ctx, u.ID, "live", exp))
			err = s.RotateSession(ctx, "live", u.ID, "dup", exp)
			assert.ErrorIs(t, err, ErrDuplicateToken)
			rec, err = s.SessionByToken(ctx, "live")
			require.NoError(t, err)
			assert.False(t, rec.Revoked)
		})
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := mustIdentity(t, s, "race@x.com")
			exp := time.Now().Add(24 * time.Hour).Unix()
			require.NoError(t, s.CreateSession(ctx, u.ID, "contested", exp))

			const n = 8
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = s.RotateSession(ctx, "contested", u.ID, newToken("succ", i), exp)
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
				} else {
					assert.ErrorIs(t, err, ErrSessionRevoked)
				}
			}
			assert.Equal(t, 1, wins, "exactly one rotation must win")
		})
	}
}

func newToken(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}

func TestRevokeIdempotent(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := mustIdentity(t, s, "logout@x.com")
			exp := time.Now().Add(time.Hour).Unix()
			require.NoError(t, s.CreateSession(ctx, u.ID, "bye", exp))

			require.NoError(t, s.RevokeSession(ctx, "bye"))
			rec, err := s.SessionByToken(ctx, "bye")
			require.NoError(t, err)
			assert.True(t, rec.Revoked)

			// Second and third revocations are silent no-ops.
			require.NoError(t, s.RevokeSession(ctx, "bye"))
			require.NoError(t, s.RevokeSession(ctx, "never-existed"))
		})
	}
}

func TestRevokeAllForSubject(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := mustIdentity(t, s, "all@x.com")
			bystander := mustIdentity(t, s, "bystander@x.com")
			exp := time.Now().Add(time.Hour).Unix()
			require.NoError(t, s.CreateSession(ctx, u.ID, "s1", exp))
			require.NoError(t, s.CreateSession(ctx, u.ID, "s2", exp))
			require.NoError(t, s.CreateSession(ctx, bystander.ID, "s3", exp))

			require.NoError(t, s.RevokeAllForSubject(ctx, u.ID))
			for _, tok := range []string{"s1", "s2"} {
				rec, err := s.SessionByToken(ctx, tok)
				require.NoError(t, err)
				assert.True(t, rec.Revoked)
			}
			rec, err := s.SessionByToken(ctx, "s3")
			require.NoError(t, err)
			assert.False(t, rec.Revoked)
		})
	}
}

func TestProjectNumbering(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := mustIdentity(t, s, "owner@x.com")
			other := mustIdentity(t, s, "neighbor@x.com")

			for want := int64(1); want <= 3; want++ {
				p, err := s.CreateProject(ctx, owner.ID, "p", "")
				require.NoError(t, err)
				assert.Equal(t, want, p.Number)
			}
			// Scopes are independent: the neighbor starts at 1.
			p, err := s.CreateProject(ctx, other.ID, "q", "")
			require.NoError(t, err)
			assert.Equal(t, int64(1), p.Number)

			// Deleted numbers are not reused.
			victim, err := s.ProjectByNumber(ctx, owner.ID, 3)
			require.NoError(t, err)
			require.NoError(t, s.DeleteProject(ctx, victim.ID))
			p, err = s.CreateProject(ctx, owner.ID, "r", "")
			require.NoError(t, err)
			assert.Equal(t, int64(4), p.Number)
		})
	}
}

func TestConcurrentProjectCreation(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := mustIdentity(t, s, "burst@x.com")

			const n = 50
			numbers := make([]int64, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					p, err := s.CreateProject(ctx, owner.ID, "p", "")
					if err != nil {
						errs[i] = err
						return
					}
					numbers[i] = p.Number
				}(i)
			}
			wg.Wait()

			seen := map[int64]bool{}
			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				assert.False(t, seen[numbers[i]], "duplicate number %d", numbers[i])
				seen[numbers[i]] = true
			}
			// The allocated set is exactly {1..n}: no gaps, no duplicates.
			for want := int64(1); want <= n; want++ {
				assert.True(t, seen[want], "missing number %d", want)
			}
		})
	}
}

func TestProjectCRUD(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := mustIdentity(t, s, "crud@x.com")

			p, err := s.CreateProject(ctx, owner.ID, "Plans", "secret plans")
			require.NoError(t, err)

			got, err := s.ProjectByNumber(ctx, owner.ID, p.Number)
			require.NoError(t, err)
			assert.Equal(t, p.ID, got.ID)

			newName := "Renamed"
			got, err = s.UpdateProject(ctx, p.ID, ProjectUpdate{Name: &newName})
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got.Name)
			assert.Equal(t, "secret plans", got.Description, "untouched field survives partial update")

			list, err := s.ProjectsByOwner(ctx, owner.ID)
			require.NoError(t, err)
			require.Len(t, list, 1)

			require.NoError(t, s.DeleteProject(ctx, p.ID))
			_, err = s.ProjectByID(ctx, p.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteProject(ctx, p.ID), ErrNotFound)
		})
	}
}

func TestTasks(t *testing.T) {
	for name, s := range openAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := mustIdentity(t, s, "tasks@x.com")
			assignee := mustIdentity(t, s, "doer@x.com")
			p, err := s.CreateProject(ctx, owner.ID, "p", "")
			require.NoError(t, err)

			due := time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC)
			task, err := s.CreateTask(ctx, p.ID, TaskCreate{
				Title:      "write docs",
				Status:     StatusTodo,
				DueDate:    &due,
				AssigneeID: &assignee.ID,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), task.Number)

			task2, err := s.CreateTask(ctx, p.ID, TaskCreate{Title: "review docs", Status: StatusTodo})
			require.NoError(t, err)
			assert.Equal(t, int64(2), task2.Number)

			got, err := s.TaskByNumber(ctx, p.ID, 1)
			require.NoError(t, err)
			require.NotNil(t, got.DueDate)
			assert.True(t, got.DueDate.Equal(due))
			require.NotNil(t, got.AssigneeID)
			assert.Equal(t, assignee.ID, *got.AssigneeID)

			status := StatusInProgress
			pos := int64(5)
			got, err = s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &status, Position: &pos})
			require.NoError(t, err)
			assert.Equal(t, StatusInProgress, got.Status)
			assert.Equal(t, int64(5), got.Position)
			assert.Equal(t, "write docs", got.Title, "untouched field survives partial update")

			list, err := s.TasksByProject(ctx, p.ID)
			require.NoError(t, err)
			require.Len(t, list, 2)
			// Ordered by position, then number.
			assert.Equal(t, task2.ID, list[0].ID)

			require.NoError(t, s.DeleteTask(ctx, task2.ID))
			_, err = s.TaskByID(ctx, task2.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			// Task numbers keep counting after deletion.
			task3, err := s.CreateTask(ctx, p.ID, TaskCreate{Title: "ship it", Status: StatusTodo})
			require.NoError(t, err)
			assert.Equal(t, int64(3), task3.Number)
		})
	}
}

func TestSQLiteCorruptTimestampSurfaces(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "corrupt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec(
		`INSERT INTO identities(id,email,password_hash,name,role,created_at)
		 VALUES('x','bad@x.com','digest','','USER','not-a-timestamp')`)
	require.NoError(t, err)

	_, err = s.IdentityByEmail(context.Background(), "bad@x.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "invalid timestamp")
}
