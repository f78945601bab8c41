package store

import "time"

// Roles assignable to an identity.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Task statuses.
const (
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusBlocked    = "BLOCKED"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Identity is a registered account.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	CreatedAt    time.Time
}

// SessionRecord tracks one issued refresh credential. Records are never
// deleted; revocation only ever flips Revoked from false to true.
type SessionRecord struct {
	Token     string
	SubjectID string
	ExpiresAt int64
	Revoked   bool
	CreatedAt time.Time
}

// Project is an owned resource. Number is unique per owner and the numbers
// ever allocated for an owner form a gap-free sequence starting at 1.
type Project struct {
	ID          string
	OwnerID     string
	Number      int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task belongs to a project. Number is unique per project with the same
// gap-free sequence guarantee as Project.Number.
type Task struct {
	ID          string
	ProjectID   string
	Number      int64
	Title       string
	Description string
	Status      string
	Position    int64
	DueDate     *time.Time
	AssigneeID  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectUpdate is a partial update; nil fields are left untouched.
type ProjectUpdate struct {
	Name        *string
	Description *string
}

// TaskCreate carries the caller-supplied fields for a new task.
type TaskCreate struct {
	Title       string
	Description string
	Status      string
	Position    int64
	DueDate     *time.Time
	AssigneeID  *string
}

// TaskUpdate is a partial update; nil fields are left untouched.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Position    *int64
	DueDate     *time.Time
	AssigneeID  *string
}

// Fields lists the names of the fields this update touches. The policy
// boundary uses it to enforce limited-authority updates.
func (u TaskUpdate) Fields() []string {
	var fs []string
	if u.Title != nil {
		fs = append(fs, "title")
	}
	if u.Description != nil {
		fs = append(fs, "description")
	}
	if u.Status != nil {
		fs = append(fs, "status")
	}
	if u.Position != nil {
		fs = append(fs, "position")
	}
	if u.DueDate != nil {
		fs = append(fs, "dueDate")
	}
	if u.AssigneeID != nil {
		fs = append(fs, "assignedTo")
	}
	return fs
}
