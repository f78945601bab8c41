package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite adapter. Schema is created on open; the service does not run
// golang-migrate against sqlite files.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer connection; sqlite serializes writes anyway and this
	// keeps concurrent transactions from tripping over SQLITE_BUSY.
	d.SetMaxOpenConns(1)
	s := &SQLite{db: d}
	if err := s.init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'USER',
			created_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS sequences (
			scope TEXT PRIMARY KEY,
			value INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(owner_id, number));`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'TODO',
			position INTEGER NOT NULL DEFAULT 0,
			due_date TEXT,
			assignee_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(project_id, number));`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolationSQLite(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// parseTS decodes a stored RFC3339Nano timestamp. A row that fails here is
// corrupt and the read errors out rather than returning zero times.
func parseTS(col, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid timestamp %q: %w", col, v, err)
	}
	return t, nil
}

func (s *SQLite) CreateIdentity(ctx context.Context, email, passwordHash, name, role string) (*Identity, error) {
	u := &Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(id,email,password_hash,name,role,created_at) VALUES(?,?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolationSQLite(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLite) scanIdentity(row *sql.Row) (*Identity, error) {
	var u Identity
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if u.CreatedAt, err = parseTS("identities.created_at", created); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) IdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,name,role,created_at FROM identities WHERE email = ?`, email))
}

func (s *SQLite) IdentityByID(ctx context.Context, id string) (*Identity, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,name,role,created_at FROM identities WHERE id = ?`, id))
}

func (s *SQLite) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,email,password_hash,name,role,created_at FROM identities ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Identity
	for rows.Next() {
		var u Identity
		var created string
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &created); err != nil {
			return nil, err
		}
		if u.CreatedAt, err = parseTS("identities.created_at", created); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSession(ctx context.Context, subjectID, token string, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token,subject_id,expires_at,created_at) VALUES(?,?,?,?)`,
		token, subjectID, expiresAt, time.Now().UTC().Format(time.RFC3339Nano))
	if isUniqueViolationSQLite(err) {
		return ErrDuplicateToken
	}
	return err
}

func (s *SQLite) RotateSession(ctx context.Context, oldToken, subjectID, newToken string, newExpiresAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Conditional revoke: exactly one of any number of racing rotations
	// flips the row, everyone else sees zero rows affected.
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE token = ? AND subject_id = ? AND revoked = 0`,
		oldToken, subjectID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var subject string
		var revoked int
		err := tx.QueryRowContext(ctx,
			`SELECT subject_id, revoked FROM sessions WHERE token = ?`, oldToken).Scan(&subject, &revoked)
		if err == sql.ErrNoRows {
			return ErrUnknownToken
		}
		if err != nil {
			return err
		}
		if revoked != 0 {
			return ErrSessionRevoked
		}
		return ErrSubjectMismatch
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(token,subject_id,expires_at,created_at) VALUES(?,?,?,?)`,
		newToken, subjectID, newExpiresAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		if isUniqueViolationSQLite(err) {
			return ErrDuplicateToken
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLite) RevokeSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE token = ? AND revoked = 0`, token)
	return err
}

func (s *SQLite) RevokeAllForSubject(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE subject_id = ?`, subjectID)
	return err
}

func (s *SQLite) SessionByToken(ctx context.Context, token string) (*SessionRecord, error) {
	var rec SessionRecord
	var revoked int
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT token,subject_id,expires_at,revoked,created_at FROM sessions WHERE token = ?`, token).
		Scan(&rec.Token, &rec.SubjectID, &rec.ExpiresAt, &revoked, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Revoked = revoked != 0
	if rec.CreatedAt, err = parseTS("sessions.created_at", created); err != nil {
		return nil, err
	}
	return &rec, nil
}

// nextNumber bumps the scope counter inside tx and returns the new value.
// The upsert is a single statement, so two transactions cannot read the same
// counter value.
func nextNumberSQLite(ctx context.Context, tx *sql.Tx, scope string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO sequences(scope, value) VALUES(?, 1)
		 ON CONFLICT(scope) DO UPDATE SET value = value + 1
		 RETURNING value`, scope).Scan(&n)
	return n, err
}

func (s *SQLite) CreateProject(ctx context.Context, ownerID, name, description string) (*Project, error) {
	for attempt := 0; attempt < allocRetries; attempt++ {
		p, err := s.createProjectOnce(ctx, ownerID, name, description)
		if err == nil {
			return p, nil
		}
		if !isUniqueViolationSQLite(err) {
			return nil, err
		}
	}
	return nil, ErrAllocationConflict
}

func (s *SQLite) createProjectOnce(ctx context.Context, ownerID, name, description string) (*Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	number, err := nextNumberSQLite(ctx, tx, projectScope(ownerID))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := &Project{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Number:      number,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects(id,owner_id,number,name,description,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Number, p.Name, p.Description,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func scanProjectRow(scan func(dest ...any) error) (*Project, error) {
	var p Project
	var created, updated string
	if err := scan(&p.ID, &p.OwnerID, &p.Number, &p.Name, &p.Description, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTS("projects.created_at", created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTS("projects.updated_at", updated); err != nil {
		return nil, err
	}
	return &p, nil
}

const sqliteProjectCols = `id,owner_id,number,name,description,created_at,updated_at`

func (s *SQLite) ProjectsByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProjectCols+` FROM projects WHERE owner_id = ? ORDER BY number`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) ProjectByNumber(ctx context.Context, ownerID string, number int64) (*Project, error) {
	return scanProjectRow(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProjectCols+` FROM projects WHERE owner_id = ? AND number = ?`, ownerID, number).Scan)
}

func (s *SQLite) ProjectByID(ctx context.Context, id string) (*Project, error) {
	return scanProjectRow(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProjectCols+` FROM projects WHERE id = ?`, id).Scan)
}

func (s *SQLite) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*Project, error) {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if upd.Name != nil {
		set = append(set, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *upd.Description)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE projects SET %s WHERE id = ?`, strings.Join(set, ", ")), args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.ProjectByID(ctx, id)
}

func (s *SQLite) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, id)
	return err
}

func (s *SQLite) CreateTask(ctx context.Context, projectID string, tc TaskCreate) (*Task, error) {
	for attempt := 0; attempt < allocRetries; attempt++ {
		t, err := s.createTaskOnce(ctx, projectID, tc)
		if err == nil {
			return t, nil
		}
		if !isUniqueViolationSQLite(err) {
			return nil, err
		}
	}
	return nil, ErrAllocationConflict
}

func (s *SQLite) createTaskOnce(ctx context.Context, projectID string, tc TaskCreate) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	number, err := nextNumberSQLite(ctx, tx, taskScope(projectID))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Number:      number,
		Title:       tc.Title,
		Description: tc.Description,
		Status:      tc.Status,
		Position:    tc.Position,
		DueDate:     tc.DueDate,
		AssigneeID:  tc.AssigneeID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var due any
	if t.DueDate != nil {
		due = t.DueDate.UTC().Format(time.RFC3339Nano)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(id,project_id,number,title,description,status,position,due_date,assignee_id,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Number, t.Title, t.Description, t.Status, t.Position,
		due, t.AssigneeID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

const sqliteTaskCols = `id,project_id,number,title,description,status,position,due_date,assignee_id,created_at,updated_at`

func scanTaskRow(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var due, assignee sql.NullString
	var created, updated string
	if err := scan(&t.ID, &t.ProjectID, &t.Number, &t.Title, &t.Description, &t.Status,
		&t.Position, &due, &assignee, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if due.Valid {
		d, err := parseTS("tasks.due_date", due.String)
		if err != nil {
			return nil, err
		}
		t.DueDate = &d
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	var err error
	if t.CreatedAt, err = parseTS("tasks.created_at", created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTS("tasks.updated_at", updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLite) TasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskCols+` FROM tasks WHERE project_id = ? ORDER BY position, number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) TaskByNumber(ctx context.Context, projectID string, number int64) (*Task, error) {
	return scanTaskRow(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskCols+` FROM tasks WHERE project_id = ? AND number = ?`, projectID, number).Scan)
}

func (s *SQLite) TaskByID(ctx context.Context, id string) (*Task, error) {
	return scanTaskRow(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskCols+` FROM tasks WHERE id = ?`, id).Scan)
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if upd.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Position != nil {
		set = append(set, "position = ?")
		args = append(args, *upd.Position)
	}
	if upd.DueDate != nil {
		set = append(set, "due_date = ?")
		args = append(args, upd.DueDate.UTC().Format(time.RFC3339Nano))
	}
	if upd.AssigneeID != nil {
		set = append(set, "assignee_id = ?")
		args = append(args, *upd.AssigneeID)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(set, ", ")), args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.TaskByID(ctx, id)
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error                  { return s.db.Close() }
func (s *SQLite) Ping(ctx context.Context) bool { return s.db.PingContext(ctx) == nil }
