package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres adapter. Tables come from migrations; open only verifies
// connectivity, matching how the service boots.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return &Postgres{db: d}, nil
}

func isUniqueViolationPG(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) CreateIdentity(ctx context.Context, email, passwordHash, name, role string) (*Identity, error) {
	u := &Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		Role:         role,
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO identities(id,email,password_hash,name,role,created_at) VALUES($1,$2,$3,$4,$5,now()) RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Role).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolationPG(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return u, nil
}

func (p *Postgres) scanIdentity(row *sql.Row) (*Identity, error) {
	var u Identity
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) IdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	return p.scanIdentity(p.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,name,role,created_at FROM identities WHERE email = $1`, email))
}

func (p *Postgres) IdentityByID(ctx context.Context, id string) (*Identity, error) {
	return p.scanIdentity(p.db.QueryRowContext(ctx,
		`SELECT id,email,password_hash,name,role,created_at FROM identities WHERE id = $1`, id))
}

func (p *Postgres) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id,email,password_hash,name,role,created_at FROM identities ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Identity
	for rows.Next() {
		var u Identity
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSession(ctx context.Context, subjectID, token string, expiresAt int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions(token,subject_id,expires_at,created_at) VALUES($1,$2,$3,now())`,
		token, subjectID, expiresAt)
	if isUniqueViolationPG(err) {
		return ErrDuplicateToken
	}
	return err
}

func (p *Postgres) RotateSession(ctx context.Context, oldToken, subjectID, newToken string, newExpiresAt int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked = true WHERE token = $1 AND subject_id = $2 AND revoked = false`,
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
		var revoked bool
		err := tx.QueryRowContext(ctx,
			`SELECT subject_id, revoked FROM sessions WHERE token = $1`, oldToken).Scan(&subject, &revoked)
		if err == sql.ErrNoRows {
			return ErrUnknownToken
		}
		if err != nil {
			return err
		}
		if revoked {
			return ErrSessionRevoked
		}
		return ErrSubjectMismatch
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(token,subject_id,expires_at,created_at) VALUES($1,$2,$3,now())`,
		newToken, subjectID, newExpiresAt); err != nil {
		if isUniqueViolationPG(err) {
			return ErrDuplicateToken
		}
		return err
	}
	return tx.Commit()
}

func (p *Postgres) RevokeSession(ctx context.Context, token string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = true WHERE token = $1 AND revoked = false`, token)
	return err
}

func (p *Postgres) RevokeAllForSubject(ctx context.Context, subjectID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = true WHERE subject_id = $1`, subjectID)
	return err
}

func (p *Postgres) SessionByToken(ctx context.Context, token string) (*SessionRecord, error) {
	var rec SessionRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT token,subject_id,expires_at,revoked,created_at FROM sessions WHERE token = $1`, token).
		Scan(&rec.Token, &rec.SubjectID, &rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nextNumberPG(ctx context.Context, tx *sql.Tx, scope string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO sequences(scope, value) VALUES($1, 1)
		 ON CONFLICT (scope) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`, scope).Scan(&n)
	return n, err
}

func (p *Postgres) CreateProject(ctx context.Context, ownerID, name, description string) (*Project, error) {
	for attempt := 0; attempt < allocRetries; attempt++ {
		proj, err := p.createProjectOnce(ctx, ownerID, name, description)
		if err == nil {
			return proj, nil
		}
		if !isUniqueViolationPG(err) {
			return nil, err
		}
	}
	return nil, ErrAllocationConflict
}

func (p *Postgres) createProjectOnce(ctx context.Context, ownerID, name, description string) (*Project, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	number, err := nextNumberPG(ctx, tx, projectScope(ownerID))
	if err != nil {
		return nil, err
	}
	proj := &Project{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Number:      number,
		Name:        name,
		Description: description,
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO projects(id,owner_id,number,name,description,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,now(),now()) RETURNING created_at, updated_at`,
		proj.ID, proj.OwnerID, proj.Number, proj.Name, proj.Description).
		Scan(&proj.CreatedAt, &proj.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return proj, nil
}

const pgProjectCols = `id,owner_id,number,name,description,created_at,updated_at`

func scanProjectPG(scan func(dest ...any) error) (*Project, error) {
	var p Project
	if err := scan(&p.ID, &p.OwnerID, &p.Number, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (p *Postgres) ProjectsByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgProjectCols+` FROM projects WHERE owner_id = $1 ORDER BY number`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		proj, err := scanProjectPG(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, proj)
	}
	return out, rows.Err()
}

func (p *Postgres) ProjectByNumber(ctx context.Context, ownerID string, number int64) (*Project, error) {
	return scanProjectPG(p.db.QueryRowContext(ctx,
		`SELECT `+pgProjectCols+` FROM projects WHERE owner_id = $1 AND number = $2`, ownerID, number).Scan)
}

func (p *Postgres) ProjectByID(ctx context.Context, id string) (*Project, error) {
	return scanProjectPG(p.db.QueryRowContext(ctx,
		`SELECT `+pgProjectCols+` FROM projects WHERE id = $1`, id).Scan)
}

func (p *Postgres) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*Project, error) {
	set := []string{"updated_at = now()"}
	var args []any
	n := 1
	if upd.Name != nil {
		set = append(set, fmt.Sprintf("name = $%d", n))
		args = append(args, *upd.Name)
		n++
	}
	if upd.Description != nil {
		set = append(set, fmt.Sprintf("description = $%d", n))
		args = append(args, *upd.Description)
		n++
	}
	args = append(args, id)
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE projects SET %s WHERE id = $%d`, strings.Join(set, ", "), n), args...)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return p.ProjectByID(ctx, id)
}

func (p *Postgres) DeleteProject(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateTask(ctx context.Context, projectID string, tc TaskCreate) (*Task, error) {
	for attempt := 0; attempt < allocRetries; attempt++ {
		t, err := p.createTaskOnce(ctx, projectID, tc)
		if err == nil {
			return t, nil
		}
		if !isUniqueViolationPG(err) {
			return nil, err
		}
	}
	return nil, ErrAllocationConflict
}

func (p *Postgres) createTaskOnce(ctx context.Context, projectID string, tc TaskCreate) (*Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	number, err := nextNumberPG(ctx, tx, taskScope(projectID))
	if err != nil {
		return nil, err
	}
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
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO tasks(id,project_id,number,title,description,status,position,due_date,assignee_id,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now()) RETURNING created_at, updated_at`,
		t.ID, t.ProjectID, t.Number, t.Title, t.Description, t.Status, t.Position, t.DueDate, t.AssigneeID).
		Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

const pgTaskCols = `id,project_id,number,title,description,status,position,due_date,assignee_id,created_at,updated_at`

func scanTaskPG(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var due sql.NullTime
	var assignee sql.NullString
	if err := scan(&t.ID, &t.ProjectID, &t.Number, &t.Title, &t.Description, &t.Status,
		&t.Position, &due, &assignee, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	return &t, nil
}

func (p *Postgres) TasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgTaskCols+` FROM tasks WHERE project_id = $1 ORDER BY position, number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskPG(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) TaskByNumber(ctx context.Context, projectID string, number int64) (*Task, error) {
	return scanTaskPG(p.db.QueryRowContext(ctx,
		`SELECT `+pgTaskCols+` FROM tasks WHERE project_id = $1 AND number = $2`, projectID, number).Scan)
}

func (p *Postgres) TaskByID(ctx context.Context, id string) (*Task, error) {
	return scanTaskPG(p.db.QueryRowContext(ctx,
		`SELECT `+pgTaskCols+` FROM tasks WHERE id = $1`, id).Scan)
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	set := []string{"updated_at = now()"}
	var args []any
	n := 1
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Position != nil {
		add("position", *upd.Position)
	}
	if upd.DueDate != nil {
		add("due_date", *upd.DueDate)
	}
	if upd.AssigneeID != nil {
		add("assignee_id", *upd.AssigneeID)
	}
	args = append(args, id)
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, strings.Join(set, ", "), n), args...)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return p.TaskByID(ctx, id)
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Close() error                  { return p.db.Close() }
func (p *Postgres) Ping(ctx context.Context) bool { return p.db.PingContext(ctx) == nil }
