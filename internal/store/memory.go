package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-memory adapter. Useful for tests and local development;
// state does not survive a restart, so the restart-stability guarantee of
// sequence numbers only holds for the durable adapters.
type Memory struct {
	mu         sync.Mutex
	identities map[string]*Identity // keyed by id
	byEmail    map[string]string    // email -> id
	sessions   map[string]*SessionRecord
	projects   map[string]*Project
	tasks      map[string]*Task
	counters   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		identities: map[string]*Identity{},
		byEmail:    map[string]string{},
		sessions:   map[string]*SessionRecord{},
		projects:   map[string]*Project{},
		tasks:      map[string]*Task{},
		counters:   map[string]int64{},
	}
}

func (m *Memory) CreateIdentity(ctx context.Context, email, passwordHash, name, role string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrEmailTaken
	}
	id := &Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	m.identities[id.ID] = id
	m.byEmail[email] = id.ID
	cp := *id
	return &cp, nil
}

func (m *Memory) IdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.identities[id]
	return &cp, nil
}

func (m *Memory) IdentityByID(ctx context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) ListIdentities(ctx context.Context) ([]*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Identity, 0, len(m.identities))
	for _, u := range m.identities {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Memory) CreateSession(ctx context.Context, subjectID, token string, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; ok {
		return ErrDuplicateToken
	}
	m.sessions[token] = &SessionRecord{
		Token:     token,
		SubjectID: subjectID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) RotateSession(ctx context.Context, oldToken, subjectID, newToken string, newExpiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[oldToken]
	if !ok {
		return ErrUnknownToken
	}
	if rec.Revoked {
		return ErrSessionRevoked
	}
	if rec.SubjectID != subjectID {
		return ErrSubjectMismatch
	}
	// Checked before the revoke so a failed rotation leaves oldToken intact,
	// matching the transactional adapters.
	if _, ok := m.sessions[newToken]; ok {
		return ErrDuplicateToken
	}
	rec.Revoked = true
	m.sessions[newToken] = &SessionRecord{
		Token:     newToken,
		SubjectID: subjectID,
		ExpiresAt: newExpiresAt,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) RevokeSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[token]; ok {
		rec.Revoked = true
	}
	return nil
}

func (m *Memory) RevokeAllForSubject(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.sessions {
		if rec.SubjectID == subjectID {
			rec.Revoked = true
		}
	}
	return nil
}

func (m *Memory) SessionByToken(ctx context.Context, token string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) CreateProject(ctx context.Context, ownerID, name, description string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[projectScope(ownerID)]++
	now := time.Now().UTC()
	p := &Project{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Number:      m.counters[projectScope(ownerID)],
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.projects[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *Memory) ProjectsByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Project
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) ProjectByNumber(ctx context.Context, ownerID string, number int64) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.OwnerID == ownerID && p.Number == number {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ProjectByID(ctx context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	for tid, t := range m.tasks {
		if t.ProjectID == id {
			delete(m.tasks, tid)
		}
	}
	return nil
}

func (m *Memory) CreateTask(ctx context.Context, projectID string, tc TaskCreate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[taskScope(projectID)]++
	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Number:      m.counters[taskScope(projectID)],
		Title:       tc.Title,
		Description: tc.Description,
		Status:      tc.Status,
		Position:    tc.Position,
		DueDate:     tc.DueDate,
		AssigneeID:  tc.AssigneeID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *Memory) TasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *Memory) TaskByNumber(ctx context.Context, projectID string, number int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ProjectID == projectID && t.Number == number {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TaskByID(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Position != nil {
		t.Position = *upd.Position
	}
	if upd.DueDate != nil {
		t.DueDate = upd.DueDate
	}
	if upd.AssigneeID != nil {
		t.AssigneeID = upd.AssigneeID
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) Close() error                  { return nil }
func (m *Memory) Ping(ctx context.Context) bool { return true }
