package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/taskhub/internal/policy"
	"github.com/example/taskhub/internal/store"
	"github.com/gorilla/mux"
)

// Projects and tasks are addressed externally by their sequential numbers,
// never by internal ids. A caller's own projects are the default scope; the
// optional "owner" query parameter lets an assignee address a task inside
// someone else's project.

type projectView struct {
	Number      int64  `json:"projectNumber"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func viewProject(p *store.Project) projectView {
	return projectView{
		Number:      p.Number,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type taskView struct {
	Number      int64   `json:"taskNumber"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Position    int64   `json:"position"`
	DueDate     *string `json:"dueDate,omitempty"`
	AssignedTo  *string `json:"assignedTo,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

func viewTask(t *store.Task) taskView {
	v := taskView{
		Number:      t.Number,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Position:    t.Position,
		AssignedTo:  t.AssigneeID,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.DueDate != nil {
		d := t.DueDate.UTC().Format(time.RFC3339)
		v.DueDate = &d
	}
	return v
}

func pathNumber(r *http.Request, key string) (int64, bool) {
	n, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// scopeOwner returns the owner id the project number is resolved against:
// the "owner" query parameter when present, else the caller itself.
func scopeOwner(r *http.Request, caller CallerIdentity) string {
	if o := r.URL.Query().Get("owner"); o != "" {
		return o
	}
	return caller.SubjectID
}

func (a *App) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	projects, err := a.Store.ProjectsByOwner(ctx, caller.SubjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, viewProject(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Project name is required")
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := a.Store.CreateProject(ctx, caller.SubjectID, in.Name, in.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewProject(p))
}

func (a *App) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	number, ok := pathNumber(r, "number")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid project number")
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := policy.AssertProjectOwner(ctx, a.Store, scopeOwner(r, caller), number, caller.SubjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewProject(p))
}

func (a *App) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	number, ok := pathNumber(r, "number")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid project number")
		return
	}
	var in struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Name != nil && *in.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Project name cannot be empty")
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := policy.AssertProjectOwner(ctx, a.Store, scopeOwner(r, caller), number, caller.SubjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	updated, err := a.Store.UpdateProject(ctx, p.ID, store.ProjectUpdate{Name: in.Name, Description: in.Description})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewProject(updated))
}

func (a *App) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	number, ok := pathNumber(r, "number")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid project number")
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := policy.AssertProjectOwner(ctx, a.Store, scopeOwner(r, caller), number, caller.SubjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := a.Store.DeleteProject(ctx, p.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *App) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	number, ok := pathNumber(r, "number")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid project number")
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := policy.AssertProjectOwner(ctx, a.Store, scopeOwner(r, caller), number, caller.SubjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tasks, err := a.Store.TasksByProject(ctx, p.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	number, ok := pathNumber(r, "number")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid project number")
		return
	}
	var in struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Status      string  `json:"status"`
		Position    int64   `json:"position"`
		DueDate     *string `json:"dueDate"`
		AssignedTo  *string `json:"assignedTo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Task title is required")
		return
	}
	if in.Status == "" {
		in.Status = store.StatusTodo
	}
	if !store.ValidStatus(in.Status) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown task status")
		return
	}
	if in.Position < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Position must not be negative")
		return
	}
	tc := store.TaskCreate{
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Position:    in.Position,
		AssigneeID:  in.AssignedTo,
	}
	if in.DueDate != nil {
		d, err := time.Parse(time.RFC3339, *in.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid due date")
			return
		}
		tc.DueDate = &d
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := policy.AssertProjectOwner(ctx, a.Store, scopeOwner(r, caller), number, caller.SubjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tc.AssigneeID != nil && !a.checkAssignee(ctx, w, *tc.AssigneeID) {
		return
	}
	t, err := a.Store.CreateTask(ctx, p.ID, tc)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewTask(t))
}

// checkAssignee rejects an assignedTo value that names no known identity.
// Postgres would catch this with the tasks.assignee_id foreign key, but the
// other adapters have no constraint to fall back on, so the handlers validate
// before writing.
func (a *App) checkAssignee(ctx context.Context, w http.ResponseWriter, id string) bool {
	if _, err := a.Store.IdentityByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Assignee does not exist")
		} else {
			writeDomainError(w, err)
		}
		return false
	}
	return true
}

// resolveTask loads the project and task addressed by the request path.
func (a *App) resolveTask(w http.ResponseWriter, r *http.Request, caller CallerIdentity) (*store.Project, *store.Task, bool) {
	number, ok := pathNumber(r, "number")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid project number")
		return nil, nil, false
	}
	taskNumber, ok := pathNumber(r, "taskNumber")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid task number")
		return nil, nil, false
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	p, err := a.Store.ProjectByNumber(ctx, scopeOwner(r, caller), number)
	if err != nil {
		writeDomainError(w, err)
		return nil, nil, false
	}
	t, err := a.Store.TaskByNumber(ctx, p.ID, taskNumber)
	if err != nil {
		writeDomainError(w, err)
		return nil, nil, false
	}
	return p, t, true
}

func (a *App) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	p, t, ok := a.resolveTask(w, r, caller)
	if !ok {
		return
	}
	if policy.EvaluateTaskModify(p, t, caller.SubjectID).Authority == policy.None {
		writeDomainError(w, policy.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(t))
}

func (a *App) HandleUpdateTask(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	var in struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
		Position    *int64  `json:"position"`
		DueDate     *string `json:"dueDate"`
		AssignedTo  *string `json:"assignedTo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Title != nil && *in.Title == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Task title cannot be empty")
		return
	}
	if in.Status != nil && !store.ValidStatus(*in.Status) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown task status")
		return
	}
	if in.Position != nil && *in.Position < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Position must not be negative")
		return
	}
	upd := store.TaskUpdate{
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Position:    in.Position,
		AssigneeID:  in.AssignedTo,
	}
	if in.DueDate != nil {
		d, err := time.Parse(time.RFC3339, *in.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid due date")
			return
		}
		upd.DueDate = &d
	}

	p, t, ok := a.resolveTask(w, r, caller)
	if !ok {
		return
	}
	// The decision gates the whole update: one disallowed field rejects it,
	// nothing is silently dropped.
	decision := policy.EvaluateTaskModify(p, t, caller.SubjectID)
	if !decision.Allows(upd.Fields()) {
		writeDomainError(w, policy.ErrForbidden)
		return
	}

	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if upd.AssigneeID != nil && !a.checkAssignee(ctx, w, *upd.AssigneeID) {
		return
	}
	updated, err := a.Store.UpdateTask(ctx, t.ID, upd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(updated))
}

func (a *App) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	p, t, ok := a.resolveTask(w, r, caller)
	if !ok {
		return
	}
	if policy.EvaluateTaskModify(p, t, caller.SubjectID).Authority != policy.Full {
		writeDomainError(w, policy.ErrForbidden)
		return
	}
	ctx, cancel := a.storeCtx(r)
	defer cancel()
	if err := a.Store.DeleteTask(ctx, t.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}
