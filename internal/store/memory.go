// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

// MemoryStore is an in-memory CatalogStore/TaskStore used by unit tests
// and local development without postgres. Spatial filtering supports
// bounding boxes over point locations.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]models.User
	projects    map[uuid.UUID]models.Project
	files       map[uuid.UUID]models.File
	tasks       map[uuid.UUID]models.ProcessingTask
	delegations map[uuid.UUID]models.EngineDelegation
	analyses    map[uuid.UUID]models.Analysis
	layers      map[uuid.UUID]models.VisualizationLayer
	apiKeys     map[uuid.UUID]models.ApiKey
	audits      []models.AuditLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]models.User),
		projects:    make(map[uuid.UUID]models.Project),
		files:       make(map[uuid.UUID]models.File),
		tasks:       make(map[uuid.UUID]models.ProcessingTask),
		delegations: make(map[uuid.UUID]models.EngineDelegation),
		analyses:    make(map[uuid.UUID]models.Analysis),
		layers:      make(map[uuid.UUID]models.VisualizationLayer),
		apiKeys:     make(map[uuid.UUID]models.ApiKey),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	for _, u := range s.users {
		if u.Email == user.Email || u.Username == user.Username {
			return apperr.Conflict("user already exists")
		}
	}
	user.CreatedAt = time.Now().UTC()
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id.String())
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, apperr.NotFound("user", email)
}

func (s *MemoryStore) UpdateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return apperr.NotFound("user", user.ID.String())
	}
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) CreateProject(_ context.Context, project *models.Project) error {
	if err := ValidatePolygonWKT(project.Boundary); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	project.CreatedAt = time.Now().UTC()
	s.projects[project.ID] = *project
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFound("project", id.String())
	}
	return &p, nil
}

func (s *MemoryStore) ListProjects(_ context.Context, ownerID uuid.UUID, page, size int) ([]models.Project, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Project
	for _, p := range s.projects {
		if ownerID == uuid.Nil || p.OwnerID == ownerID {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := (page - 1) * size
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *MemoryStore) CreateFile(_ context.Context, file *models.File) error {
	if err := ValidatePointWKT(file.Location); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[file.ProjectID]; !ok {
		return apperr.NotFound("project", file.ProjectID.String())
	}
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	file.CreatedAt = time.Now().UTC()
	s.files[file.ID] = *file
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, id uuid.UUID) (*models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, apperr.NotFound("file", id.String())
	}
	return &f, nil
}

func (s *MemoryStore) GetFiles(_ context.Context, ids []uuid.UUID) ([]models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.File
	for _, id := range ids {
		if f, ok := s.files[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFilesByProject(_ context.Context, projectID uuid.UUID, bounds *Bounds) ([]models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.File
	for _, f := range s.files {
		if f.ProjectID != projectID {
			continue
		}
		if bounds != nil {
			lon, lat, err := ParsePointWKT(f.Location)
			if err != nil {
				continue
			}
			if lon < bounds.MinLon || lon > bounds.MaxLon || lat < bounds.MinLat || lat > bounds.MaxLat {
				continue
			}
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkFileProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return apperr.NotFound("file", id.String())
	}
	f.IsProcessed = true
	s.files[id] = f
	return nil
}

func (s *MemoryStore) DeleteFile(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return apperr.NotFound("file", id.String())
	}
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) RegisterOutputFile(_ context.Context, file *models.File) (*models.File, bool, error) {
	if file.ProducedByTaskID == nil {
		return nil, false, apperr.Validation("output file must reference its producing task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.ProducedByTaskID != nil && *f.ProducedByTaskID == *file.ProducedByTaskID && f.OriginalFilename == file.OriginalFilename {
			out := f
			return &out, false, nil
		}
	}
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	file.CreatedAt = time.Now().UTC()
	s.files[file.ID] = *file
	out := *file
	return &out, true, nil
}

func (s *MemoryStore) CreateLayer(_ context.Context, layer *models.VisualizationLayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if layer.ID == uuid.Nil {
		layer.ID = uuid.New()
	}
	layer.CreatedAt = time.Now().UTC()
	s.layers[layer.ID] = *layer
	return nil
}

func (s *MemoryStore) ListLayers(_ context.Context, projectID uuid.UUID) ([]models.VisualizationLayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VisualizationLayer
	for _, l := range s.layers {
		if l.ProjectID == projectID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateApiKey(_ context.Context, key *models.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now().UTC()
	s.apiKeys[key.ID] = *key
	return nil
}

func (s *MemoryStore) GetApiKey(_ context.Context, userID uuid.UUID, service string) (*models.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.ApiKey
	for _, k := range s.apiKeys {
		if k.UserID == userID && strings.EqualFold(k.Service, service) {
			k := k
			if newest == nil || k.CreatedAt.After(newest.CreatedAt) {
				newest = &k
			}
		}
	}
	if newest == nil {
		return nil, apperr.NotFound("api key", service)
	}
	return newest, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now().UTC()
	s.audits = append(s.audits, *entry)
	return nil
}

// AuditEntries returns a copy of the audit trail, oldest first.
func (s *MemoryStore) AuditEntries() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLog, len(s.audits))
	copy(out, s.audits)
	return out
}

func (s *MemoryStore) CreateTask(_ context.Context, task *models.ProcessingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range task.InputFiles {
		f, ok := s.files[id]
		if !ok || f.ProjectID != task.ProjectID {
			return apperr.Validation("input files must all belong to project %s", task.ProjectID)
		}
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.CreatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(*task)
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task", id.String())
	}
	out := cloneTask(t)
	return &out, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, projectID uuid.UUID, status models.TaskStatus) ([]models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProcessingTask
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListTasksByStatus(_ context.Context, status models.TaskStatus) ([]models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProcessingTask
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateTaskCAS(_ context.Context, task *models.ProcessingTask, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return apperr.NotFound("task", task.ID.String())
	}
	if current.Version != expectedVersion {
		return apperr.Conflict("task %s was updated concurrently", task.ID)
	}
	task.Version = expectedVersion + 1
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(*task)
	return nil
}

func (s *MemoryStore) CreateDelegation(_ context.Context, d *models.EngineDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxSeq := 0
	for id, existing := range s.delegations {
		if existing.TaskID != d.TaskID {
			continue
		}
		if existing.Seq > maxSeq {
			maxSeq = existing.Seq
		}
		if existing.Active {
			existing.Active = false
			s.delegations[id] = existing
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Seq = maxSeq + 1
	d.Active = true
	d.CreatedAt = time.Now().UTC()
	s.delegations[d.ID] = *d
	return nil
}

func (s *MemoryStore) ActiveDelegation(_ context.Context, taskID uuid.UUID) (*models.EngineDelegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.delegations {
		if d.TaskID == taskID && d.Active {
			out := d
			return &out, nil
		}
	}
	return nil, apperr.NotFound("delegation", taskID.String())
}

func (s *MemoryStore) UpdateDelegation(_ context.Context, d *models.EngineDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; !ok {
		return apperr.NotFound("delegation", d.ID.String())
	}
	d.UpdatedAt = time.Now().UTC()
	s.delegations[d.ID] = *d
	return nil
}

func (s *MemoryStore) CreateAnalysis(_ context.Context, a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range a.InputFiles {
		f, ok := s.files[id]
		if !ok || f.ProjectID != a.ProjectID {
			return apperr.Validation("input files must all belong to project %s", a.ProjectID)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now().UTC()
	s.analyses[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAnalysis(_ context.Context, id uuid.UUID) (*models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, apperr.NotFound("analysis", id.String())
	}
	out := a
	return &out, nil
}

func (s *MemoryStore) ListAnalysesByStatus(_ context.Context, status models.TaskStatus) ([]models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Analysis
	for _, a := range s.analyses {
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAnalysisCAS(_ context.Context, a *models.Analysis, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.analyses[a.ID]
	if !ok {
		return apperr.NotFound("analysis", a.ID.String())
	}
	if current.Version != expectedVersion {
		return apperr.Conflict("analysis %s was updated concurrently", a.ID)
	}
	a.Version = expectedVersion + 1
	s.analyses[a.ID] = *a
	return nil
}

func cloneTask(t models.ProcessingTask) models.ProcessingTask {
	t.InputFiles = append(t.InputFiles[:0:0], t.InputFiles...)
	t.OutputFiles = append(t.OutputFiles[:0:0], t.OutputFiles...)
	return t
}
