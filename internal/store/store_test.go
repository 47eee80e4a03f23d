package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

func TestValidatePolygonWKT(t *testing.T) {
	valid := []string{
		"",
		"POLYGON((71.3 51.0, 71.5 51.0, 71.5 51.2, 71.3 51.2, 71.3 51.0))",
		"polygon((0 0, 1 0, 1 1, 0 0))",
	}
	for _, wkt := range valid {
		if err := ValidatePolygonWKT(wkt); err != nil {
			t.Fatalf("ValidatePolygonWKT(%q) = %v", wkt, err)
		}
	}
	invalid := []string{
		"POINT(1 2)",
		"POLYGON(0 0, 1 1)",
		"not geometry",
	}
	for _, wkt := range invalid {
		if err := ValidatePolygonWKT(wkt); err == nil {
			t.Fatalf("ValidatePolygonWKT(%q) accepted", wkt)
		}
	}
}

func TestValidatePointWKT(t *testing.T) {
	if err := ValidatePointWKT("POINT(71.42 51.16)"); err != nil {
		t.Fatalf("valid point rejected: %v", err)
	}
	if err := ValidatePointWKT("POINT(71.42 96.0)"); err == nil {
		t.Fatal("latitude out of range accepted")
	}
	if err := ValidatePointWKT("POINT(200 10)"); err == nil {
		t.Fatal("longitude out of range accepted")
	}
	if err := ValidatePointWKT(""); err != nil {
		t.Fatalf("empty location rejected: %v", err)
	}
}

func TestParsePointWKT(t *testing.T) {
	lon, lat, err := ParsePointWKT("SRID=4326;POINT(71.42 51.16)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if lon != 71.42 || lat != 51.16 {
		t.Fatalf("lon/lat = %v/%v", lon, lat)
	}
	if _, _, err := ParsePointWKT("POINT(banana)"); err == nil {
		t.Fatal("malformed point accepted")
	}
}

func TestEWKT(t *testing.T) {
	if got := EWKT("POINT(1 2)"); got != "SRID=4326;POINT(1 2)" {
		t.Fatalf("EWKT = %q", got)
	}
	if got := EWKT("SRID=4326;POINT(1 2)"); got != "SRID=4326;POINT(1 2)" {
		t.Fatalf("EWKT double-prefixed: %q", got)
	}
	if got := EWKT(""); got != "" {
		t.Fatalf("EWKT(\"\") = %q", got)
	}
}

func seed(t *testing.T, s *MemoryStore) (*models.Project, *models.File) {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Name: "field", OwnerID: uuid.New(), IsActive: true}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	file := &models.File{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		Filename: "a.jpg", FileType: models.FileTypeImage, Checksum: "c", StoragePath: "a.jpg", Size: 1,
	}
	if err := s.CreateFile(ctx, file); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return project, file
}

func TestDeleteFileRemovesRow(t *testing.T) {
	s := NewMemoryStore()
	_, file := seed(t, s)
	ctx := context.Background()

	if err := s.DeleteFile(ctx, file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetFile(ctx, file.ID); err == nil {
		t.Fatal("file still readable after delete")
	}
	var nf *apperr.NotFoundError
	if err := s.DeleteFile(ctx, file.ID); !errors.As(err, &nf) {
		t.Fatalf("second delete = %v, want NotFoundError", err)
	}
}

func TestCreateTaskRejectsForeignInputs(t *testing.T) {
	s := NewMemoryStore()
	project, _ := seed(t, s)
	ctx := context.Background()

	task := &models.ProcessingTask{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		TaskType: "drone-orthomosaic", InputFiles: []uuid.UUID{uuid.New()},
		Status: models.StatusPending,
	}
	err := s.CreateTask(ctx, task)
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestUpdateTaskCASConflicts(t *testing.T) {
	s := NewMemoryStore()
	project, file := seed(t, s)
	ctx := context.Background()

	task := &models.ProcessingTask{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		TaskType: "drone-orthomosaic", InputFiles: []uuid.UUID{file.ID},
		Status: models.StatusPending,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := s.GetTask(ctx, task.ID)
	second, _ := s.GetTask(ctx, task.ID)

	first.Status = models.StatusProcessing
	if err := s.UpdateTaskCAS(ctx, first, 0); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("version = %d, want 1", first.Version)
	}

	second.Status = models.StatusCancelled
	err := s.UpdateTaskCAS(ctx, second, 0)
	if !apperr.IsConflict(err) {
		t.Fatalf("stale update: %v, want ConflictError", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != models.StatusProcessing {
		t.Fatalf("status = %s, lost update won", got.Status)
	}
}

func TestRegisterOutputFileIdempotent(t *testing.T) {
	s := NewMemoryStore()
	project, file := seed(t, s)
	ctx := context.Background()

	task := &models.ProcessingTask{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		TaskType: "drone-orthomosaic", InputFiles: []uuid.UUID{file.ID},
		Status: models.StatusProcessing,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	out := func() *models.File {
		id := task.ID
		return &models.File{
			ProjectID: project.ID, OwnerID: project.OwnerID,
			Filename: "out/ortho.tif", OriginalFilename: "ortho.tif",
			FileType: models.FileTypeOrthomosaic, Checksum: "abc", StoragePath: "out/ortho.tif",
			ProducedByTaskID: &id,
		}
	}

	first, created, err := s.RegisterOutputFile(ctx, out())
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}
	again, created, err := s.RegisterOutputFile(ctx, out())
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Fatal("duplicate descriptor created a second row")
	}
	if again.ID != first.ID {
		t.Fatalf("ids differ: %s vs %s", again.ID, first.ID)
	}

	if _, _, err := s.RegisterOutputFile(ctx, &models.File{Filename: "x"}); err == nil {
		t.Fatal("output without producing task accepted")
	}
}

func TestListFilesByProjectBounds(t *testing.T) {
	s := NewMemoryStore()
	project, _ := seed(t, s)
	ctx := context.Background()

	inside := &models.File{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		Filename: "in.jpg", FileType: models.FileTypeImage, Checksum: "1", StoragePath: "in.jpg",
		Location: "POINT(71.42 51.16)",
	}
	outside := &models.File{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		Filename: "out.jpg", FileType: models.FileTypeImage, Checksum: "2", StoragePath: "out.jpg",
		Location: "POINT(30.0 50.0)",
	}
	for _, f := range []*models.File{inside, outside} {
		if err := s.CreateFile(ctx, f); err != nil {
			t.Fatalf("create file: %v", err)
		}
	}

	got, err := s.ListFilesByProject(ctx, project.ID, &Bounds{MinLon: 71, MinLat: 51, MaxLon: 72, MaxLat: 52})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Filename != "in.jpg" {
		t.Fatalf("bounded list = %v", names(got))
	}

	all, err := s.ListFilesByProject(ctx, project.ID, nil)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unbounded list = %d files, want 3", len(all))
	}
}

func TestCreateDelegationSupersedesActive(t *testing.T) {
	s := NewMemoryStore()
	project, file := seed(t, s)
	ctx := context.Background()

	task := &models.ProcessingTask{
		ProjectID: project.ID, OwnerID: project.OwnerID,
		TaskType: "drone-orthomosaic", InputFiles: []uuid.UUID{file.ID},
		Status: models.StatusProcessing,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	d1 := &models.EngineDelegation{TaskID: task.ID, Kind: "drone", ExternalJobID: "a"}
	d2 := &models.EngineDelegation{TaskID: task.ID, Kind: "drone", ExternalJobID: "b"}
	if err := s.CreateDelegation(ctx, d1); err != nil {
		t.Fatalf("create d1: %v", err)
	}
	if err := s.CreateDelegation(ctx, d2); err != nil {
		t.Fatalf("create d2: %v", err)
	}

	active, err := s.ActiveDelegation(ctx, task.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ExternalJobID != "b" || active.Seq != 2 {
		t.Fatalf("active = %s seq=%d", active.ExternalJobID, active.Seq)
	}
}

func names(files []models.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Filename
	}
	return out
}
