package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/submit/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var submissionRowColumns = []string{
	"id", "user_id", "problem_id", "title", "language_id", "source_code", "source_key",
	"status", "runtime_ms", "memory_kb", "output", "error_message",
	"passed_test_cases", "total_test_cases", "submitted_at", "finished_at",
}

var submittedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSubmissionRepo(t *testing.T) (repository.SubmissionRepository, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := repository.NewSubmissionRepository(db.NewMySQLWithDB(sqlDB), cache.NewRedisCacheWithClient(client))
	return repo, mock, mr
}

func pendingRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows(submissionRowColumns).
		AddRow(id, int64(9), int64(7), "A+B", 71, "print(1)", "sources/x", "PENDING", nil, nil, nil, nil, 0, 3, submittedAt, nil)
}

func acceptedRow(id int64) *sqlmock.Rows {
	finished := submittedAt.Add(time.Second)
	return sqlmock.NewRows(submissionRowColumns).
		AddRow(id, int64(9), int64(7), "A+B", 71, "print(1)", "sources/x", "ACCEPTED", 200, 1024, "", "", 3, 3, submittedAt, finished)
}

func pendingSubmission() *repository.Submission {
	return &repository.Submission{
		UserID:         9,
		ProblemID:      7,
		LanguageID:     71,
		SourceCode:     "print(1)",
		Status:         model.StatusPending,
		TotalTestCases: 3,
		SubmittedAt:    submittedAt,
	}
}

func TestCreate_InsertsPendingRecord(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	mock.ExpectExec("INSERT INTO submissions").
		WithArgs(int64(9), int64(7), 71, "print(1)", "", "PENDING", 0, 3, submittedAt).
		WillReturnResult(sqlmock.NewResult(42, 1))

	sub := pendingSubmission()
	id, err := repo.Create(context.Background(), nil, sub)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != 42 || sub.ID != 42 {
		t.Fatalf("id = %d, sub.ID = %d", id, sub.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreate_AnonymousStoresNullUser(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	mock.ExpectExec("INSERT INTO submissions").
		WithArgs(nil, int64(7), 71, "print(1)", "", "PENDING", 0, 3, submittedAt).
		WillReturnResult(sqlmock.NewResult(43, 1))

	sub := pendingSubmission()
	sub.UserID = 0
	if _, err := repo.Create(context.Background(), nil, sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreate_RejectsInvalidRecords(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	cases := map[string]func(*repository.Submission){
		"not pending":     func(s *repository.Submission) { s.Status = model.StatusAccepted },
		"no test cases":   func(s *repository.Submission) { s.TotalTestCases = 0 },
		"missing problem": func(s *repository.Submission) { s.ProblemID = 0 },
	}
	for name, mutate := range cases {
		sub := pendingSubmission()
		mutate(sub)
		if _, err := repo.Create(context.Background(), nil, sub); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement expected: %v", err)
	}
}

func TestFinalize_IsWriteOnce(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	sub := pendingSubmission()
	sub.ID = 42
	final := repository.Final{Status: model.StatusAccepted, RuntimeMs: 200, PassedTestCases: 3}

	mock.ExpectExec("UPDATE submissions").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Finalize(context.Background(), nil, sub, final); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if sub.Status != model.StatusAccepted || sub.FinishedAt == nil {
		t.Fatalf("submission not updated in place: %+v", sub)
	}

	mock.ExpectExec("UPDATE submissions").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.Finalize(context.Background(), nil, sub, final); !errors.Is(err, repository.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFinalize_RejectsNonTerminalOrOutOfRange(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	sub := pendingSubmission()
	sub.ID = 42

	if err := repo.Finalize(context.Background(), nil, sub, repository.Final{Status: model.StatusPending}); err == nil {
		t.Fatal("expected error for pending final status")
	}
	if err := repo.Finalize(context.Background(), nil, sub, repository.Final{Status: model.StatusAccepted, PassedTestCases: 4}); err == nil {
		t.Fatal("expected error for passed > total")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement expected: %v", err)
	}
}

func TestGetByID_NeverServesImageOlderThanFinalize(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM submissions s").WithArgs(int64(42)).WillReturnRows(pendingRow(42))
	for i := 0; i < 2; i++ {
		got, err := repo.GetByID(ctx, nil, 42)
		if err != nil || got.Status != model.StatusPending {
			t.Fatalf("GetByID() = %+v, %v", got, err)
		}
	}

	sub := pendingSubmission()
	sub.ID = 42
	mock.ExpectExec("UPDATE submissions").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Finalize(ctx, nil, sub, repository.Final{Status: model.StatusAccepted, RuntimeMs: 200, PassedTestCases: 3}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	mock.ExpectQuery("FROM submissions s").WithArgs(int64(42)).WillReturnRows(acceptedRow(42))
	got, err := repo.GetByID(ctx, nil, 42)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != model.StatusAccepted || got.RuntimeMs != 200 || got.MemoryKB == nil || *got.MemoryKB != 1024 {
		t.Fatalf("stale or wrong submission %+v", got)
	}
	if got.ProblemTitle != "A+B" || got.FinishedAt == nil {
		t.Fatalf("unexpected projection %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	mock.ExpectQuery("FROM submissions s").WithArgs(int64(404)).WillReturnRows(sqlmock.NewRows(submissionRowColumns))

	if _, err := repo.GetByID(context.Background(), nil, 404); !errors.Is(err, repository.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
}

func TestListByUser_InvalidatedByCreate(t *testing.T) {
	repo, mock, _ := newSubmissionRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("WHERE s.user_id = \\?").WithArgs(int64(9), 100).WillReturnRows(acceptedRow(41))
	for i := 0; i < 2; i++ {
		list, err := repo.ListByUser(ctx, 9)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListByUser() = %v, %v", list, err)
		}
	}

	mock.ExpectExec("INSERT INTO submissions").WillReturnResult(sqlmock.NewResult(42, 1))
	if _, err := repo.Create(ctx, nil, pendingSubmission()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rows := acceptedRow(41)
	rows.AddRow(int64(42), int64(9), int64(7), "A+B", 71, "print(1)", "", "PENDING", nil, nil, nil, nil, 0, 3, submittedAt, nil)
	mock.ExpectQuery("WHERE s.user_id = \\?").WithArgs(int64(9), 100).WillReturnRows(rows)
	list, err := repo.ListByUser(ctx, 9)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByUser() after create = %v, %v", list, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByProblem_InvalidatedByFinalize(t *testing.T) {
	repo, mock, mr := newSubmissionRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("WHERE s.problem_id = \\?").WithArgs(int64(7), 100).WillReturnRows(pendingRow(42))
	if _, err := repo.ListByProblem(ctx, 7); err != nil {
		t.Fatalf("ListByProblem() error = %v", err)
	}

	sub := pendingSubmission()
	sub.ID = 42
	mock.ExpectExec("UPDATE submissions").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Finalize(ctx, nil, sub, repository.Final{Status: model.StatusWrongAnswer, PassedTestCases: 2}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if gen, _ := mr.Get("submission:problem:7:gen"); gen != "1" {
		t.Fatalf("problem history generation = %q, want 1", gen)
	}
	if gen, _ := mr.Get("submission:user:9:gen"); gen != "1" {
		t.Fatalf("user history generation = %q, want 1", gen)
	}

	mock.ExpectQuery("WHERE s.problem_id = \\?").WithArgs(int64(7), 100).WillReturnRows(acceptedRow(42))
	list, err := repo.ListByProblem(ctx, 7)
	if err != nil || len(list) != 1 || list[0].Status != model.StatusAccepted {
		t.Fatalf("ListByProblem() after finalize = %v, %v", list, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByUser_AnonymousHasNoHistory(t *testing.T) {
	repo, _, _ := newSubmissionRepo(t)
	list, err := repo.ListByUser(context.Background(), 0)
	if err != nil || list != nil {
		t.Fatalf("ListByUser(0) = %v, %v", list, err)
	}
}
