package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/judge/model"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 5 * time.Minute
	defaultHistoryLimit            = 100
	submissionCacheKeyPrefix       = "submission:"
	userHistoryKeyPrefix           = "submission:user:"
	problemHistoryKeyPrefix        = "submission:problem:"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrAlreadyFinalized is returned when a submission left PENDING before.
	ErrAlreadyFinalized = errors.New("submission already finalized")
)

// Submission is the canonical submission record.
type Submission struct {
	ID              int64
	UserID          int64 // 0 for anonymous submissions
	ProblemID       int64
	ProblemTitle    string
	LanguageID      int
	SourceCode      string
	SourceKey       string
	Status          model.SubmissionStatus
	RuntimeMs       int
	MemoryKB        *int64
	Output          string
	ErrorMessage    string
	PassedTestCases int
	TotalTestCases  int
	SubmittedAt     time.Time
	FinishedAt      *time.Time
}

// Final carries the only fields a submission may change after creation.
type Final struct {
	Status          model.SubmissionStatus
	RuntimeMs       int
	MemoryKB        *int64
	Output          string
	ErrorMessage    string
	PassedTestCases int
	FinishedAt      time.Time
}

// SubmissionRepository defines submission persistence interfaces.
type SubmissionRepository interface {
	Create(ctx context.Context, tx db.Transaction, submission *Submission) (int64, error)
	Finalize(ctx context.Context, tx db.Transaction, submission *Submission, final Final) error
	GetByID(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error)
	ListByUser(ctx context.Context, userID int64) ([]*Submission, error)
	ListByProblem(ctx context.Context, problemID int64) ([]*Submission, error)
}

// Options tunes cache lifetimes and the history window.
type Options struct {
	TTL          time.Duration
	EmptyTTL     time.Duration
	HistoryLimit int
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db           db.Database
	cache        cache.Cache
	ttl          time.Duration
	emptyTTL     time.Duration
	historyLimit int
}

// NewSubmissionRepository creates a submission repository with defaults.
func NewSubmissionRepository(database db.Database, cacheClient cache.Cache) SubmissionRepository {
	return NewSubmissionRepositoryWithOptions(database, cacheClient, Options{})
}

// NewSubmissionRepositoryWithOptions creates a submission repository with custom settings.
func NewSubmissionRepositoryWithOptions(database db.Database, cacheClient cache.Cache, opts Options) SubmissionRepository {
	if opts.TTL <= 0 {
		opts.TTL = defaultSubmissionCacheTTL
	}
	if opts.EmptyTTL <= 0 {
		opts.EmptyTTL = defaultSubmissionCacheEmptyTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &MySQLSubmissionRepository{
		db:           database,
		cache:        cacheClient,
		ttl:          opts.TTL,
		emptyTTL:     opts.EmptyTTL,
		historyLimit: opts.HistoryLimit,
	}
}

const submissionColumns = `
	s.id, s.user_id, s.problem_id, COALESCE(p.title, ''), s.language_id, s.source_code, s.source_key,
	s.status, s.runtime_ms, s.memory_kb, s.output, s.error_message,
	s.passed_test_cases, s.total_test_cases, s.submitted_at, s.finished_at`

const submissionFrom = " FROM submissions s LEFT JOIN problems p ON p.id = s.problem_id"

// Create inserts a PENDING submission and returns its id. The history views
// of the owner and the problem are invalidated once the row exists.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, tx db.Transaction, submission *Submission) (int64, error) {
	if submission == nil {
		return 0, errors.New("submission is nil")
	}
	if submission.ProblemID <= 0 {
		return 0, errors.New("problemID is required")
	}
	if submission.LanguageID <= 0 {
		return 0, errors.New("languageID is required")
	}
	if submission.Status != model.StatusPending {
		return 0, errors.New("submission must be created pending")
	}
	if submission.TotalTestCases <= 0 {
		return 0, errors.New("totalTestCases is required")
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO submissions
		(user_id, problem_id, language_id, source_code, source_key, status, passed_test_cases, total_test_cases, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		nullableUserID(submission.UserID),
		submission.ProblemID,
		submission.LanguageID,
		submission.SourceCode,
		submission.SourceKey,
		string(submission.Status),
		0,
		submission.TotalTestCases,
		submission.SubmittedAt,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	submission.ID = id
	r.invalidate(ctx, submission)
	return id, nil
}

// Finalize moves a PENDING submission to its terminal state. A second call
// for the same submission fails with ErrAlreadyFinalized.
func (r *MySQLSubmissionRepository) Finalize(ctx context.Context, tx db.Transaction, submission *Submission, final Final) error {
	if submission == nil || submission.ID <= 0 {
		return errors.New("submission id is required")
	}
	if !final.Status.IsTerminal() || !final.Status.Valid() {
		return errors.New("final status must be terminal")
	}
	if final.PassedTestCases < 0 || final.PassedTestCases > submission.TotalTestCases {
		return errors.New("passedTestCases out of range")
	}
	if final.FinishedAt.IsZero() {
		final.FinishedAt = time.Now().UTC()
	}

	query := `
		UPDATE submissions
		SET status = ?, runtime_ms = ?, memory_kb = ?, output = ?, error_message = ?, passed_test_cases = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		string(final.Status),
		final.RuntimeMs,
		final.MemoryKB,
		final.Output,
		final.ErrorMessage,
		final.PassedTestCases,
		final.FinishedAt,
		submission.ID,
		string(model.StatusPending),
	)
	if err != nil {
		return err
	}
	if err := db.RequireAffected(result); err != nil {
		if db.IsNoRows(err) {
			return ErrAlreadyFinalized
		}
		return err
	}

	submission.Status = final.Status
	submission.RuntimeMs = final.RuntimeMs
	submission.MemoryKB = final.MemoryKB
	submission.Output = final.Output
	submission.ErrorMessage = final.ErrorMessage
	submission.PassedTestCases = final.PassedTestCases
	finishedAt := final.FinishedAt
	submission.FinishedAt = &finishedAt
	r.invalidate(ctx, submission)
	return nil
}

// GetByID retrieves a submission by id.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error) {
	if submissionID <= 0 {
		return nil, ErrSubmissionNotFound
	}
	if r.cache != nil && tx == nil {
		submission, err := cache.GetVersioned[*Submission](
			ctx,
			r.cache,
			submissionCacheKey(submissionID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(submission *Submission) bool { return submission == nil },
			marshalJSON[*Submission],
			unmarshalSubmission,
			func(ctx context.Context) (*Submission, error) {
				submission, err := r.getByIDFromDB(ctx, nil, submissionID)
				if errors.Is(err, ErrSubmissionNotFound) {
					return nil, nil
				}
				return submission, err
			},
		)
		if err != nil {
			return nil, err
		}
		if submission == nil {
			return nil, ErrSubmissionNotFound
		}
		return submission, nil
	}
	return r.getByIDFromDB(ctx, tx, submissionID)
}

// ListByUser returns the user's most recent submissions, newest first.
func (r *MySQLSubmissionRepository) ListByUser(ctx context.Context, userID int64) ([]*Submission, error) {
	if userID <= 0 {
		return nil, nil
	}
	return r.listCached(ctx, userHistoryKey(userID), "s.user_id = ?", userID)
}

// ListByProblem returns the problem's most recent submissions, newest first.
func (r *MySQLSubmissionRepository) ListByProblem(ctx context.Context, problemID int64) ([]*Submission, error) {
	if problemID <= 0 {
		return nil, nil
	}
	return r.listCached(ctx, problemHistoryKey(problemID), "s.problem_id = ?", problemID)
}

func (r *MySQLSubmissionRepository) listCached(ctx context.Context, key, where string, arg int64) ([]*Submission, error) {
	if r.cache == nil {
		return r.listFromDB(ctx, where, arg)
	}
	return cache.GetVersioned[[]*Submission](
		ctx,
		r.cache,
		key,
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(list []*Submission) bool { return len(list) == 0 },
		marshalJSON[[]*Submission],
		unmarshalSubmissionList,
		func(ctx context.Context) ([]*Submission, error) {
			return r.listFromDB(ctx, where, arg)
		},
	)
}

func (r *MySQLSubmissionRepository) listFromDB(ctx context.Context, where string, arg int64) ([]*Submission, error) {
	query := "SELECT " + submissionColumns + submissionFrom +
		" WHERE " + where + " ORDER BY s.submitted_at DESC, s.id DESC LIMIT ?"
	rows, err := r.db.Query(ctx, query, arg, r.historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MySQLSubmissionRepository) getByIDFromDB(ctx context.Context, tx db.Transaction, submissionID int64) (*Submission, error) {
	query := "SELECT " + submissionColumns + submissionFrom + " WHERE s.id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID)
	submission, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return submission, nil
}

// invalidate drops every view a write can change. Cache failures are only logged.
func (r *MySQLSubmissionRepository) invalidate(ctx context.Context, submission *Submission) {
	if r.cache == nil {
		return
	}
	keys := []string{submissionCacheKey(submission.ID), problemHistoryKey(submission.ProblemID)}
	if submission.UserID > 0 {
		keys = append(keys, userHistoryKey(submission.UserID))
	}
	if err := cache.Invalidate(ctx, r.cache, keys...); err != nil {
		logger.Warn(ctx, "submission cache invalidation failed",
			zap.Int64("submission_id", submission.ID),
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanner) (*Submission, error) {
	var (
		s          Submission
		userID     sql.NullInt64
		status     string
		runtimeMs  sql.NullInt64
		memoryKB   sql.NullInt64
		output     sql.NullString
		errMessage sql.NullString
		sourceKey  sql.NullString
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&userID,
		&s.ProblemID,
		&s.ProblemTitle,
		&s.LanguageID,
		&s.SourceCode,
		&sourceKey,
		&status,
		&runtimeMs,
		&memoryKB,
		&output,
		&errMessage,
		&s.PassedTestCases,
		&s.TotalTestCases,
		&s.SubmittedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	s.UserID = userID.Int64
	s.SourceKey = sourceKey.String
	s.Status = model.SubmissionStatus(status)
	s.RuntimeMs = int(runtimeMs.Int64)
	if memoryKB.Valid {
		m := memoryKB.Int64
		s.MemoryKB = &m
	}
	s.Output = output.String
	s.ErrorMessage = errMessage.String
	if finishedAt.Valid {
		t := finishedAt.Time
		s.FinishedAt = &t
	}
	return &s, nil
}

func nullableUserID(userID int64) interface{} {
	if userID <= 0 {
		return nil
	}
	return userID
}

func submissionCacheKey(submissionID int64) string {
	return submissionCacheKeyPrefix + strconv.FormatInt(submissionID, 10)
}

func userHistoryKey(userID int64) string {
	return userHistoryKeyPrefix + strconv.FormatInt(userID, 10)
}

func problemHistoryKey(problemID int64) string {
	return problemHistoryKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalJSON[T any](v T) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*Submission, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var submission Submission
	if err := json.Unmarshal([]byte(data), &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}

func unmarshalSubmissionList(data string) ([]*Submission, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var list []*Submission
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	return list, nil
}
