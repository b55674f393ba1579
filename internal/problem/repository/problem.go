package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
)

const (
	defaultProblemCacheTTL      = 10 * time.Minute
	defaultProblemCacheEmptyTTL = time.Minute
	problemHeaderKeyPrefix      = "problem:header:"
)

var (
	ErrProblemNotFound = errors.New("problem not found")
)

// Problem is the judging view of a problem: its limits and the ordered
// test cases every submission is run against.
type Problem struct {
	ID            int64
	Title         string
	TimeLimitMs   int
	MemoryLimitKB int64
	TestCases     []TestCase
}

// TestCase is a single input/expected-output pair. Hidden cases are never
// shown to submitters but are always judged.
type TestCase struct {
	ID             int64
	ProblemID      int64
	Ordinal        int
	Input          string
	ExpectedOutput string
	Hidden         bool
}

// problemHeader is the cached part of a problem.
type problemHeader struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	TimeLimitMs   int    `json:"time_limit_ms"`
	MemoryLimitKB int64  `json:"memory_limit_kb"`
}

// ProblemRepository reads problems owned by the problem service.
type ProblemRepository interface {
	GetForJudging(ctx context.Context, tx db.Transaction, problemID int64) (*Problem, error)
}

// MySQLProblemRepository implements ProblemRepository with MySQL.
// Only the title and limits are cached; test cases are read from the
// database on every call since problem edits happen outside this service.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) ProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultProblemCacheTTL, defaultProblemCacheEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) ProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemCacheEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// GetForJudging returns the problem with its current test cases in judging
// order.
func (r *MySQLProblemRepository) GetForJudging(ctx context.Context, tx db.Transaction, problemID int64) (*Problem, error) {
	if problemID <= 0 {
		return nil, ErrProblemNotFound
	}
	header, err := r.getHeader(ctx, tx, problemID)
	if err != nil {
		return nil, err
	}
	testCases, err := r.listTestCases(ctx, tx, problemID)
	if err != nil {
		return nil, err
	}
	return &Problem{
		ID:            header.ID,
		Title:         header.Title,
		TimeLimitMs:   header.TimeLimitMs,
		MemoryLimitKB: header.MemoryLimitKB,
		TestCases:     testCases,
	}, nil
}

func (r *MySQLProblemRepository) getHeader(ctx context.Context, tx db.Transaction, problemID int64) (*problemHeader, error) {
	if r.cache == nil || tx != nil {
		return r.getHeaderFromDB(ctx, tx, problemID)
	}
	header, err := cache.GetWithCached[*problemHeader](
		ctx,
		r.cache,
		problemHeaderKey(problemID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(header *problemHeader) bool { return header == nil },
		marshalHeader,
		unmarshalHeader,
		func(ctx context.Context) (*problemHeader, error) {
			header, err := r.getHeaderFromDB(ctx, nil, problemID)
			if errors.Is(err, ErrProblemNotFound) {
				return nil, nil
			}
			return header, err
		},
	)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, ErrProblemNotFound
	}
	return header, nil
}

func (r *MySQLProblemRepository) getHeaderFromDB(ctx context.Context, tx db.Transaction, problemID int64) (*problemHeader, error) {
	row := db.GetQuerier(r.db, tx).QueryRow(ctx,
		"SELECT id, title, time_limit_ms, memory_limit_kb FROM problems WHERE id = ? LIMIT 1",
		problemID,
	)
	header := &problemHeader{}
	if err := row.Scan(&header.ID, &header.Title, &header.TimeLimitMs, &header.MemoryLimitKB); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	return header, nil
}

func (r *MySQLProblemRepository) listTestCases(ctx context.Context, tx db.Transaction, problemID int64) ([]TestCase, error) {
	query := `
		SELECT id, problem_id, ordinal, input, expected_output, hidden
		FROM test_cases
		WHERE problem_id = ?
		ORDER BY ordinal ASC, id ASC`
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var testCases []TestCase
	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Ordinal, &tc.Input, &tc.ExpectedOutput, &tc.Hidden); err != nil {
			return nil, err
		}
		testCases = append(testCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return testCases, nil
}

func problemHeaderKey(problemID int64) string {
	return problemHeaderKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalHeader(header *problemHeader) string {
	payload, err := json.Marshal(header)
	if err != nil {
		return ""
	}
	return string(payload)
}

func unmarshalHeader(data string) (*problemHeader, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var header problemHeader
	if err := json.Unmarshal([]byte(data), &header); err != nil {
		return nil, err
	}
	return &header, nil
}
