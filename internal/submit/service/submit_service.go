package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/engine"
	"judgeflow/internal/judge/model"
	judgeService "judgeflow/internal/judge/service"
	problemRepo "judgeflow/internal/problem/repository"
	"judgeflow/internal/submit/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "submit:idempotency:"
	rateUserKeyPrefix     = "submit:rate:user:"
	rateIPKeyPrefix       = "submit:rate:ip:"
	defaultSourcePrefix   = "submissions"
	defaultIdempotencyTTL = 10 * time.Minute
	processingMarker      = "processing"
	finalizeAttempts      = 3
	finalizeBackoff       = 100 * time.Millisecond
)

// Judge runs a submission against its test cases.
type Judge interface {
	Run(ctx context.Context, req judgeService.RunRequest) (*judgeService.Outcome, error)
}

// RateLimitConfig holds throttling configuration.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	IPMax   int           `yaml:"ipMax"`
	Window  time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
	Judge   time.Duration `yaml:"judge"`
}

// Config holds submit service dependencies and settings. Storage, Publisher
// and Cache are optional.
type Config struct {
	SubmissionRepo repository.SubmissionRepository
	ProblemRepo    problemRepo.ProblemRepository
	Judge          Judge
	Policy         engine.Policy
	Storage        storage.ObjectStorage
	Publisher      repository.VerdictEventPublisher
	Cache          cache.Cache

	SourceBucket    string
	SourceKeyPrefix string
	IdempotencyTTL  time.Duration
	RateLimit       RateLimitConfig
	Timeouts        TimeoutConfig
}

// SubmitService validates, persists and judges submissions and serves
// submission history.
type SubmitService struct {
	submissionRepo repository.SubmissionRepository
	problemRepo    problemRepo.ProblemRepository
	judge          Judge
	policy         engine.Policy
	storage        storage.ObjectStorage
	publisher      repository.VerdictEventPublisher
	cache          cache.Cache

	sourceBucket    string
	sourceKeyPrefix string
	idempotencyTTL  time.Duration
	rateLimit       RateLimitConfig
	timeouts        TimeoutConfig
}

// SubmitInput describes a submission request. UserID comes from the
// authenticated principal and is 0 for anonymous callers.
type SubmitInput struct {
	ProblemID  int64
	LanguageID int
	SourceCode string
	// Stdin is accepted for API compatibility; judging always uses the
	// problem's test cases.
	Stdin          string
	UserID         int64
	IdempotencyKey string
	ClientIP       string
}

// NewSubmitService creates a new submit service.
func NewSubmitService(cfg Config) (*SubmitService, error) {
	if cfg.SubmissionRepo == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.ProblemRepo == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Judge == nil {
		return nil, fmt.Errorf("judge is required")
	}
	if cfg.Storage != nil && cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourcePrefix
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &SubmitService{
		submissionRepo:  cfg.SubmissionRepo,
		problemRepo:     cfg.ProblemRepo,
		judge:           cfg.Judge,
		policy:          cfg.Policy,
		storage:         cfg.Storage,
		publisher:       cfg.Publisher,
		cache:           cfg.Cache,
		sourceBucket:    cfg.SourceBucket,
		sourceKeyPrefix: cfg.SourceKeyPrefix,
		idempotencyTTL:  cfg.IdempotencyTTL,
		rateLimit:       cfg.RateLimit,
		timeouts:        cfg.Timeouts,
	}, nil
}

// Submit judges one submission synchronously. Invalid requests fail before
// anything is persisted. Once the PENDING record exists it always ends in a
// terminal state; judging failures are recorded on it and then returned.
func (s *SubmitService) Submit(ctx context.Context, input SubmitInput) (*SubmissionResult, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, input.UserID, input.ClientIP); err != nil {
		return nil, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !acquired && existingID > 0 {
		submission, err := s.getSubmission(ctx, existingID)
		if err != nil {
			return nil, err
		}
		return toResult(submission), nil
	}

	submission, req, err := s.prepare(ctx, input)
	if err != nil {
		s.releaseIdempotency(ctx, input.IdempotencyKey, acquired)
		return nil, err
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, strconv.FormatInt(submission.ID, 10))
	s.finalizeIdempotency(ctx, input.IdempotencyKey, submission.ID, acquired)

	outcome, judgeErr := s.runJudge(ctx, req)
	final := finalFromOutcome(outcome, judgeErr)

	// The record must leave PENDING even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.finalizeSubmission(persistCtx, submission, final); err != nil {
		return nil, err
	}
	s.publishVerdict(persistCtx, submission)

	logger.Info(ctx, "submission judged",
		zap.Int64("problem_id", submission.ProblemID),
		zap.String("status", string(submission.Status)),
		zap.Int("passed", submission.PassedTestCases),
		zap.Int("total", submission.TotalTestCases),
		zap.Int("runtime_ms", submission.RuntimeMs),
	)
	if judgeErr != nil {
		return toResult(submission), judgeErr
	}
	return toResult(submission), nil
}

// prepare runs every check that needs the problem, archives the source and
// persists the PENDING record. The returned request snapshots the test cases.
func (s *SubmitService) prepare(ctx context.Context, input SubmitInput) (*repository.Submission, judgeService.RunRequest, error) {
	var req judgeService.RunRequest
	problem, err := s.loadProblem(ctx, input.ProblemID)
	if err != nil {
		return nil, req, err
	}
	if len(problem.TestCases) == 0 {
		return nil, req, appErr.Newf(appErr.NoTestCases, "problem %d has no test cases", problem.ID)
	}

	sourceKey, err := s.uploadSource(ctx, input.SourceCode)
	if err != nil {
		return nil, req, err
	}

	submission := &repository.Submission{
		UserID:         input.UserID,
		ProblemID:      problem.ID,
		ProblemTitle:   problem.Title,
		LanguageID:     input.LanguageID,
		SourceCode:     input.SourceCode,
		SourceKey:      sourceKey,
		Status:         model.StatusPending,
		TotalTestCases: len(problem.TestCases),
		SubmittedAt:    time.Now().UTC(),
	}
	if err := s.createSubmission(ctx, submission); err != nil {
		return nil, req, err
	}

	req = judgeService.RunRequest{
		SourceCode:   input.SourceCode,
		LanguageID:   input.LanguageID,
		TestCases:    make([]judgeService.TestCase, len(problem.TestCases)),
		CPUTimeLimit: float64(problem.TimeLimitMs) / 1000,
		MemoryLimit:  problem.MemoryLimitKB,
	}
	for i, tc := range problem.TestCases {
		req.TestCases[i] = judgeService.TestCase{ID: tc.ID, Input: tc.Input, ExpectedOutput: tc.ExpectedOutput}
	}
	return submission, req, nil
}

func (s *SubmitService) validateInput(input SubmitInput) error {
	if input.ProblemID <= 0 {
		return appErr.ValidationError("problem_id", "required")
	}
	return s.policy.Validate(input.SourceCode, input.LanguageID)
}

func (s *SubmitService) loadProblem(ctx context.Context, problemID int64) (*problemRepo.Problem, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	problem, err := s.problemRepo.GetForJudging(ctxDB.ctx, nil, problemID)
	if err != nil {
		if errors.Is(err, problemRepo.ErrProblemNotFound) {
			return nil, appErr.Newf(appErr.ProblemNotFound, "problem %d not found", problemID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem failed")
	}
	return problem, nil
}

func (s *SubmitService) runJudge(ctx context.Context, req judgeService.RunRequest) (outcome *judgeService.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "judging panicked", zap.Any("panic", r))
			outcome = nil
			err = appErr.Newf(appErr.InternalServerError, "judging panicked: %v", r)
		}
	}()
	ctxJudge := withTimeout(ctx, s.timeouts.Judge)
	defer ctxJudge.cancel()
	return s.judge.Run(ctxJudge.ctx, req)
}

// finalFromOutcome maps the judge result onto the terminal record.
func finalFromOutcome(outcome *judgeService.Outcome, err error) repository.Final {
	final := repository.Final{FinishedAt: time.Now().UTC()}
	if outcome != nil {
		final.Status = outcome.Status
		final.RuntimeMs = outcome.RuntimeMs
		final.PassedTestCases = outcome.Passed
		final.Output = outcome.Output
		final.ErrorMessage = outcome.Error
		if outcome.MemoryKB > 0 {
			memory := outcome.MemoryKB
			final.MemoryKB = &memory
		}
	}
	if err != nil {
		final.Status = FailureStatus(err)
		final.ErrorMessage = err.Error()
	}
	if final.Status == "" {
		final.Status = model.StatusInternalError
	}
	return final
}

// FailureStatus is the terminal state recorded for a whole-run failure.
func FailureStatus(err error) model.SubmissionStatus {
	switch appErr.GetCode(err) {
	case appErr.RejectedByEngine, appErr.EngineUnavailable:
		return model.StatusJudgeEngineError
	case appErr.JudgingTimeout, appErr.Timeout:
		return model.StatusJudgeTimeout
	default:
		return model.StatusInternalError
	}
}

func (s *SubmitService) createSubmission(ctx context.Context, submission *repository.Submission) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if _, err := s.submissionRepo.Create(ctxDB.ctx, nil, submission); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	return nil
}

func (s *SubmitService) finalizeSubmission(ctx context.Context, submission *repository.Submission, final repository.Final) error {
	var err error
	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(finalizeBackoff * time.Duration(attempt))
		}
		ctxDB := withTimeout(ctx, s.timeouts.DB)
		err = s.submissionRepo.Finalize(ctxDB.ctx, nil, submission, final)
		ctxDB.cancel()
		if err == nil || errors.Is(err, repository.ErrAlreadyFinalized) {
			break
		}
		logger.Warn(ctx, "finalize submission failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionFinalizeFail, "finalize submission failed")
	}
	return nil
}

func (s *SubmitService) publishVerdict(ctx context.Context, submission *repository.Submission) {
	if s.publisher == nil {
		return
	}
	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	if err := s.publisher.PublishVerdict(ctxMQ.ctx, submission); err != nil {
		logger.Warn(ctx, "publish verdict event failed", zap.Error(err))
	}
}

func (s *SubmitService) uploadSource(ctx context.Context, source string) (string, error) {
	if s.storage == nil {
		return "", nil
	}
	objectKey := s.buildSourceKey(uuid.NewString())
	reader := strings.NewReader(source)
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, objectKey, reader, reader.Size(), "text/plain; charset=utf-8"); err != nil {
		return "", appErr.Wrapf(err, appErr.SubmissionCreateFailed, "upload source failed")
	}
	return objectKey, nil
}

// Source returns the archived source of a submission, falling back to the
// copy stored on the record.
func (s *SubmitService) Source(ctx context.Context, submission *repository.Submission) (string, error) {
	if s.storage == nil || submission.SourceKey == "" {
		return submission.SourceCode, nil
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	body, err := s.storage.GetObject(ctxStorage.ctx, s.sourceBucket, submission.SourceKey)
	if err != nil {
		logger.Warn(ctx, "read archived source failed", zap.String("key", submission.SourceKey), zap.Error(err))
		return submission.SourceCode, nil
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, int64(s.policy.MaxSourceBytes())+1))
	if err != nil {
		return submission.SourceCode, nil
	}
	return string(data), nil
}

func (s *SubmitService) buildSourceKey(id string) string {
	return fmt.Sprintf("%s/%s/%s/source.code", s.sourceKeyPrefix, time.Now().UTC().Format("2006/01/02"), id)
}

func (s *SubmitService) acquireIdempotency(ctx context.Context, key string) (bool, int64, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.cache == nil {
		return true, 0, nil
	}
	cacheKey := idempotencyKeyPrefix + key
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, 0, nil
	}
	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, 0, appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if id, err := strconv.ParseInt(existing, 10, 64); err == nil && id > 0 {
		return false, id, nil
	}
	return false, 0, appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *SubmitService) finalizeIdempotency(ctx context.Context, key string, submissionID int64, acquired bool) {
	key = strings.TrimSpace(key)
	if !acquired || key == "" || s.cache == nil {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, idempotencyKeyPrefix+key, strconv.FormatInt(submissionID, 10), s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) releaseIdempotency(ctx context.Context, key string, acquired bool) {
	key = strings.TrimSpace(key)
	if !acquired || key == "" || s.cache == nil {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, idempotencyKeyPrefix+key); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) checkRateLimit(ctx context.Context, userID int64, clientIP string) error {
	if s.cache == nil || s.rateLimit.Window <= 0 || (s.rateLimit.UserMax <= 0 && s.rateLimit.IPMax <= 0) {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	if s.rateLimit.UserMax > 0 && userID > 0 {
		if err := s.checkRateCounter(ctxCache.ctx, rateUserKeyPrefix+strconv.FormatInt(userID, 10), s.rateLimit.UserMax); err != nil {
			return err
		}
	}
	if s.rateLimit.IPMax > 0 && clientIP != "" {
		if err := s.checkRateCounter(ctxCache.ctx, rateIPKeyPrefix+clientIP, s.rateLimit.IPMax); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubmitService) checkRateCounter(ctx context.Context, key string, max int) error {
	count, err := s.cache.Incr(ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if count == 1 {
		_ = s.cache.Expire(ctx, key, s.rateLimit.Window)
	}
	if int(count) > max {
		return appErr.New(appErr.TooManyRequests).WithMessage("submit too frequently")
	}
	return nil
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
