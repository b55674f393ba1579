package controller

import (
	"context"
	"strconv"
	"strings"

	commonmw "judgeflow/internal/common/http/middleware"
	"judgeflow/internal/submit/service"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionService is the part of the submit service the HTTP layer uses.
type SubmissionService interface {
	Submit(ctx context.Context, input service.SubmitInput) (*service.SubmissionResult, error)
	GetByUser(ctx context.Context, userID int64) ([]service.SubmissionSummary, error)
	GetByProblem(ctx context.Context, problemID int64) ([]service.SubmissionSummary, error)
	GetByID(ctx context.Context, submissionID, viewerID int64) (*service.SubmissionDetail, error)
}

// SubmitController handles submission HTTP endpoints.
type SubmitController struct {
	submitService SubmissionService
}

// NewSubmitController creates a new SubmitController.
func NewSubmitController(submitService SubmissionService) *SubmitController {
	return &SubmitController{submitService: submitService}
}

// Create judges a submission and returns its verdict. The submitter is the
// authenticated principal; no user id is read from the body.
func (h *SubmitController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	userID, _ := commonmw.UserIDFromContext(c.Request.Context())
	result, err := h.submitService.Submit(c.Request.Context(), service.SubmitInput{
		ProblemID:      req.ProblemID,
		LanguageID:     req.LanguageID,
		SourceCode:     req.SourceCode,
		Stdin:          req.Stdin,
		UserID:         userID,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		ClientIP:       c.ClientIP(),
	})
	if err != nil {
		if result != nil {
			response.ErrorWithData(c, err, result)
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// ListMine returns the caller's submission history.
func (h *SubmitController) ListMine(c *gin.Context) {
	userID, ok := commonmw.UserIDFromContext(c.Request.Context())
	if !ok {
		response.Unauthorized(c, "login required")
		return
	}
	list, err := h.submitService.GetByUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, list)
}

// ListByProblem returns a problem's submission history.
func (h *SubmitController) ListByProblem(c *gin.Context) {
	problemID, ok := parseID(c.Param("id"))
	if !ok {
		response.BadRequest(c, "Invalid problem id")
		return
	}
	list, err := h.submitService.GetByProblem(c.Request.Context(), problemID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, list)
}

// Get returns one submission; source is included for its owner only.
func (h *SubmitController) Get(c *gin.Context) {
	submissionID, ok := parseID(c.Param("id"))
	if !ok {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	viewerID, _ := commonmw.UserIDFromContext(c.Request.Context())
	detail, err := h.submitService.GetByID(c.Request.Context(), submissionID, viewerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, detail)
}

// RegisterRoutes mounts the submission endpoints under api. Submitting and
// reading single submissions works anonymously; history of "me" needs a token.
func (h *SubmitController) RegisterRoutes(api gin.IRouter, verifier *commonmw.TokenVerifier) {
	optional := commonmw.PrincipalMiddleware(verifier, false)
	required := commonmw.PrincipalMiddleware(verifier, true)

	submissions := api.Group("/submissions")
	submissions.POST("", optional, h.Create)
	submissions.GET("/me", required, h.ListMine)
	submissions.GET("/:id", optional, h.Get)

	api.GET("/problems/:id/submissions", h.ListByProblem)
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// SubmitRequest defines submission payload.
type SubmitRequest struct {
	ProblemID  int64  `json:"problem_id" binding:"required"`
	LanguageID int    `json:"language_id" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
	Stdin      string `json:"stdin"`
}
