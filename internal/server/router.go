package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/opuscritic/backend/internal/auth"
	"github.com/opuscritic/backend/internal/moderation"
	"github.com/opuscritic/backend/internal/ratings"
	"github.com/opuscritic/backend/internal/reviews"
	"github.com/opuscritic/backend/internal/spamreports"
	"github.com/opuscritic/backend/internal/users"
	"github.com/opuscritic/backend/internal/votes"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "opuscritic_user_id"
	adminContextKey  = "opuscritic_admin"
)

var (
	errMissingTokenValidator    = errors.New("token validator dependency required")
	errMissingAccountsService   = errors.New("accounts service dependency required")
	errMissingReviewsService    = errors.New("reviews service dependency required")
	errMissingRatingsService    = errors.New("ratings service dependency required")
	errMissingVotesService      = errors.New("votes service dependency required")
	errMissingReportsService    = errors.New("reports service dependency required")
	errMissingModerationService = errors.New("moderation service dependency required")
)

// TokenValidator checks bearer tokens minted by the session collaborator.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the domain services into the HTTP layer.
type Dependencies struct {
	Tokens     TokenValidator
	Accounts   *users.Service
	Reviews    *reviews.Service
	Ratings    *ratings.Service
	Votes      *votes.Service
	Reports    *spamreports.Service
	Moderation *moderation.Service
	Logger     *zap.Logger
}

// NewHTTPHandler assembles the gin router. All business rules live in the
// domain services; handlers only translate between HTTP and the core.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Reviews == nil {
		return nil, errMissingReviewsService
	}
	if deps.Ratings == nil {
		return nil, errMissingRatingsService
	}
	if deps.Votes == nil {
		return nil, errMissingVotesService
	}
	if deps.Reports == nil {
		return nil, errMissingReportsService
	}
	if deps.Moderation == nil {
		return nil, errMissingModerationService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		accounts:   deps.Accounts,
		reviews:    deps.Reviews,
		ratings:    deps.Ratings,
		votes:      deps.Votes,
		reports:    deps.Reports,
		moderation: deps.Moderation,
		logger:     logger,
	}

	router.GET("/reviews", handler.attachIdentity, handler.handleListReviews)
	router.GET("/reviews/:id", handler.attachIdentity, handler.handleGetReview)
	router.GET("/reviews/:id/revisions", handler.attachIdentity, handler.handleListRevisions)
	router.GET("/reviews/:id/revisions/:offset", handler.attachIdentity, handler.handleGetRevision)
	router.GET("/reviews/:id/votes", handler.handleGetVotes)
	router.GET("/entities/:entity_type/:entity_id/rating", handler.handleGetRating)

	authorized := router.Group("/")
	authorized.Use(handler.authorizeRequest)
	authorized.POST("/reviews", handler.handleCreateReview)
	authorized.PATCH("/reviews/:id", handler.handleUpdateReview)
	authorized.DELETE("/reviews/:id", handler.handleDeleteReview)
	authorized.PUT("/reviews/:id/vote", handler.handleSubmitVote)
	authorized.DELETE("/reviews/:id/vote", handler.handleRetractVote)
	authorized.POST("/reviews/:id/report", handler.handleReportReview)

	admin := authorized.Group("/moderation")
	admin.Use(handler.requireAdmin)
	admin.POST("/reviews/:id/hide", handler.handleHideReview)
	admin.POST("/reviews/:id/unhide", handler.handleUnhideReview)
	admin.POST("/users/:id/block", handler.handleBlockUser)
	admin.POST("/users/:id/unblock", handler.handleUnblockUser)
	admin.GET("/logs", handler.handleListLogs)
	admin.GET("/reports", handler.handleListReports)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	accounts   *users.Service
	reviews    *reviews.Service
	ratings    *ratings.Service
	votes      *votes.Service
	reports    *spamreports.Service
	moderation *moderation.Service
	logger     *zap.Logger
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authorizeRequest rejects requests without a valid bearer token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Set(adminContextKey, identity.Admin)
	c.Next()
}

// attachIdentity parses a bearer token when present but lets anonymous
// requests through; public listings use it to widen visibility for authors
// and moderators.
func (h *httpHandler) attachIdentity(c *gin.Context) {
	if token := bearerToken(c); token != "" {
		if identity, err := h.tokens.ValidateToken(token); err == nil {
			c.Set(userIDContextKey, identity.UserID)
			c.Set(adminContextKey, identity.Admin)
		}
	}
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !c.GetBool(adminContextKey) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

type reviewPayload struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	EntityID         string  `json:"entity_id"`
	EntityType       string  `json:"entity_type"`
	LicenseID        string  `json:"license_id,omitempty"`
	Language         string  `json:"language,omitempty"`
	IsDraft          bool    `json:"is_draft"`
	IsHidden         bool    `json:"is_hidden"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	RevisionID       int64   `json:"revision_id"`
	EditedAtSeconds  int64   `json:"edited_at_s"`
	Text             *string `json:"text"`
	Rating           *int    `json:"rating"`
}

func reviewResponse(review reviews.Review, revision reviews.Revision) reviewPayload {
	var external *int
	if revision.Rating != nil {
		stars := reviews.ExternalRating(*revision.Rating)
		external = &stars
	}
	return reviewPayload{
		ID:               review.ID,
		UserID:           review.UserID,
		EntityID:         review.EntityID,
		EntityType:       review.EntityType,
		LicenseID:        review.LicenseID,
		Language:         review.Language,
		IsDraft:          review.IsDraft,
		IsHidden:         review.IsHidden,
		CreatedAtSeconds: review.CreatedAtSeconds,
		RevisionID:       revision.ID,
		EditedAtSeconds:  revision.CreatedAtSeconds,
		Text:             revision.Text,
		Rating:           external,
	}
}

type createReviewPayload struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	Text       *string `json:"text"`
	Rating     *int    `json:"rating"`
	LicenseID  string  `json:"license_id"`
	Language   string  `json:"language"`
	IsDraft    bool    `json:"is_draft"`
}

func (h *httpHandler) handleCreateReview(c *gin.Context) {
	var request createReviewPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entityType, err := reviews.NewEntityType(request.EntityType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return
	}
	account, err := h.accounts.GetAccount(c.Request.Context(), callerID(c))
	if err != nil {
		h.translateError(c, err)
		return
	}
	if account.IsBlocked {
		c.JSON(http.StatusForbidden, gin.H{"error": "account_blocked"})
		return
	}

	reviewID, err := h.reviews.Create(c.Request.Context(), reviews.CreateRequest{
		UserID:     account.ID,
		EntityID:   request.EntityID,
		EntityType: entityType,
		Text:       request.Text,
		Rating:     request.Rating,
		LicenseID:  request.LicenseID,
		Language:   request.Language,
		IsDraft:    request.IsDraft,
	})
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": reviewID})
}

type updateReviewPayload struct {
	Text      *string `json:"text"`
	Rating    *int    `json:"rating"`
	IsDraft   *bool   `json:"is_draft"`
	LicenseID *string `json:"license_id"`
	Language  *string `json:"language"`
}

func (h *httpHandler) handleUpdateReview(c *gin.Context) {
	reviewID := c.Param("id")
	record, err := h.reviews.Get(c.Request.Context(), reviewID)
	if err != nil {
		h.translateError(c, err)
		return
	}
	if record.Review.UserID != callerID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request updateReviewPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.reviews.Update(c.Request.Context(), reviews.UpdateRequest{
		ReviewID:  reviewID,
		Text:      request.Text,
		Rating:    request.Rating,
		IsDraft:   request.IsDraft,
		LicenseID: request.LicenseID,
		Language:  request.Language,
	})
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, reviewResponse(updated.Review, updated.Revision))
}

func (h *httpHandler) handleDeleteReview(c *gin.Context) {
	reviewID := c.Param("id")
	record, err := h.reviews.Get(c.Request.Context(), reviewID)
	if err != nil {
		h.translateError(c, err)
		return
	}
	if record.Review.UserID != callerID(c) && !c.GetBool(adminContextKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.reviews.Delete(c.Request.Context(), reviewID); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// visibleTo enforces the caller-side visibility contract: hidden reviews are
// admin-only, drafts are author-only, archived reviews are gone for everyone.
func (h *httpHandler) visibleTo(c *gin.Context, review reviews.Review) bool {
	if review.IsArchived {
		return false
	}
	if review.IsHidden && !c.GetBool(adminContextKey) {
		return false
	}
	if review.IsDraft && review.UserID != callerID(c) {
		return false
	}
	return true
}

func (h *httpHandler) handleGetReview(c *gin.Context) {
	record, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.translateError(c, err)
		return
	}
	if !h.visibleTo(c, record.Review) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, reviewResponse(record.Review, record.Revision))
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := reviews.ListFilter{
		EntityID: c.Query("entity_id"),
		UserID:   c.Query("user_id"),
		Sort:     reviews.SortOrder(c.DefaultQuery("sort", string(reviews.SortPublishedOn))),
		Limit:    limit,
		Offset:   offset,
	}
	if rawType := c.Query("entity_type"); rawType != "" {
		entityType, err := reviews.NewEntityType(rawType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
			return
		}
		filter.EntityType = entityType
	}
	if exclude := c.Query("exclude_ids"); exclude != "" {
		filter.ExcludeIDs = strings.Split(exclude, ",")
	}
	// Authors see their own drafts; moderators see hidden reviews.
	if c.GetBool(adminContextKey) && c.Query("include_hidden") == "true" {
		filter.IncludeHidden = true
	}
	if filter.UserID != "" && filter.UserID == callerID(c) {
		filter.IncludeDrafts = true
	}

	items, total, err := h.reviews.List(c.Request.Context(), filter)
	if err != nil {
		h.translateError(c, err)
		return
	}
	payload := make([]reviewPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, reviewResponse(item.Review, item.Revision))
	}
	c.JSON(http.StatusOK, gin.H{"reviews": payload, "count": total})
}

type revisionPayload struct {
	ID               int64   `json:"id"`
	ReviewID         string  `json:"review_id"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	Text             *string `json:"text"`
	Rating           *int    `json:"rating"`
}

func revisionResponse(revision reviews.Revision) revisionPayload {
	var external *int
	if revision.Rating != nil {
		stars := reviews.ExternalRating(*revision.Rating)
		external = &stars
	}
	return revisionPayload{
		ID:               revision.ID,
		ReviewID:         revision.ReviewID,
		CreatedAtSeconds: revision.CreatedAtSeconds,
		Text:             revision.Text,
		Rating:           external,
	}
}

func (h *httpHandler) revisionsVisible(c *gin.Context, reviewID string) bool {
	record, err := h.reviews.Get(c.Request.Context(), reviewID)
	if err != nil {
		h.translateError(c, err)
		return false
	}
	if !h.visibleTo(c, record.Review) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return false
	}
	return true
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	reviewID := c.Param("id")
	if !h.revisionsVisible(c, reviewID) {
		return
	}
	revisions, err := h.reviews.Revisions(c.Request.Context(), reviewID)
	if err != nil {
		h.translateError(c, err)
		return
	}
	payload := make([]revisionPayload, 0, len(revisions))
	for _, revision := range revisions {
		payload = append(payload, revisionResponse(revision))
	}
	c.JSON(http.StatusOK, gin.H{"revisions": payload, "count": len(revisions)})
}

func (h *httpHandler) handleGetRevision(c *gin.Context) {
	reviewID := c.Param("id")
	offset, err := strconv.Atoi(c.Param("offset"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_offset"})
		return
	}
	if !h.revisionsVisible(c, reviewID) {
		return
	}
	revision, err := h.reviews.RevisionAt(c.Request.Context(), reviewID, offset)
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, revisionResponse(revision))
}

type votePayload struct {
	Placet *bool `json:"placet"`
}

func (h *httpHandler) handleSubmitVote(c *gin.Context) {
	var request votePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Placet == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.translateError(c, err)
		return
	}
	if err := h.votes.Submit(c.Request.Context(), callerID(c), record.Revision.ID, *request.Placet); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRetractVote(c *gin.Context) {
	record, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.translateError(c, err)
		return
	}
	if err := h.votes.Delete(c.Request.Context(), callerID(c), record.Revision.ID); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetVotes(c *gin.Context) {
	record, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.translateError(c, err)
		return
	}
	tally, err := h.votes.Votes(c.Request.Context(), record.Revision.ID)
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, tally)
}

type reportPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleReportReview(c *gin.Context) {
	var request reportPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.translateError(c, err)
		return
	}
	if err := h.reports.Create(c.Request.Context(), callerID(c), record.Revision.ID, request.Reason); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleGetRating(c *gin.Context) {
	entityType, err := reviews.NewEntityType(c.Param("entity_type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return
	}
	display, err := h.ratings.Get(c.Request.Context(), c.Param("entity_id"), entityType)
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, display)
}

type moderationPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) moderationReason(c *gin.Context) (string, bool) {
	var request moderationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	return request.Reason, true
}

func (h *httpHandler) handleHideReview(c *gin.Context) {
	reason, ok := h.moderationReason(c)
	if !ok {
		return
	}
	if err := h.moderation.HideReview(c.Request.Context(), callerID(c), c.Param("id"), reason); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnhideReview(c *gin.Context) {
	reason, ok := h.moderationReason(c)
	if !ok {
		return
	}
	if err := h.moderation.UnhideReview(c.Request.Context(), callerID(c), c.Param("id"), reason); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBlockUser(c *gin.Context) {
	reason, ok := h.moderationReason(c)
	if !ok {
		return
	}
	if err := h.moderation.BlockUser(c.Request.Context(), callerID(c), c.Param("id"), reason); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnblockUser(c *gin.Context) {
	reason, ok := h.moderationReason(c)
	if !ok {
		return
	}
	if err := h.moderation.UnblockUser(c.Request.Context(), callerID(c), c.Param("id"), reason); err != nil {
		h.translateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	views, total, err := h.moderation.ListLogs(c.Request.Context(), c.Query("admin_id"), limit, offset)
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": views, "count": total})
}

func (h *httpHandler) handleListReports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	views, total, err := h.reports.List(c.Request.Context(), spamreports.ListFilter{
		ReviewID:        c.Query("review_id"),
		UserID:          c.Query("user_id"),
		IncludeArchived: c.Query("include_archived") == "true",
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		h.translateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": views, "count": total})
}

// translateError maps domain sentinels onto HTTP statuses at the boundary.
func (h *httpHandler) translateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reviews.ErrReviewNotFound),
		errors.Is(err, reviews.ErrRevisionNotFound),
		errors.Is(err, votes.ErrVoteNotFound),
		errors.Is(err, spamreports.ErrReportNotFound),
		errors.Is(err, ratings.ErrNoRating),
		errors.Is(err, users.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, reviews.ErrDuplicateReview),
		errors.Is(err, spamreports.ErrDuplicateReport):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate"})
	case errors.Is(err, reviews.ErrEmptyRevision),
		errors.Is(err, reviews.ErrLicenseLocked),
		errors.Is(err, reviews.ErrPublishedToDraft),
		errors.Is(err, reviews.ErrInvalidRating),
		errors.Is(err, reviews.ErrInvalidEntityType),
		errors.Is(err, reviews.ErrInvalidEntityID),
		errors.Is(err, reviews.ErrInvalidUserID),
		errors.Is(err, reviews.ErrInvalidReviewID),
		errors.Is(err, moderation.ErrUnknownAction),
		errors.Is(err, moderation.ErrMissingTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
	case errors.Is(err, votes.ErrSelfVote),
		errors.Is(err, spamreports.ErrSelfReport),
		errors.Is(err, votes.ErrVoteNotAllowed),
		errors.Is(err, spamreports.ErrReportNotAllowed),
		errors.Is(err, reviews.ErrReviewArchived):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, votes.ErrVoteQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
