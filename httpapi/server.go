// Package httpapi exposes the credit-metered AI pipeline over HTTP.
//
// All AI routes require a bearer token. Pipeline errors map onto HTTP
// statuses so clients can distinguish quota exhaustion, empty balances, and
// provider trouble without parsing error strings.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nivaro/creditgate"
)

// Server routes HTTP requests to the pipelines.
type Server struct {
	pipeline *creditgate.Pipeline
	voice    *creditgate.VoicePipeline
	journal  creditgate.Journal
	verifier TokenVerifier
	logger   *slog.Logger

	health        *creditgate.HealthTracker
	healthTargets []string
	maxAudioBytes int64
}

// ServerOption configures Server.
type ServerOption func(*Server)

// WithVoice enables the voice transaction route.
func WithVoice(voice *creditgate.VoicePipeline) ServerOption {
	return func(s *Server) { s.voice = voice }
}

// WithLogger sets the request logger. If nil, slog.Default() is used.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithHealthTracker includes per-provider health in the health route.
func WithHealthTracker(h *creditgate.HealthTracker, providers ...string) ServerOption {
	return func(s *Server) {
		s.health = h
		s.healthTargets = providers
	}
}

// WithMaxAudioBytes caps the accepted audio upload size (default 10 MiB).
func WithMaxAudioBytes(n int64) ServerOption {
	return func(s *Server) { s.maxAudioBytes = n }
}

// NewServer creates a Server over the given pipeline.
// The journal serves the usage history route; pass the same store the
// pipeline writes to.
func NewServer(pipeline *creditgate.Pipeline, journal creditgate.Journal, verifier TokenVerifier, opts ...ServerOption) *Server {
	s := &Server{
		pipeline:      pipeline,
		journal:       journal,
		verifier:      verifier,
		logger:        slog.Default(),
		maxAudioBytes: 10 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	authed := r.Group("/", requireAuth(s.verifier))
	authed.POST("/ai/request", s.handleAIRequest)
	authed.GET("/ai/usage", s.handleUsage)
	if s.voice != nil {
		authed.POST("/voice/transaction", s.handleVoiceTransaction)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.health != nil {
		providers := gin.H{}
		for _, name := range s.healthTargets {
			providers[name] = s.health.State(name)
		}
		resp["providers"] = providers
		for _, name := range s.healthTargets {
			if s.health.State(name) == creditgate.HealthUnhealthy {
				resp["status"] = "degraded"
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// aiRequestBody accepts either a single message or a batch. Exactly one of
// the two fields must be set.
type aiRequestBody struct {
	UserMessage  string   `json:"userMessage"`
	UserMessages []string `json:"userMessages"`
	RequestType  string   `json:"requestType"`
}

func (s *Server) handleAIRequest(c *gin.Context) {
	var body aiRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	var messages []string
	batch := false
	switch {
	case body.UserMessage != "" && len(body.UserMessages) > 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "set userMessage or userMessages, not both"})
		return
	case body.UserMessage != "":
		messages = []string{body.UserMessage}
	case len(body.UserMessages) > 0:
		messages = body.UserMessages
		batch = true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "userMessage or userMessages is required"})
		return
	}

	userID := currentUser(c)
	result, err := s.pipeline.Process(c.Request.Context(), userID, creditgate.Request{
		Messages:       messages,
		RequestType:    body.RequestType,
		IdempotencyKey: c.GetHeader("X-Idempotency-Key"),
	})
	if err != nil {
		// The provider answered but the charge could not be journaled.
		// Surface the texts so the work is not lost, with a notice.
		if errors.Is(err, creditgate.ErrPersistence) && len(result.Texts) > 0 {
			s.logger.Error("usage not persisted", "user", userID, "error", err)
			c.JSON(http.StatusOK, s.responseBody(result, batch, "usage could not be recorded"))
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.responseBody(result, batch, ""))
}

// responseBody shapes the reply: response carries a single string for
// single-message requests and an array for batches, always under the same
// key.
func (s *Server) responseBody(result creditgate.Result, batch bool, notice string) gin.H {
	resp := gin.H{
		"creditsCharged": result.CreditsCharged,
		"balanceAfter":   result.BalanceAfter,
		"replayed":       result.Replayed,
	}
	if batch {
		resp["response"] = result.Texts
	} else {
		text := creditgate.FallbackText
		if len(result.Texts) > 0 {
			text = result.Texts[0]
		}
		resp["response"] = text
	}
	if notice != "" {
		resp["notice"] = notice
	}
	return resp
}

func (s *Server) handleUsage(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	records, err := s.journal.Recent(c.Request.Context(), currentUser(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	type usageEntry struct {
		ID             string `json:"id"`
		Provider       string `json:"provider"`
		RequestType    string `json:"requestType"`
		Model          string `json:"model"`
		TokensTotal    int64  `json:"tokensTotal"`
		CreditsCharged int64  `json:"creditsCharged"`
		CreatedAt      string `json:"createdAt"`
	}
	entries := make([]usageEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, usageEntry{
			ID:             rec.ID,
			Provider:       rec.Provider,
			RequestType:    rec.RequestType,
			Model:          rec.Model,
			TokensTotal:    rec.TokensTotal,
			CreditsCharged: rec.CreditsCharged,
			CreatedAt:      rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"usage": entries})
}

func (s *Server) handleVoiceTransaction(c *gin.Context) {
	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, s.maxAudioBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read audio"})
		return
	}
	if int64(len(audio)) > s.maxAudioBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio too large"})
		return
	}

	result, err := s.voice.Process(c.Request.Context(), currentUser(c),
		audio, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transcription": result.Transcription,
		"transaction": gin.H{
			"type":         result.Parsed.Type,
			"amount":       result.Parsed.Amount,
			"description":  result.Parsed.Description,
			"categoryName": result.Parsed.CategoryName,
		},
		"creditsCharged": result.CreditsCharged,
		"balanceAfter":   result.BalanceAfter,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, creditgate.ErrUnauthenticated), errors.Is(err, creditgate.ErrUserNotFound):
		status = http.StatusUnauthorized
	case errors.Is(err, creditgate.ErrInvalidRequest),
		errors.Is(err, creditgate.ErrEmptyTranscription),
		errors.Is(err, creditgate.ErrUnparsableResult):
		status = http.StatusBadRequest
	case errors.Is(err, creditgate.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, creditgate.ErrDailyLimitExceeded):
		status = http.StatusForbidden
	case errors.Is(err, creditgate.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, creditgate.ErrNoResponse),
		errors.Is(err, creditgate.ErrProviderUnavailable),
		errors.Is(err, creditgate.ErrAuthFailed):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": publicMessage(err)})
}

// publicMessage strips the package prefix from sentinel messages so clients
// see a clean human-readable string.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		creditgate.ErrUserNotFound,
		creditgate.ErrDailyLimitExceeded,
		creditgate.ErrInsufficientCredits,
		creditgate.ErrRateLimited,
		creditgate.ErrProviderUnavailable,
		creditgate.ErrAuthFailed,
		creditgate.ErrInvalidRequest,
		creditgate.ErrNoResponse,
		creditgate.ErrEmptyTranscription,
		creditgate.ErrUnparsableResult,
	} {
		if errors.Is(err, sentinel) {
			msg, _ := strings.CutPrefix(sentinel.Error(), "creditgate: ")
			return msg
		}
	}
	return "internal error"
}
