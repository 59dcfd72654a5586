// Package chat serves the natural-language query endpoint and the API key
// token exchange.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/orbit-gateway/internal/auth"
	"github.com/HanTheDev/orbit-gateway/internal/config"
	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/pipeline"
	"github.com/HanTheDev/orbit-gateway/internal/ratelimit"
)

const (
	maxBodyBytes = 64 << 10
	auditTimeout = 5 * time.Second
)

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) *pipeline.Outcome
}

// AuditLogger stores one row per chat request. *db.DB implements it.
type AuditLogger interface {
	LogRequest(ctx context.Context, log *models.RequestLog) error
}

type Options struct {
	Pipeline  Processor
	Auth      *auth.Middleware
	APIKeys   map[string]config.APIKeyConfig
	JWTSecret string
	// Audit is optional.
	Audit      AuditLogger
	TrustProxy bool
}

type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/chat", h.Chat).Methods("POST")
	router.HandleFunc("/auth/token", h.IssueToken).Methods("POST")
}

type chatRequest struct {
	Message     string   `json:"message"`
	AdapterName string   `json:"adapter_name"`
	SessionID   string   `json:"session_id"`
	FileIDs     []string `json:"file_ids"`
}

type errorBody struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

type chatResponse struct {
	RequestID  string           `json:"request_id"`
	Adapter    string           `json:"adapter,omitempty"`
	Understood bool             `json:"understood"`
	Stage      pipeline.Stage   `json:"stage"`
	Response   string           `json:"response,omitempty"`
	TemplateID string           `json:"template_id,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Columns    []string         `json:"columns,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	RowCount   int              `json:"row_count"`
	Error      *errorBody       `json:"error,omitempty"`
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if body.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	req := pipeline.Request{
		Message:     body.Message,
		AdapterName: body.AdapterName,
		SessionID:   body.SessionID,
		FileIDs:     body.FileIDs,
		Identity:    ratelimit.Identify(r, h.opts.TrustProxy),
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get("X-Session-ID")
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		binding, ok := h.opts.APIKeys[key]
		if !ok {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}
		req.ClientID = binding.Client
		if req.AdapterName == "" {
			req.AdapterName = binding.Adapter
		}
	}
	if claims, ok := h.claims(r); ok {
		req.Authenticated = true
		if req.ClientID == "" {
			req.ClientID = claims.ClientID
		}
		if req.AdapterName == "" {
			req.AdapterName = claims.Adapter
		}
	}

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	out := h.opts.Pipeline.Process(r.Context(), req)
	h.respond(rec, out)
	h.audit(req, out, rec.statusCode)
}

func (h *Handler) claims(r *http.Request) (*auth.Claims, bool) {
	if claims, ok := auth.GetClaimsFromContext(r.Context()); ok {
		return claims, true
	}
	if h.opts.Auth == nil {
		return nil, false
	}
	return h.opts.Auth.Verify(r)
}

func (h *Handler) respond(w http.ResponseWriter, out *pipeline.Outcome) {
	w.Header().Set("X-Request-ID", out.RequestID)
	if out.Rejected() {
		ratelimit.WriteRejection(w, out.RateLimit)
		return
	}
	ratelimit.WriteHeaders(w, out.RateLimit)

	resp := chatResponse{
		RequestID:  out.RequestID,
		Adapter:    out.Adapter,
		Understood: out.Understood(),
		Stage:      out.Stage,
		TemplateID: out.TemplateID,
		Confidence: out.Score,
		Parameters: out.Parameters,
		Response:   out.Text,
	}
	if out.Result != nil {
		resp.Columns = out.Result.Columns
		resp.Rows = out.Result.Rows
		resp.RowCount = out.Result.RowCount()
	}

	status := http.StatusOK
	if out.Err != nil {
		status = errs.HTTPStatus(out.Kind)
		msg := errs.Sanitize(out.Err)
		resp.Error = &errorBody{Kind: out.Kind, Message: msg}
		if out.Kind == errs.KindNoTemplateMatch {
			resp.Response = "I could not understand that request for this adapter. Try rephrasing it."
		}
		var open *errs.CircuitOpenError
		if errors.As(out.Err, &open) {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(open.RetryAfter.Seconds())))))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) audit(req pipeline.Request, out *pipeline.Outcome, status int) {
	if h.opts.Audit == nil {
		return
	}
	entry := &models.RequestLog{
		RequestID:      out.RequestID,
		Adapter:        out.Adapter,
		ClientID:       req.ClientID,
		SessionID:      req.SessionID,
		TemplateID:     out.TemplateID,
		Stage:          string(out.Stage),
		ErrorKind:      string(out.Kind),
		StatusCode:     status,
		ResponseTimeMs: int(out.Duration.Milliseconds()),
		RowCount:       out.Result.RowCount(),
		Timestamp:      time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := h.opts.Audit.LogRequest(ctx, entry); err != nil {
			log.Warn().Err(err).Str("request_id", entry.RequestID).Msg("failed to write request log")
		}
	}()
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

// IssueToken trades a configured API key for a bearer token.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		var body tokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		key = body.APIKey
	}

	binding, ok := h.opts.APIKeys[key]
	if key == "" || !ok {
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateToken(binding.Client, binding.Adapter, binding.Admin, h.opts.JWTSecret)
	if err != nil {
		log.Error().Err(err).Str("client", binding.Client).Msg("failed to sign token")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(auth.TokenTTL.Seconds()),
		"client_id":  binding.Client,
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}
