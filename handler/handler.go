package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"ordinal-bus/internal/domain"
	"ordinal-bus/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	codeUnauthorized  = "UNAUTHORIZED"
	codeNotFound      = "NOT_FOUND"
	codeBadMethod     = "METHOD_NOT_ALLOWED"
	maxHistoryLimit   = 100
)

// Responder is the slice of usecase.OracleService a remote responder needs.
type Responder interface {
	Respond(ctx context.Context, in usecase.RespondInput) (usecase.RespondOutput, error)
	Pending(ctx context.Context) ([]domain.Request, error)
	History(ctx context.Context, limit int) ([]domain.Exchange, error)
}

// SecretSource yields the bearer token callers must present.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

type Handler struct {
	svc    Responder
	secret SecretSource
	logger *slog.Logger
}

type Option func(*Handler)

// WithSecret requires every request to carry "Authorization: Bearer <secret>".
func WithSecret(s SecretSource) Option {
	return func(h *Handler) { h.secret = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

type respondRequest struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

type respondResponse struct {
	ID         string    `json:"id"`
	Responder  string    `json:"responder"`
	RecordedAt time.Time `json:"recordedAt"`
}

type requestView struct {
	ID        string     `json:"id"`
	Question  string     `json:"question"`
	Context   string     `json:"context,omitempty"`
	Urgency   string     `json:"urgency"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type pendingResponse struct {
	Requests []requestView `json:"requests"`
}

type exchangeView struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Urgency    string    `json:"urgency"`
	Status     string    `json:"status"`
	Answer     string    `json:"answer,omitempty"`
	Responder  string    `json:"responder,omitempty"`
	ArchivedAt time.Time `json:"archivedAt"`
}

type historyResponse struct {
	Exchanges []exchangeView `json:"exchanges"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(svc Responder, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: responder must not be nil")
	}
	h := &Handler{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID)

	if status, code := h.authorize(ctx, event.Headers, log); status != 0 {
		return jsonResponse(status, correlationID, errorResponse{Error: code}), nil
	}

	route := "/" + path.Base(strings.TrimRight(event.Path, "/"))
	switch route {
	case "/respond":
		if event.HTTPMethod != http.MethodPost {
			return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: codeBadMethod}), nil
		}
		return h.respond(ctx, event, correlationID, log), nil
	case "/pending":
		if event.HTTPMethod != http.MethodGet {
			return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: codeBadMethod}), nil
		}
		return h.pending(ctx, correlationID, log), nil
	case "/history":
		if event.HTTPMethod != http.MethodGet {
			return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: codeBadMethod}), nil
		}
		return h.history(ctx, event, correlationID, log), nil
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: codeNotFound}), nil
	}
}

// authorize returns a non-zero status when the request must be rejected.
func (h *Handler) authorize(ctx context.Context, headers map[string]string, log *slog.Logger) (int, string) {
	if h.secret == nil {
		return 0, ""
	}
	want, err := h.secret.Value(ctx)
	if err != nil {
		log.Error("failed to resolve responder secret", "err", err)
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	got, ok := strings.CutPrefix(headerValue(headers, "Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
		log.Warn("rejected unauthorized request")
		return http.StatusUnauthorized, codeUnauthorized
	}
	return 0, ""
}

func (h *Handler) respond(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	var req respondRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)})
	}
	out, err := h.svc.Respond(ctx, usecase.RespondInput{ID: req.ID, Answer: req.Answer})
	if err != nil {
		return h.errorResult(err, correlationID, log)
	}
	return jsonResponse(http.StatusOK, correlationID, respondResponse{
		ID:         out.ID,
		Responder:  out.Responder,
		RecordedAt: out.RecordedAt,
	})
}

func (h *Handler) pending(ctx context.Context, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	reqs, err := h.svc.Pending(ctx)
	if err != nil {
		return h.errorResult(err, correlationID, log)
	}
	out := pendingResponse{Requests: make([]requestView, 0, len(reqs))}
	for _, r := range reqs {
		v := requestView{
			ID:        r.ID,
			Question:  r.Question,
			Context:   r.Context,
			Urgency:   string(r.Urgency),
			Status:    string(r.Status),
			CreatedAt: r.Timestamp,
		}
		if deadline, ok := r.Deadline(); ok {
			v.ExpiresAt = &deadline
		}
		out.Requests = append(out.Requests, v)
	}
	return jsonResponse(http.StatusOK, correlationID, out)
}

func (h *Handler) history(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	limit := usecase.DefaultHistoryLimit
	if raw := strings.TrimSpace(event.QueryStringParameters["limit"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		}
		limit = n
	}
	exchanges, err := h.svc.History(ctx, limit)
	if err != nil {
		return h.errorResult(err, correlationID, log)
	}
	out := historyResponse{Exchanges: make([]exchangeView, 0, len(exchanges))}
	for _, ex := range exchanges {
		v := exchangeView{
			ID:         ex.Request.ID,
			Question:   ex.Request.Question,
			Urgency:    string(ex.Request.Urgency),
			Status:     string(ex.EffectiveStatus()),
			ArchivedAt: ex.ArchivedAt,
		}
		if ex.Response != nil {
			v.Answer = ex.Response.Answer
			v.Responder = ex.Response.Responder
		}
		out.Exchanges = append(out.Exchanges, v)
	}
	return jsonResponse(http.StatusOK, correlationID, out)
}

func (h *Handler) errorResult(err error, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	code := usecase.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", code, "err", err)
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
