package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"ordinal-bus/internal/domain"
	"ordinal-bus/internal/usecase"
)

type stubResponder struct {
	respondOut usecase.RespondOutput
	respondErr error
	respondIn  usecase.RespondInput

	pending    []domain.Request
	pendingErr error

	history      []domain.Exchange
	historyErr   error
	historyLimit int
}

func (s *stubResponder) Respond(_ context.Context, in usecase.RespondInput) (usecase.RespondOutput, error) {
	s.respondIn = in
	return s.respondOut, s.respondErr
}

func (s *stubResponder) Pending(context.Context) ([]domain.Request, error) {
	return s.pending, s.pendingErr
}

func (s *stubResponder) History(_ context.Context, limit int) ([]domain.Exchange, error) {
	s.historyLimit = limit
	return s.history, s.historyErr
}

type stubSecret struct {
	val string
	err error
}

func (s stubSecret) Value(context.Context) (string, error) { return s.val, s.err }

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_Respond(t *testing.T) {
	recorded := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubResponder{respondOut: usecase.RespondOutput{ID: "abc", Responder: "oracle", RecordedAt: recorded}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/respond", `{"id":"abc","answer":"yes"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.RespondInput{ID: "abc", Answer: "yes"}, svc.respondIn)

	out := parseBody[respondResponse](t, resp.Body)
	require.Equal(t, respondResponse{ID: "abc", Responder: "oracle", RecordedAt: recorded}, out)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_RespondInvalidBody(t *testing.T) {
	h, err := NewHandler(&stubResponder{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/respond", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(usecase.ErrorInvalidInput), parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_answer"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "no_pending_request"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "store_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(&stubResponder{respondErr: tc.err})
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/respond", `{"id":"abc","answer":"x"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.code, parseBody[errorResponse](t, resp.Body).Error)
		})
	}
}

func TestHandle_Pending(t *testing.T) {
	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubResponder{pending: []domain.Request{{
		ID: "abc", Question: "Q?", Urgency: domain.UrgencyHigh, Status: domain.StatusPending,
		Timestamp: created, TimeoutSeconds: 60,
	}}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/prod/pending", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[pendingResponse](t, resp.Body)
	require.Len(t, out.Requests, 1)
	require.Equal(t, "abc", out.Requests[0].ID)
	require.Equal(t, "high", out.Requests[0].Urgency)
	require.NotNil(t, out.Requests[0].ExpiresAt)
	require.Equal(t, created.Add(time.Minute), *out.Requests[0].ExpiresAt)
}

func TestHandle_PendingEmptyIsArray(t *testing.T) {
	h, err := NewHandler(&stubResponder{})
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/pending", ""))
	require.NoError(t, err)
	require.JSONEq(t, `{"requests":[]}`, resp.Body)
}

func TestHandle_History(t *testing.T) {
	svc := &stubResponder{history: []domain.Exchange{{
		Request:  domain.Request{ID: "abc", Question: "Q?", Status: domain.StatusPending},
		Response: &domain.Response{Answer: "A", Responder: "oracle"},
	}}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	event := makeEvent(http.MethodGet, "/history", "")
	event.QueryStringParameters = map[string]string{"limit": "5"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, svc.historyLimit)

	out := parseBody[historyResponse](t, resp.Body)
	require.Len(t, out.Exchanges, 1)
	require.Equal(t, "answered", out.Exchanges[0].Status)
	require.Equal(t, "A", out.Exchanges[0].Answer)
}

func TestHandle_HistoryLimitValidation(t *testing.T) {
	svc := &stubResponder{}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	for _, raw := range []string{"abc", "0", "-1", "101"} {
		event := makeEvent(http.MethodGet, "/history", "")
		event.QueryStringParameters = map[string]string{"limit": raw}
		resp, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", raw)
	}

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/history", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.DefaultHistoryLimit, svc.historyLimit)
}

func TestHandle_UnknownRouteAndMethod(t *testing.T) {
	h, err := NewHandler(&stubResponder{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/ask", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/respond", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_RequiresBearerSecret(t *testing.T) {
	svc := &stubResponder{}
	h, err := NewHandler(svc, WithSecret(stubSecret{val: "s3cret"}))
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/pending", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "UNAUTHORIZED", parseBody[errorResponse](t, resp.Body).Error)

	event := makeEvent(http.MethodGet, "/pending", "")
	event.Headers["authorization"] = "Bearer wrong"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	event.Headers["authorization"] = "Bearer s3cret"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_SecretLookupFailure(t *testing.T) {
	h, err := NewHandler(&stubResponder{}, WithSecret(stubSecret{err: errors.New("ssm down")}))
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/pending", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubResponder{})
	require.NoError(t, err)

	event := makeEvent(http.MethodGet, "/pending", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
