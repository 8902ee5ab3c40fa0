package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ordinal-bus/internal/domain"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultTimeoutSeconds = 300
	MaxTimeoutSeconds     = 24 * 60 * 60
	DefaultResponder      = "oracle"
	DefaultHistoryLimit   = 10
)

// Store is the correlation store shared by Issuer and Responder processes.
type Store interface {
	PutRequest(ctx context.Context, req domain.Request) error
	GetRequest(ctx context.Context, id string) (domain.Request, error)
	GetResponse(ctx context.Context, id string) (domain.Response, bool, error)
	PutResponse(ctx context.Context, resp domain.Response) error
	// Archive moves an open exchange into history in one atomic step and
	// returns the status it was recorded with: answered when a response went
	// with it, unanswered otherwise. It returns "" when id was not open.
	Archive(ctx context.Context, id string, unanswered domain.Status) (domain.Status, error)
	ListOpenRequests(ctx context.Context) ([]domain.Request, error)
	ListHistory(ctx context.Context, limit int) ([]domain.Exchange, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// Notifier alerts the responder that a request is waiting.
type Notifier interface {
	Notify(ctx context.Context, req domain.Request) error
}

// OracleService implements both ends of an oracle call: the Issuer that
// asks and waits, and the Recorder that attaches an answer. The two sides
// never share memory; everything flows through the Store.
type OracleService struct {
	store        Store
	notifier     Notifier
	logger       *slog.Logger
	pollInterval time.Duration
	responder    string
	location     string
	now          func() time.Time
}

type Option func(*OracleService)

func WithNotifier(n Notifier) Option {
	return func(s *OracleService) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *OracleService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *OracleService) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithResponder sets the identity stamped on recorded responses.
func WithResponder(name string) Option {
	return func(s *OracleService) {
		if name = strings.TrimSpace(name); name != "" {
			s.responder = name
		}
	}
}

// WithLocation describes where the store lives, for status output.
func WithLocation(loc string) Option {
	return func(s *OracleService) { s.location = loc }
}

// WithClock overrides the wall clock used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *OracleService) {
		if now != nil {
			s.now = now
		}
	}
}

type CallInput struct {
	Question       string
	Context        string
	Urgency        string
	TimeoutSeconds int
}

type CallOutput struct {
	ID             string
	Status         domain.Status
	Answer         string
	Responder      string
	TimeoutSeconds int
}

type RespondInput struct {
	ID     string
	Answer string
}

type RespondOutput struct {
	ID         string
	Responder  string
	RecordedAt time.Time
}

type StatusOutput struct {
	Location string
	Stats    domain.Stats
	Pending  []domain.Request
}

func NewOracleService(store Store, opts ...Option) (*OracleService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	s := &OracleService{
		store:        store,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		responder:    DefaultResponder,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Call issues a question and waits until it is answered or its deadline
// passes. Either way the exchange is archived before Call returns. A timeout
// is a normal outcome reported through CallOutput.Status.
func (s *OracleService) Call(ctx context.Context, in CallInput) (CallOutput, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return CallOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	urgency, err := domain.ParseUrgency(in.Urgency)
	if err != nil {
		return CallOutput{}, newError(ErrorInvalidInput, "invalid_urgency", err)
	}
	timeout := in.TimeoutSeconds
	if timeout <= 0 || timeout > MaxTimeoutSeconds {
		return CallOutput{}, newError(ErrorInvalidInput, "invalid_timeout", nil)
	}

	created := s.now().UTC()
	req := domain.Request{
		ID:             newUUID(),
		Type:           domain.TypeOracleCall,
		FromLevel:      domain.LevelOrchestrator,
		ToLevel:        domain.LevelOracle,
		Question:       question,
		Context:        in.Context,
		Urgency:        urgency,
		Timestamp:      created,
		Status:         domain.StatusPending,
		TimeoutSeconds: timeout,
	}
	if err := s.store.PutRequest(ctx, req); err != nil {
		return CallOutput{}, newError(ErrorInternal, "store_write_error", err)
	}
	s.logger.Info("oracle call dispatched",
		"id", req.ID,
		"urgency", urgency,
		"timeout_seconds", timeout,
		"question", clip(question, 80),
	)
	s.notify(ctx, req)

	deadline, _ := req.Deadline()
	resp, answered, err := s.await(ctx, req.ID, deadline)
	if err != nil {
		if ctx.Err() != nil {
			// Left open on purpose: the sweeper finalizes abandoned calls.
			s.logger.Warn("oracle call abandoned", "id", req.ID, "err", err)
			return CallOutput{ID: req.ID}, newError(ErrorCanceled, "wait_canceled", err)
		}
		return CallOutput{ID: req.ID}, newError(ErrorInternal, "store_read_error", err)
	}

	// Finalization must not be cut short once the outcome is known.
	finalCtx := context.WithoutCancel(ctx)
	out := CallOutput{ID: req.ID, TimeoutSeconds: timeout}
	if answered {
		status, err := s.store.Archive(finalCtx, req.ID, domain.StatusTimeout)
		if err != nil {
			return out, newError(ErrorInternal, "archive_error", err)
		}
		if status == "" {
			s.logger.Info("exchange already archived elsewhere", "id", req.ID)
		}
		s.logger.Info("oracle response received", "id", req.ID, "responder", resp.Responder)
		out.Status = domain.StatusAnswered
		out.Answer = resp.Answer
		out.Responder = resp.Responder
		return out, nil
	}

	status, err := s.store.Archive(finalCtx, req.ID, domain.StatusTimeout)
	if err != nil {
		return out, newError(ErrorInternal, "archive_error", err)
	}
	switch status {
	case "":
		s.logger.Info("exchange already archived elsewhere", "id", req.ID)
	case domain.StatusAnswered:
		s.logger.Warn("response arrived after the deadline", "id", req.ID)
	}
	s.logger.Warn("oracle call timed out", "id", req.ID, "timeout_seconds", timeout)
	out.Status = domain.StatusTimeout
	return out, nil
}

// await polls for a response until one appears or the wall clock passes
// deadline. The final sleep is shortened so the last check lands on the
// deadline itself.
func (s *OracleService) await(ctx context.Context, id string, deadline time.Time) (domain.Response, bool, error) {
	for {
		resp, ok, err := s.store.GetResponse(ctx, id)
		if err != nil {
			return domain.Response{}, false, err
		}
		if ok {
			return resp, true, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return domain.Response{}, false, nil
		}
		wait := s.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Response{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *OracleService) notify(ctx context.Context, req domain.Request) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, req); err != nil {
		s.logger.Warn("responder notification failed", "id", req.ID, "err", err)
	}
}

// Respond attaches an answer to an open request. It never archives; the
// Issuer does that once its poll loop has seen the response.
func (s *OracleService) Respond(ctx context.Context, in RespondInput) (RespondOutput, error) {
	id := strings.TrimSpace(in.ID)
	if err := domain.ValidateID(id); err != nil {
		return RespondOutput{}, newError(ErrorInvalidInput, "invalid_id", err)
	}
	answer := strings.TrimSpace(in.Answer)
	if answer == "" {
		return RespondOutput{}, newError(ErrorInvalidInput, "empty_answer", nil)
	}

	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return RespondOutput{}, newError(ErrorNotFound, "no_pending_request", nil)
	}
	if err != nil {
		return RespondOutput{}, newError(ErrorInternal, "store_read_error", err)
	}

	resp := domain.Response{
		ID:        id,
		Type:      domain.TypeOracleResponse,
		Question:  req.Question,
		Answer:    answer,
		Responder: s.responder,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.PutResponse(ctx, resp); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Archived between the lookup and the write.
			return RespondOutput{}, newError(ErrorNotFound, "no_pending_request", nil)
		}
		return RespondOutput{}, newError(ErrorInternal, "store_write_error", err)
	}
	s.logger.Info("response written", "id", id, "responder", s.responder)
	return RespondOutput{ID: id, Responder: s.responder, RecordedAt: resp.Timestamp}, nil
}

// Archive finalizes an open exchange by hand, for operators recovering from a
// crashed Issuer. Unanswered requests are archived as timed out.
func (s *OracleService) Archive(ctx context.Context, id string) (domain.Status, error) {
	id = strings.TrimSpace(id)
	if err := domain.ValidateID(id); err != nil {
		return "", newError(ErrorInvalidInput, "invalid_id", err)
	}
	status, err := s.store.Archive(ctx, id, domain.StatusTimeout)
	if err != nil {
		return "", newError(ErrorInternal, "archive_error", err)
	}
	if status == "" {
		return "", newError(ErrorNotFound, "nothing_to_archive", nil)
	}
	s.logger.Info("exchange archived by operator", "id", id, "status", status)
	return status, nil
}

// Status summarizes partition counts and lists pending requests.
func (s *OracleService) Status(ctx context.Context) (StatusOutput, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return StatusOutput{}, newError(ErrorInternal, "store_read_error", err)
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		return StatusOutput{}, err
	}
	return StatusOutput{Location: s.location, Stats: stats, Pending: pending}, nil
}

// Pending lists open requests, oldest first.
func (s *OracleService) Pending(ctx context.Context) ([]domain.Request, error) {
	reqs, err := s.store.ListOpenRequests(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Timestamp.Equal(reqs[j].Timestamp) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].Timestamp.Before(reqs[j].Timestamp)
	})
	return reqs, nil
}

// History returns up to limit archived exchanges, newest first.
func (s *OracleService) History(ctx context.Context, limit int) ([]domain.Exchange, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	hist, err := s.store.ListHistory(ctx, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	return hist, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
