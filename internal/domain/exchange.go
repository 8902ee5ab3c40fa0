package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Record types written into the "type" field of persisted documents.
const (
	TypeOracleCall     = "oracle_call"
	TypeOracleResponse = "oracle_response"
)

var (
	// ErrNotFound reports that no open request exists for an id.
	ErrNotFound = errors.New("exchange not found")
	// ErrMalformedRecord reports a stored record that failed to decode.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrInvalidID reports an id that is not a safe record key.
	ErrInvalidID = errors.New("invalid exchange id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidateID checks that id can be used as a record key in every store backend.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Status is the lifecycle state of an exchange.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusAnswered || s == StatusTimeout
}

// Urgency is advisory metadata attached to a request.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency normalizes case and whitespace. An empty value means normal;
// anything outside the fixed set is rejected.
func ParseUrgency(raw string) (Urgency, error) {
	v := Urgency(strings.ToLower(strings.TrimSpace(raw)))
	switch v {
	case "":
		return UrgencyNormal, nil
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return v, nil
	}
	return "", fmt.Errorf("unknown urgency %q (want low, normal, high or critical)", raw)
}

// Level tags the logical role of a sender or recipient.
type Level int

const (
	LevelInfrastructure Level = iota
	LevelSubagent
	LevelOrchestrator
	LevelOracle
)

func (l Level) String() string {
	switch l {
	case LevelInfrastructure:
		return "infrastructure"
	case LevelSubagent:
		return "subagent"
	case LevelOrchestrator:
		return "orchestrator"
	case LevelOracle:
		return "oracle"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Request is the open request record written by the Issuer.
type Request struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	FromLevel      Level     `json:"from_level"`
	ToLevel        Level     `json:"to_level"`
	Question       string    `json:"question"`
	Context        string    `json:"context"`
	Urgency        Urgency   `json:"urgency"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
}

// Deadline returns when the Issuer stops waiting. ok is false for records
// that carry no wait budget.
func (r Request) Deadline() (time.Time, bool) {
	if r.TimeoutSeconds <= 0 {
		return time.Time{}, false
	}
	return r.Timestamp.Add(time.Duration(r.TimeoutSeconds) * time.Second), true
}

// Response is the answer record written by the Responder.
type Response struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Responder string    `json:"responder"`
	Timestamp time.Time `json:"timestamp"`
}

// Exchange is an archived request together with its response, if any.
type Exchange struct {
	Request    Request
	Response   *Response
	Container  string
	ArchivedAt time.Time
}

// EffectiveStatus reports answered whenever a response was archived with the
// request, regardless of what the request record says.
func (e Exchange) EffectiveStatus() Status {
	if e.Response != nil {
		return StatusAnswered
	}
	if e.Request.Status == "" {
		return StatusPending
	}
	return e.Request.Status
}

// Stats counts records per partition.
type Stats struct {
	OpenRequests  int
	OpenResponses int
	History       int
}
