package usecase

import (
	"fmt"
	"strings"
	"time"

	"ordinal-bus/internal/domain"
)

// The Render functions produce the plain-text replies shared by the MCP tools
// and the CLI.

func RenderCall(out CallOutput) string {
	if out.Status == domain.StatusAnswered {
		return fmt.Sprintf("Oracle response (%s): %s", out.Responder, out.Answer)
	}
	return fmt.Sprintf(
		"Oracle call timed out after %ds. The oracle did not respond. Request ID: %s",
		out.TimeoutSeconds, out.ID,
	)
}

func RenderRespond(out RespondOutput) string {
	return fmt.Sprintf("Response recorded for request %s. The caller will receive it shortly.", out.ID)
}

func RenderNotFound(id string) string {
	return fmt.Sprintf("No pending request found with ID: %s", id)
}

func RenderArchive(id string, status domain.Status) string {
	return fmt.Sprintf("Exchange %s archived with status %s.", id, status)
}

func RenderStatus(out StatusOutput) string {
	lines := []string{"=== Ordinal Bus Status ==="}
	if out.Location != "" {
		lines = append(lines, "Bus directory: "+out.Location)
	}
	lines = append(lines,
		fmt.Sprintf("Pending requests: %d", out.Stats.OpenRequests),
		fmt.Sprintf("Pending responses: %d", out.Stats.OpenResponses),
		fmt.Sprintf("Historical exchanges: %d", out.Stats.History),
		"",
	)
	if len(out.Pending) > 0 {
		lines = append(lines, "--- Pending Requests ---")
		for _, req := range out.Pending {
			lines = append(lines, fmt.Sprintf("  [%s] %s: %s",
				req.ID, strings.ToUpper(string(urgencyOrDefault(req.Urgency))), clip(req.Question, 60)))
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func RenderPending(reqs []domain.Request) string {
	if len(reqs) == 0 {
		return "No pending oracle calls on the bus."
	}
	lines := []string{"=== Pending Oracle Calls ===", ""}
	for _, req := range reqs {
		context := req.Context
		if strings.TrimSpace(context) == "" {
			context = "(none)"
		}
		status := req.Status
		if status == "" {
			status = domain.StatusPending
		}
		lines = append(lines,
			"Request ID: "+req.ID,
			"  Question: "+req.Question,
			"  Context: "+context,
			"  Urgency: "+string(urgencyOrDefault(req.Urgency)),
			"  Time: "+req.Timestamp.UTC().Format(time.RFC3339),
			"  Status: "+string(status),
			"",
		)
	}
	return strings.Join(lines, "\n")
}

func RenderHistory(exchanges []domain.Exchange) string {
	if len(exchanges) == 0 {
		return "No history on the bus yet."
	}
	lines := []string{"=== Ordinal Bus History ===", ""}
	for _, ex := range exchanges {
		lines = append(lines,
			fmt.Sprintf("[%s] Q: %s", ex.Request.ID, clip(ex.Request.Question, 80)),
			fmt.Sprintf("  Urgency: %s | Status: %s", urgencyOrDefault(ex.Request.Urgency), ex.EffectiveStatus()),
		)
		if ex.Response != nil {
			lines = append(lines,
				"  A: "+clip(ex.Response.Answer, 80),
				"  Responder: "+ex.Response.Responder,
			)
		}
		archived := ex.Container
		if archived == "" && !ex.ArchivedAt.IsZero() {
			archived = ex.ArchivedAt.UTC().Format(time.RFC3339)
		}
		lines = append(lines, "  Archived: "+archived, "")
	}
	return strings.Join(lines, "\n")
}

func urgencyOrDefault(u domain.Urgency) domain.Urgency {
	if u == "" {
		return domain.UrgencyNormal
	}
	return u
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
