package repository

import (
	"fmt"

	"ordinal-bus/internal/domain"
)

// settledStatus is the status an exchange carries into history. A response
// archived with the request always wins over the caller's fallback.
func settledStatus(answered bool, unanswered domain.Status) domain.Status {
	if answered {
		return domain.StatusAnswered
	}
	return unanswered
}

func checkUnanswered(status domain.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("archive status %q is not terminal", status)
	}
	return nil
}
