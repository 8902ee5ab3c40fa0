package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape stored in SSM for secrets.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret resolves a {"token": "..."} parameter on first use and caches it
// for the lifetime of the process. Failed lookups are not cached.
type Secret struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func NewSecret(getter Getter, name string) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: secret name must not be empty")
	}
	return &Secret{getter: getter, name: name}, nil
}

func (s *Secret) Name() string { return s.name }

func (s *Secret) Value(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}
	v, err := fetchToken(ctx, s.getter, s.name)
	if err != nil {
		return "", err
	}
	s.value = v
	return v, nil
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch secret: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal secret %q as JSON: %w", name, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: secret %q is empty", name)
	}
	return tp.Token, nil
}

// Static is a fixed secret, for values supplied through the environment.
type Static string

func (s Static) Value(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("paramstore: static secret is empty")
	}
	return string(s), nil
}
