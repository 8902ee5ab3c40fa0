// Package app assembles stores, notifiers and services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"ordinal-bus/internal/config"
	"ordinal-bus/internal/integrations/paramstore"
	"ordinal-bus/internal/integrations/telegram"
	"ordinal-bus/internal/repository"
	"ordinal-bus/internal/usecase"
)

const (
	botTokenParam        = "telegram-bot-token"
	responderSecretParam = "responder-secret"
)

// SecretSource yields a secret value; see paramstore.Secret and paramstore.Static.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

// Wiring lazily creates shared AWS clients so a purely local bus never
// touches AWS configuration.
type Wiring struct {
	cfg    *config.Config
	logger *slog.Logger

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error
}

func New(cfg *config.Config, logger *slog.Logger) (*Wiring, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wiring{cfg: cfg, logger: logger}, nil
}

func (w *Wiring) aws(ctx context.Context) (aws.Config, error) {
	w.awsOnce.Do(func() {
		w.awsCfg, w.awsErr = awsconfig.LoadDefaultConfig(ctx)
		if w.awsErr != nil {
			w.awsErr = fmt.Errorf("app: load AWS config: %w", w.awsErr)
		}
	})
	return w.awsCfg, w.awsErr
}

// Store opens the configured backend.
func (w *Wiring) Store(ctx context.Context) (usecase.Store, error) {
	switch w.cfg.Store {
	case config.StoreMemory:
		return repository.NewMemoryStore(), nil
	case config.StoreDynamoDB:
		awsCfg, err := w.aws(ctx)
		if err != nil {
			return nil, err
		}
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), w.cfg.Table)
		if err != nil {
			return nil, err
		}
		return c.WithLogger(w.logger), nil
	default:
		return repository.NewFileStore(w.cfg.BusDir, w.logger)
	}
}

func (w *Wiring) params(ctx context.Context) (paramstore.Getter, error) {
	awsCfg, err := w.aws(ctx)
	if err != nil {
		return nil, err
	}
	return paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithPrefix(w.cfg.ParamPrefix))
}

// Notifier returns nil when no chat is configured. The bot token comes from
// TELEGRAM_BOT_TOKEN or, failing that, from the parameter store.
func (w *Wiring) Notifier(ctx context.Context) (usecase.Notifier, error) {
	if w.cfg.TelegramChatID == "" {
		return nil, nil
	}
	var token telegram.TokenSource
	switch {
	case w.cfg.TelegramBotToken != "":
		token = paramstore.Static(w.cfg.TelegramBotToken)
	case w.cfg.ParamPrefix != "":
		getter, err := w.params(ctx)
		if err != nil {
			return nil, err
		}
		secret, err := paramstore.NewSecret(getter, botTokenParam)
		if err != nil {
			return nil, err
		}
		w.logger.Debug("telegram bot token from parameter store", "param", secret.Name())
		token = secret
	default:
		return nil, errors.New("app: TELEGRAM_CHAT_ID is set but neither TELEGRAM_BOT_TOKEN nor ORDINAL_PARAM_PREFIX is")
	}
	return telegram.New(token, w.cfg.TelegramChatID)
}

// ErrNoResponderSecret is returned when the responder endpoint has no secret
// and ORDINAL_RESPONDER_INSECURE is not set.
var ErrNoResponderSecret = errors.New("app: no responder secret configured; set ORDINAL_RESPONDER_SECRET, ORDINAL_PARAM_PREFIX or ORDINAL_RESPONDER_INSECURE=true")

// ResponderSecret returns nil only when the endpoint was explicitly opened
// with ORDINAL_RESPONDER_INSECURE.
func (w *Wiring) ResponderSecret(ctx context.Context) (SecretSource, error) {
	switch {
	case w.cfg.ResponderSecret != "":
		return paramstore.Static(w.cfg.ResponderSecret), nil
	case w.cfg.ParamPrefix != "":
		getter, err := w.params(ctx)
		if err != nil {
			return nil, err
		}
		secret, err := paramstore.NewSecret(getter, responderSecretParam)
		if err != nil {
			return nil, err
		}
		return secret, nil
	case w.cfg.ResponderInsecure:
		w.logger.Warn("responder endpoint is unauthenticated")
		return nil, nil
	default:
		return nil, ErrNoResponderSecret
	}
}

// Service builds the OracleService over store.
func (w *Wiring) Service(ctx context.Context, store usecase.Store) (*usecase.OracleService, error) {
	opts := []usecase.Option{
		usecase.WithLogger(w.logger),
		usecase.WithPollInterval(w.cfg.PollInterval),
		usecase.WithResponder(w.cfg.Responder),
		usecase.WithLocation(w.cfg.Location()),
	}
	notifier, err := w.Notifier(ctx)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		opts = append(opts, usecase.WithNotifier(notifier))
	}
	return usecase.NewOracleService(store, opts...)
}
