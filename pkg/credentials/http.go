package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPathTemplate путь профиля оператора относительно BaseURL.
// {operator} заменяется на экранированный идентификатор оператора.
const DefaultPathTemplate = "/operators/{operator}/sip-profile"

// HTTPConfig конфигурация HTTP источника учетных данных
type HTTPConfig struct {
	BaseURL      string
	PathTemplate string
	OperatorID   string
	Token        string
	Timeout      time.Duration
}

// HTTPProvider получает учетные данные из HTTP эндпоинта профиля оператора.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider создает провайдер. client может быть nil.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client, logger *slog.Logger) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("credentials: base url is required")
	}
	if cfg.OperatorID == "" {
		return nil, fmt.Errorf("credentials: operator id is required")
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultPathTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: client,
		logger: logger.With(slog.String("component", "credentials")),
	}, nil
}

func (p *HTTPProvider) endpoint() string {
	path := strings.ReplaceAll(p.cfg.PathTemplate, "{operator}", url.PathEscape(p.cfg.OperatorID))
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

// Credentials реализует Provider.
// Невалидный ответ возвращает ErrInvalidCredentials, сетевые ошибки и не-2xx статусы ErrUnavailable.
func (p *HTTPProvider) Credentials(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(), nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("не удалось запросить профиль оператора", slog.Any("error", err))
		return Credentials{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		p.logger.Warn("профиль оператора недоступен", slog.Int("status", resp.StatusCode))
		return Credentials{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: decode profile: %v", ErrInvalidCredentials, err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}

	p.logger.Debug("учетные данные получены", slog.String("aor", creds.AOR()))
	return creds, nil
}
