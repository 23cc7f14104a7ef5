// Package credentials описывает учетные данные SIP-регистрации и источники,
// из которых они получаются.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidCredentials возвращается, если в наборе отсутствует хотя бы одно поле
	// или wsUri не является WebSocket адресом.
	ErrInvalidCredentials = errors.New("credentials: invalid or incomplete credentials")
	// ErrUnavailable возвращается, когда источник не смог выдать учетные данные.
	ErrUnavailable = errors.New("credentials: unavailable")
)

// Credentials набор данных для регистрации на SIP сервере.
// Значение неизменяемо после получения.
type Credentials struct {
	SIPUser   string `json:"sipUser"`
	SIPPass   string `json:"sipPass"`
	SIPDomain string `json:"sipDomain"`
	WSURI     string `json:"wsUri"`
}

// Validate проверяет, что все поля заполнены и wsUri указывает на ws:// или wss://
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.SIPUser) == "" {
		missing = append(missing, "sipUser")
	}
	if c.SIPPass == "" {
		missing = append(missing, "sipPass")
	}
	if strings.TrimSpace(c.SIPDomain) == "" {
		missing = append(missing, "sipDomain")
	}
	if strings.TrimSpace(c.WSURI) == "" {
		missing = append(missing, "wsUri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}

	u, err := url.Parse(c.WSURI)
	if err != nil {
		return fmt.Errorf("%w: wsUri: %v", ErrInvalidCredentials, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: wsUri scheme %q is not ws/wss", ErrInvalidCredentials, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: wsUri has no host", ErrInvalidCredentials)
	}
	return nil
}

// AOR возвращает SIP идентичность вида sip:user@domain
func (c Credentials) AOR() string {
	return fmt.Sprintf("sip:%s@%s", c.SIPUser, c.SIPDomain)
}

// Secure сообщает, используется ли защищенный WebSocket
func (c Credentials) Secure() bool {
	return strings.HasPrefix(strings.ToLower(c.WSURI), "wss://")
}

// String не раскрывает пароль
func (c Credentials) String() string {
	return fmt.Sprintf("%s via %s", c.AOR(), c.WSURI)
}

// Provider источник учетных данных текущего оператора.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// ProviderFunc адаптер функции к Provider
type ProviderFunc func(ctx context.Context) (Credentials, error)

// Credentials реализует Provider
func (f ProviderFunc) Credentials(ctx context.Context) (Credentials, error) {
	return f(ctx)
}

// StaticProvider всегда возвращает один и тот же набор.
type StaticProvider struct {
	Creds Credentials
}

// Credentials реализует Provider
func (p StaticProvider) Credentials(context.Context) (Credentials, error) {
	return p.Creds, nil
}
