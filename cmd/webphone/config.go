package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/signaling/wsua"
)

const envPrefix = "WEBPHONE"

// Источники учетных данных
const (
	sourceStatic = "static"
	sourceHTTP   = "http"
)

// Режимы медиа
const (
	mediaWebRTC = "webrtc"
	mediaRTP    = "rtp"
)

// Источники локального аудио
const (
	sourceSilence = "silence"
	sourceNone    = "none"
)

// Config конфигурация процесса: YAML файл и переменные окружения WEBPHONE_*
type Config struct {
	Credentials CredentialsConfig `mapstructure:"credentials"`
	SIP         SIPConfig         `mapstructure:"sip"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Call        CallConfig        `mapstructure:"call"`
	Media       MediaConfig       `mapstructure:"media"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type CredentialsConfig struct {
	Source string `mapstructure:"source"`

	SIPUser   string `mapstructure:"sip_user"`
	SIPPass   string `mapstructure:"sip_pass"`
	SIPDomain string `mapstructure:"sip_domain"`
	WSURI     string `mapstructure:"ws_uri"`

	BaseURL      string        `mapstructure:"base_url"`
	PathTemplate string        `mapstructure:"path_template"`
	OperatorID   string        `mapstructure:"operator_id"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type SIPConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	RegisterExpiry     time.Duration `mapstructure:"register_expiry"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

type CallConfig struct {
	FailedCooldown time.Duration `mapstructure:"failed_cooldown"`
	EndedCooldown  time.Duration `mapstructure:"ended_cooldown"`
	HoldTimeout    time.Duration `mapstructure:"hold_timeout"`
}

type MediaConfig struct {
	Mode       string   `mapstructure:"mode"`
	RTPAddr    string   `mapstructure:"rtp_addr"`
	RTPPort    int      `mapstructure:"rtp_port"`
	ICEServers []string `mapstructure:"ice_servers"`
	// OutputFile файл для payload входящего аудио; пусто - отбрасывать
	OutputFile string `mapstructure:"output_file"`
	// Source что писать в локальный трек WebRTC: silence или none
	Source string `mapstructure:"source"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Listen адрес HTTP сервера /metrics; пусто - не запускать
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	pd := phone.DefaultConfig()
	sd := wsua.DefaultConfig()

	v.SetDefault("credentials.source", sourceStatic)
	v.SetDefault("credentials.sip_user", "")
	v.SetDefault("credentials.sip_pass", "")
	v.SetDefault("credentials.sip_domain", "")
	v.SetDefault("credentials.ws_uri", "")
	v.SetDefault("credentials.base_url", "")
	v.SetDefault("credentials.path_template", credentials.DefaultPathTemplate)
	v.SetDefault("credentials.operator_id", "")
	v.SetDefault("credentials.token", "")
	v.SetDefault("credentials.timeout", pd.CredentialsTimeout)

	v.SetDefault("sip.user_agent", sd.UserAgent)
	v.SetDefault("sip.register_expiry", sd.RegisterExpiry)
	v.SetDefault("sip.transaction_timeout", sd.TransactionTimeout)

	v.SetDefault("retry.max_retries", pd.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", pd.Retry.BaseDelay)

	v.SetDefault("call.failed_cooldown", pd.FailedCooldown)
	v.SetDefault("call.ended_cooldown", pd.EndedCooldown)
	v.SetDefault("call.hold_timeout", pd.HoldTimeout)

	v.SetDefault("media.mode", mediaWebRTC)
	v.SetDefault("media.rtp_addr", "127.0.0.1")
	v.SetDefault("media.rtp_port", 4000)
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.output_file", "")
	v.SetDefault("media.source", sourceSilence)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.listen", "")
}

// LoadConfig читает конфигурацию. path может быть пустым: тогда только значения
// по умолчанию и окружение.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет то, что не проверят сами компоненты
func (c Config) Validate() error {
	switch c.Credentials.Source {
	case sourceStatic:
	case sourceHTTP:
		if c.Credentials.BaseURL == "" || c.Credentials.OperatorID == "" {
			return fmt.Errorf("credentials.base_url and credentials.operator_id are required for http source")
		}
	default:
		return fmt.Errorf("unknown credentials.source %q", c.Credentials.Source)
	}
	switch c.Media.Mode {
	case mediaWebRTC:
	case mediaRTP:
		if c.Media.RTPPort <= 0 || c.Media.RTPPort > 65535 {
			return fmt.Errorf("media.rtp_port out of range: %d", c.Media.RTPPort)
		}
	default:
		return fmt.Errorf("unknown media.mode %q", c.Media.Mode)
	}
	switch c.Media.Source {
	case sourceSilence, sourceNone:
	default:
		return fmt.Errorf("unknown media.source %q", c.Media.Source)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// PhoneConfig конфигурация ядра софтфона
func (c Config) PhoneConfig(logger *slog.Logger) phone.Config {
	cfg := phone.DefaultConfig()
	cfg.Retry = phone.RetryPolicy{MaxRetries: c.Retry.MaxRetries, BaseDelay: c.Retry.BaseDelay}
	cfg.FailedCooldown = c.Call.FailedCooldown
	cfg.EndedCooldown = c.Call.EndedCooldown
	cfg.HoldTimeout = c.Call.HoldTimeout
	if c.Credentials.Timeout > 0 {
		cfg.CredentialsTimeout = c.Credentials.Timeout
	}
	cfg.Logger = logger
	return cfg
}

// UAConfig конфигурация SIP агента
func (c Config) UAConfig(logger *slog.Logger) wsua.Config {
	cfg := wsua.DefaultConfig()
	cfg.UserAgent = c.SIP.UserAgent
	cfg.RegisterExpiry = c.SIP.RegisterExpiry
	cfg.TransactionTimeout = c.SIP.TransactionTimeout
	cfg.Logger = logger
	return cfg
}

// WebRTCConfig конфигурация peer connection
func (c Config) WebRTCConfig() webrtc.Configuration {
	if len(c.Media.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: c.Media.ICEServers}},
	}
}

// CredentialsProvider источник учетных данных по конфигурации
func (c Config) CredentialsProvider(logger *slog.Logger) (credentials.Provider, error) {
	cc := c.Credentials
	if cc.Source == sourceHTTP {
		return credentials.NewHTTPProvider(credentials.HTTPConfig{
			BaseURL:      cc.BaseURL,
			PathTemplate: cc.PathTemplate,
			OperatorID:   cc.OperatorID,
			Token:        cc.Token,
			Timeout:      cc.Timeout,
		}, nil, logger)
	}
	return credentials.StaticProvider{Creds: credentials.Credentials{
		SIPUser:   cc.SIPUser,
		SIPPass:   cc.SIPPass,
		SIPDomain: cc.SIPDomain,
		WSURI:     cc.WSURI,
	}}, nil
}

// NewLogger создает slog логгер с текстовым или JSON обработчиком
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
