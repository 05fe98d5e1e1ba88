package telegram

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wordtally/pkg/tally"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

const (
	defaultRuntimeSessionFile  = ".cache/telegram/session.json"
	defaultRuntimePublishDelay = 2 * time.Second
	defaultRuntimeAuthTimeout  = 3 * time.Minute
	defaultRuntimeUpdateBuffer = 256

	envPrefix = "TALLY_TELEGRAM_"
)

type runtimeConfig struct {
	AppID          int    `json:"app_id"`
	AppHash        string `json:"app_hash"`
	PublishTimeout string `json:"publish_timeout"`
	UpdateBuffer   int    `json:"update_buffer"`
	AuthTimeout    string `json:"auth_timeout"`
	Code           string `json:"code"`
	Phone          string `json:"phone"`
	Password       string `json:"password"`
	SessionFile    string `json:"session_file"`
}

type parsedRuntimeConfig struct {
	appID          int
	appHash        string
	publishTimeout time.Duration
	updateBuffer   int
	authTimeout    time.Duration
	code           string
	phone          string
	password       string
	sessionFile    string
}

// BuildRuntimeFromConfig builds one telegram driver and its history
// transport from a JSON config payload. TALLY_TELEGRAM_* environment
// variables override the matching payload fields.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (tally.EventSource, tally.Driver, tally.Transport, error) {
	cfg, err := parseRuntimeConfig(rawConfig, os.LookupEnv)
	if err != nil {
		return tally.EventSource{}, nil, nil, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	updateChannel, err := NewGotdUpdateChannel(cfg.updateBuffer)
	if err != nil {
		return tally.EventSource{}, nil, nil, fmt.Errorf("new gotd update channel: %w", err)
	}

	sessionStorage, err := newGotdSessionStorage(cfg.sessionFile)
	if err != nil {
		return tally.EventSource{}, nil, nil, fmt.Errorf("new gotd session storage: %w", err)
	}

	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  updateChannel,
		SessionStorage: sessionStorage,
	})

	peers := NewPeerCache()
	gate := &SessionGate{}
	source, err := NewGotdUserbotSource(
		gotdAuthenticatedClient{
			client: client,
			authenticate: func(ctx context.Context) error {
				return authenticateGotdClient(ctx, logger, client, cfg)
			},
		},
		updateChannel,
		NewDefaultGotdUpdateMapper(peers),
		gate,
	)
	if err != nil {
		return tally.EventSource{}, nil, nil, fmt.Errorf("new gotd userbot source: %w", err)
	}

	driver, err := NewDriver(
		source,
		NewDefaultDecoder(name),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithErrorHandler(func(_ context.Context, err error) {
			logger.Warn("telegram update skipped", "error", err)
		}),
	)
	if err != nil {
		return tally.EventSource{}, nil, nil, fmt.Errorf("new telegram driver: %w", err)
	}

	history, err := NewHistory(client.API(), peers, gate, logger)
	if err != nil {
		return tally.EventSource{}, nil, nil, fmt.Errorf("new telegram history: %w", err)
	}

	return tally.EventSource{Platform: DriverPlatform, ID: name}, driver, history, nil
}

func parseRuntimeConfig(raw []byte, lookupEnv func(string) (string, bool)) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var parsed runtimeConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := applyEnvOverrides(&parsed, lookupEnv); err != nil {
		return parsedRuntimeConfig{}, err
	}

	cfg := parsedRuntimeConfig{
		appID:          parsed.AppID,
		appHash:        strings.TrimSpace(parsed.AppHash),
		publishTimeout: defaultRuntimePublishDelay,
		updateBuffer:   parsed.UpdateBuffer,
		authTimeout:    defaultRuntimeAuthTimeout,
		code:           strings.TrimSpace(parsed.Code),
		phone:          strings.TrimSpace(parsed.Phone),
		password:       strings.TrimSpace(parsed.Password),
		sessionFile:    strings.TrimSpace(parsed.SessionFile),
	}
	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultRuntimeUpdateBuffer
	}
	if cfg.sessionFile == "" {
		cfg.sessionFile = defaultRuntimeSessionFile
	}

	var err error
	if cfg.publishTimeout, err = parsePositiveDuration("publish_timeout", parsed.PublishTimeout, cfg.publishTimeout); err != nil {
		return parsedRuntimeConfig{}, err
	}
	if cfg.authTimeout, err = parsePositiveDuration("auth_timeout", parsed.AuthTimeout, cfg.authTimeout); err != nil {
		return parsedRuntimeConfig{}, err
	}

	if cfg.appID <= 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("app_id must be > 0")
	}
	if cfg.appHash == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("app_hash is required")
	}

	return cfg, nil
}

func applyEnvOverrides(parsed *runtimeConfig, lookupEnv func(string) (string, bool)) error {
	if lookupEnv == nil {
		return nil
	}

	if value, ok := lookupEnv(envPrefix + "APP_ID"); ok && strings.TrimSpace(value) != "" {
		appID, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %sAPP_ID: %w", envPrefix, err)
		}
		parsed.AppID = appID
	}

	overrides := map[string]*string{
		"APP_HASH":     &parsed.AppHash,
		"PHONE":        &parsed.Phone,
		"CODE":         &parsed.Code,
		"PASSWORD":     &parsed.Password,
		"SESSION_FILE": &parsed.SessionFile,
	}
	for suffix, field := range overrides {
		if value, ok := lookupEnv(envPrefix + suffix); ok && strings.TrimSpace(value) != "" {
			*field = value
		}
	}

	return nil
}

func parsePositiveDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute session file path: %w", err)
	}
	sessionDir := filepath.Dir(absPath)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", sessionDir, err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

type gotdAuthenticatedClient struct {
	client       *gotdtelegram.Client
	authenticate func(ctx context.Context) error
}

// Run authenticates inside the gotd session before invoking fn.
func (c gotdAuthenticatedClient) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if c.client == nil {
		return fmt.Errorf("run gotd authenticated client: nil client")
	}
	if c.authenticate == nil || fn == nil {
		return fmt.Errorf("run gotd authenticated client: nil callback")
	}

	if err := c.client.Run(ctx, func(runCtx context.Context) error {
		if err := c.authenticate(runCtx); err != nil {
			return fmt.Errorf("authenticate gotd client: %w", err)
		}
		if err := fn(runCtx); err != nil {
			return fmt.Errorf("run gotd client callback: %w", err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("run gotd authenticated client: %w", err)
	}

	return nil
}

func authenticateGotdClient(
	ctx context.Context,
	logger *slog.Logger,
	client *gotdtelegram.Client,
	cfg parsedRuntimeConfig,
) error {
	authCtx, cancel := context.WithTimeout(ctx, cfg.authTimeout)
	defer cancel()

	status, err := client.Auth().Status(authCtx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		logger.Info("telegram session restored from local storage", "session_file", cfg.sessionFile)
		return nil
	}

	if cfg.phone == "" {
		return fmt.Errorf("telegram phone number is required for userbot login; set %sPHONE", envPrefix)
	}

	codeAuthenticator := auth.CodeAuthenticatorFunc(func(_ context.Context, _ *tg.AuthSentCode) (string, error) {
		code, err := telegramAuthCode(cfg.code)
		if err != nil {
			return "", fmt.Errorf("resolve login code: %w", err)
		}
		return code, nil
	})

	var authenticator auth.UserAuthenticator = auth.CodeOnly(cfg.phone, codeAuthenticator)
	if cfg.password != "" {
		authenticator = auth.Constant(cfg.phone, cfg.password, codeAuthenticator)
	}

	if err := client.Auth().IfNecessary(authCtx, auth.NewFlow(authenticator, auth.SendCodeOptions{})); err != nil {
		return fmt.Errorf("authenticate user: %w", err)
	}
	logger.Info("telegram authorized with user flow", "session_file", cfg.sessionFile)

	return nil
}

func telegramAuthCode(configuredCode string) (string, error) {
	if code := strings.TrimSpace(configuredCode); code != "" {
		return code, nil
	}

	stdinInfo, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("read stdin status: %w", err)
	}
	if stdinInfo.Mode()&os.ModeCharDevice == 0 {
		return "", fmt.Errorf("%sCODE is empty and stdin is not interactive", envPrefix)
	}

	fmt.Fprint(os.Stdout, "Enter Telegram login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read login code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty login code")
	}

	return code, nil
}
