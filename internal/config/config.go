package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	SupabaseURL     string
	SupabaseAnonKey string
	RedisAddr       string
	AutoMigrate     bool
	AdminEmails     []string
	AppURL          string
	LeaderboardTTL  time.Duration
	UniverseFile    string

	Market   MarketConfig
	OpenAI   OpenAIConfig
	Stripe   StripeConfig
	Firebase FirebaseConfig
	Notify   NotifyConfig
}

type WorkerConfig struct {
	APIConfig
	SchedulerPoll time.Duration
	RunOnce       bool
	MetricsAddr   string
}

type MarketConfig struct {
	BaseURL        string
	RequestsPerSec float64
	Timeout        time.Duration
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

func (c OpenAIConfig) Enabled() bool { return c.APIKey != "" }

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
}

func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

type FirebaseConfig struct {
	CredentialsFile string
	ProjectID       string
}

func (c FirebaseConfig) Enabled() bool { return c.CredentialsFile != "" }

type NotifyConfig struct {
	RequestsPerSec float64
	BatchSize      int
}

type CLIConfig struct {
	APIBaseURL string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("MUNYMO_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		RedisAddr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		AutoMigrate:     envBoolDefault("MUNYMO_AUTO_MIGRATE", false),
		AdminEmails:     envList("MUNYMO_ADMIN_EMAILS"),
		AppURL:          strings.TrimRight(envDefault("MUNYMO_APP_URL", "https://munymo.app"), "/"),
		LeaderboardTTL:  envDurationDefault("MUNYMO_LEADERBOARD_TTL", time.Minute),
		UniverseFile:    strings.TrimSpace(os.Getenv("MUNYMO_UNIVERSE_FILE")),
		Market: MarketConfig{
			BaseURL:        strings.TrimRight(envDefault("MUNYMO_YAHOO_BASE_URL", "https://query1.finance.yahoo.com"), "/"),
			RequestsPerSec: envFloatDefault("MUNYMO_YAHOO_RPS", 2),
			Timeout:        envDurationDefault("MUNYMO_YAHOO_TIMEOUT", 15*time.Second),
		},
		OpenAI: OpenAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:   envDefault("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: strings.TrimRight(envDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
			WebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
			PriceID:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE")),
			ProjectID:       strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID")),
		},
		Notify: NotifyConfig{
			RequestsPerSec: envFloatDefault("MUNYMO_NOTIFY_RPS", 10),
			BatchSize:      envIntDefault("MUNYMO_NOTIFY_BATCH_SIZE", 500),
		},
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if cfg.Stripe.Enabled() && (cfg.Stripe.PriceID == "" || cfg.Stripe.WebhookSecret == "") {
		return cfg, fmt.Errorf("STRIPE_PRICE_ID and STRIPE_WEBHOOK_SECRET are required when STRIPE_SECRET_KEY is set")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	api, err := LoadAPIFromEnv()
	if err != nil {
		return WorkerConfig{APIConfig: api}, err
	}
	return WorkerConfig{
		APIConfig:     api,
		SchedulerPoll: envDurationDefault("MUNYMO_SCHEDULER_POLL", 30*time.Second),
		RunOnce:       envBoolDefault("MUNYMO_WORKER_RUN_ONCE", false),
		MetricsAddr:   strings.TrimSpace(os.Getenv("MUNYMO_WORKER_METRICS_ADDR")),
	}, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("MUNY_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

// IsAdminEmail reports whether email is listed in MUNYMO_ADMIN_EMAILS.
func (c APIConfig) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, e := range c.AdminEmails {
		if e == email {
			return true
		}
	}
	return false
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
