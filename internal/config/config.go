package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DispatchModeInProcess = "inprocess"
	DispatchModeNSQ       = "nsq"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
	Migrate  bool // apply embedded migrations at startup
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled for channel depth
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // pump -> worker hand-off
	DeadTopic      string // deliveries that reached FAILED
	WorkerChannel  string
	MaxInFlight    int
	PublishDead    bool
	StatsInterval  time.Duration // backlog poll period, 0 disables
	RepublishAfter time.Duration // suppress re-publishing an unclaimed task for this long, 0 disables
}

type Dispatch struct {
	Mode            string        // inprocess | nsq
	MaxAttempts     int           // attempts before FAILED
	BackoffBase     time.Duration // delay = base * 2^attempts
	BackoffMax      time.Duration // cap
	JitterPercent   float64       // 0.0-1.0, upward only
	RequestTimeout  time.Duration // outbound HTTP timeout
	Concurrency     int           // simultaneous outbound calls per pump cycle
	PerHostRate     float64       // requests/sec per receiver host, 0 disables
	PerHostBurst    int
	SignatureHeader string
	TimestampHeader string
	DeliveryHeader  string
	EventHeader     string
	EventTypeHeader string
	UserAgent       string
}

type Scheduler struct {
	Enabled      bool
	PumpSchedule string // cron spec, e.g. "@every 30s"
	ReapSchedule string
	BatchSize    int
	StaleAfter   time.Duration
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

// TokenIssuer configures the development token service.
type TokenIssuer struct {
	Port          string
	PrivateKeyPEM string
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	WorkerPort   string // :8083
	LogLevel     string
	DB           DB
	NSQ          NSQ
	Dispatch     Dispatch
	Scheduler    Scheduler
	Auth         Auth
	TokenIssuer  TokenIssuer
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func port(v string) string {
	if strings.HasPrefix(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName:    getenv("APP_NAME", "harborrelay"),
		HTTPPort:   port(getenv("HTTP_PORT", "8080")),
		WorkerPort: port(getenv("WORKER_HTTP_PORT", "8083")),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborrelay"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
			Migrate:  getenvBool("DB_MIGRATE", true),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "delivery_tasks"),
			DeadTopic:      getenv("NSQ_DEAD_TOPIC", "deliveries_failed"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 20),
			PublishDead:    getenvBool("PUBLISH_DEAD_TOPIC", false),
			StatsInterval:  getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
			RepublishAfter: getenvDuration("NSQ_REPUBLISH_AFTER", time.Minute),
		},
		Dispatch: Dispatch{
			Mode:            getenv("DISPATCH_MODE", DispatchModeInProcess),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 8),
			BackoffBase:     getenvDuration("BACKOFF_BASE", 30*time.Second),
			BackoffMax:      getenvDuration("BACKOFF_MAX", time.Hour),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.2),
			RequestTimeout:  getenvDuration("REQUEST_TIMEOUT", 10*time.Second),
			Concurrency:     getenvInt("DISPATCH_CONCURRENCY", 20),
			PerHostRate:     getenvFloat("PER_HOST_RATE", 0),
			PerHostBurst:    getenvInt("PER_HOST_BURST", 5),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-HarborRelay-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-HarborRelay-Timestamp"),
			DeliveryHeader:  getenv("WEBHOOK_DELIVERY_HEADER", "X-HarborRelay-Delivery-Id"),
			EventHeader:     getenv("WEBHOOK_EVENT_HEADER", "X-HarborRelay-Event-Id"),
			EventTypeHeader: getenv("WEBHOOK_EVENT_TYPE_HEADER", "X-HarborRelay-Event-Type"),
			UserAgent:       getenv("WEBHOOK_USER_AGENT", "HarborRelay/1.0"),
		},
		Scheduler: Scheduler{
			Enabled:      getenvBool("RUN_SCHEDULER", true),
			PumpSchedule: getenv("PUMP_SCHEDULE", "@every 30s"),
			ReapSchedule: getenv("REAP_SCHEDULE", "@every 2m"),
			BatchSize:    getenvInt("PUMP_BATCH_SIZE", 100),
			StaleAfter:   getenvDuration("STALE_AFTER", 3*time.Minute),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "harborrelay"),
			Audience:     getenv("JWT_AUDIENCE", "harborrelay-admin"),
		},
		TokenIssuer: TokenIssuer{
			Port:          port(getenv("TOKEN_ISSUER_PORT", "8082")),
			PrivateKeyPEM: getenv("JWT_PRIVATE_KEY", ""),
			DefaultTTL:    getenvDuration("TOKEN_DEFAULT_TTL", time.Hour),
			MaxTTL:        getenvDuration("TOKEN_MAX_TTL", 24*time.Hour),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 port(getenv("FAKE_RECEIVER_PORT", "8081")),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	d := c.Dispatch
	switch {
	case d.Mode != DispatchModeInProcess && d.Mode != DispatchModeNSQ:
		return fmt.Errorf("DISPATCH_MODE must be %q or %q, got %q", DispatchModeInProcess, DispatchModeNSQ, d.Mode)
	case d.MaxAttempts < 1:
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", d.MaxAttempts)
	case d.BackoffBase <= 0:
		return fmt.Errorf("BACKOFF_BASE must be positive, got %s", d.BackoffBase)
	case d.BackoffMax < d.BackoffBase:
		return fmt.Errorf("BACKOFF_MAX (%s) must not be below BACKOFF_BASE (%s)", d.BackoffMax, d.BackoffBase)
	case d.JitterPercent < 0 || d.JitterPercent > 1:
		return fmt.Errorf("BACKOFF_JITTER_PCT must be within [0,1], got %v", d.JitterPercent)
	case d.RequestTimeout <= 0:
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", d.RequestTimeout)
	case d.Concurrency < 1:
		return fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1, got %d", d.Concurrency)
	case c.Scheduler.BatchSize < 1:
		return fmt.Errorf("PUMP_BATCH_SIZE must be at least 1, got %d", c.Scheduler.BatchSize)
	case c.Scheduler.StaleAfter <= d.RequestTimeout:
		return fmt.Errorf("STALE_AFTER (%s) must exceed REQUEST_TIMEOUT (%s)", c.Scheduler.StaleAfter, d.RequestTimeout)
	case c.Auth.Enabled && c.Auth.PublicKeyPEM == "":
		return fmt.Errorf("JWT_PUBLIC_KEY is required when AUTH_ENABLED is set")
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
