package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "consentledger/pkg/platform/strings"
)

// Config is the process configuration assembled from environment variables.
type Config struct {
	Server    Server
	Database  Database
	Redis     RedisConfig
	Hawk      Hawk
	Ledger    Ledger
	Audit     Audit
	Reconcile Reconcile
	LogLevel  string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	// AdminToken guards the credential administration routes. Empty
	// disables them.
	AdminToken string
}

type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the nonce cache connection. An empty URL selects
// the in-process cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Hawk struct {
	MessageExpiration  time.Duration
	NonceTTL           time.Duration
	RequirePayloadHash bool
	TrustedProxy       bool
}

type Ledger struct {
	ConsentTypes []string
	PageSize     int
	WriteRetries int
}

// Audit configures the outbox relay. Without brokers events stay in the
// outbox table.
type Audit struct {
	KafkaBrokers []string
	Topic        string
	PollInterval time.Duration
}

type Reconcile struct {
	ActivityStream ActivityStream
	Dynamics       Dynamics
	Adobe          Adobe
	MaxEmail       MaxEmail
}

type ActivityStream struct {
	URL string
	ID  string
	Key string
}

type Dynamics struct {
	InstanceURI  string
	TenantID     string
	ClientID     string
	ClientSecret string
}

type Adobe struct {
	TenantID           string
	APIKey             string
	APISecret          string
	OrganisationID     string
	TechnicalAccountID string
	PrivateKeyPath     string
	// Campaigns maps active campaign names to their service PKeys.
	Campaigns       []AdobeCampaign
	StagingWorkflow string
}

type AdobeCampaign struct {
	Name string
	PKey string
}

type MaxEmail struct {
	BaseURL         string
	Username        string
	Password        string
	UnsubscribeList string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []string
	e := env{errs: &errs}

	cfg := Config{
		Server: Server{
			Addr:            e.str("LEDGER_ADDR", ":8080"),
			ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
			AdminToken:      e.str("ADMIN_TOKEN", ""),
		},
		Database: Database{
			URL:             e.str("DATABASE_URL", ""),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          e.str("REDIS_URL", ""),
			PoolSize:     e.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Hawk: Hawk{
			MessageExpiration:  e.duration("HAWK_MESSAGE_EXPIRATION", 60*time.Second),
			NonceTTL:           e.duration("HAWK_NONCE_TTL", 60*time.Second),
			RequirePayloadHash: e.bool("HAWK_REQUIRE_PAYLOAD_HASH", false),
			TrustedProxy:       e.bool("HAWK_TRUSTED_PROXY", false),
		},
		Ledger: Ledger{
			ConsentTypes: e.list("CONSENT_TYPES", []string{"email_marketing", "phone_marketing"}),
			PageSize:     e.int("LEDGER_PAGE_SIZE", 100),
			WriteRetries: e.int("LEDGER_WRITE_RETRIES", 3),
		},
		Audit: Audit{
			KafkaBrokers: e.list("KAFKA_BROKERS", nil),
			Topic:        e.str("AUDIT_TOPIC", "consent-audit"),
			PollInterval: e.duration("AUDIT_POLL_INTERVAL", time.Second),
		},
		Reconcile: Reconcile{
			ActivityStream: ActivityStream{
				URL: e.str("ACTIVITY_STREAM_URL", ""),
				ID:  e.str("ACTIVITY_STREAM_ID", ""),
				Key: e.str("ACTIVITY_STREAM_KEY", ""),
			},
			Dynamics: Dynamics{
				InstanceURI:  e.str("DYNAMICS_INSTANCE_URI", ""),
				TenantID:     e.str("DYNAMICS_TENANT_ID", ""),
				ClientID:     e.str("DYNAMICS_CLIENT_ID", ""),
				ClientSecret: e.str("DYNAMICS_CLIENT_SECRET", ""),
			},
			Adobe: Adobe{
				TenantID:           e.str("ADOBE_TENANT_ID", ""),
				APIKey:             e.str("ADOBE_API_KEY", ""),
				APISecret:          e.str("ADOBE_API_SECRET", ""),
				OrganisationID:     e.str("ADOBE_ORGANISATION_ID", ""),
				TechnicalAccountID: e.str("ADOBE_TECHNICAL_ACCOUNT_ID", ""),
				PrivateKeyPath:     e.str("ADOBE_PRIVATE_KEY_PATH", ""),
				Campaigns:          e.campaigns("ADOBE_CAMPAIGNS"),
				StagingWorkflow:    e.str("ADOBE_STAGING_WORKFLOW", ""),
			},
			MaxEmail: MaxEmail{
				BaseURL:         e.str("MAXEMAIL_BASE_URL", ""),
				Username:        e.str("MAXEMAIL_USERNAME", ""),
				Password:        e.str("MAXEMAIL_PASSWORD", ""),
				UnsubscribeList: e.str("MAXEMAIL_UNSUBSCRIBE_LIST_NAME", "Master Unsubscribe List"),
			},
		},
		LogLevel: e.str("LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// env reads typed values and collects parse failures instead of stopping
// at the first one.
type env struct {
	errs *[]string
}

func (e env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func (e env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (e env) list(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return pstrings.Split(v, ",")
}

// campaigns parses "name=pkey" pairs separated by commas.
func (e env) campaigns(key string) []AdobeCampaign {
	var out []AdobeCampaign
	for _, pair := range e.list(key, nil) {
		name, pkey, ok := strings.Cut(pair, "=")
		name, pkey = strings.TrimSpace(name), strings.TrimSpace(pkey)
		if !ok || name == "" || pkey == "" {
			*e.errs = append(*e.errs, fmt.Sprintf("%s: %q is not name=pkey", key, pair))
			continue
		}
		out = append(out, AdobeCampaign{Name: name, PKey: pkey})
	}
	return out
}
