// Package config reads the service configuration from the environment
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zllovesuki/subledger/event"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

var validate = validator.New()

// Environment the service runs in
type Environment string

// Defining running environments
const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
)

// Notification transports
const (
	TransportAMQP = "amqp"
	TransportNATS = "nats"
)

const (
	defaultListenAddr = ":42069"
	defaultLockTTL    = 30 * time.Second
)

// Options is the validated service configuration
type Options struct {
	Env        Environment `validate:"oneof=production development"`
	ListenAddr string      `validate:"required"`

	PostgresURI   string `validate:"required"`
	RedisURI      string `validate:"required"`
	RedisPassword string

	NotifyTransport string `validate:"oneof=amqp nats"`
	AMQPURI         string `validate:"required_if=NotifyTransport amqp"`
	NATSURL         string `validate:"required_if=NotifyTransport nats"`

	StripeKey           string
	StripeWebhookSecret string

	GooglePackageName     string
	GoogleCredentialsFile string `validate:"required_with=GooglePackageName"`

	AppleEnvironment event.Environment `validate:"oneof=production sandbox"`

	PlansFile string        `validate:"required"`
	LockTTL   time.Duration `validate:"gt=0"`
	SentryDSN string
}

// DotFile returns the .env file for the environment named by ENV
func DotFile(env string) (Environment, string) {
	if "production" == env {
		return EnvProduction, ".env.production"
	}
	return EnvDevelopment, ".env.development"
}

// Load reads dotFile into the process environment and parses it.
// Variables already set in the environment take precedence.
func Load(dotFile string) (*Options, error) {
	if err := godotenv.Load(dotFile); err != nil {
		return nil, extErrors.Wrap(err, "Cannot load configurations from .env")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds Options from lookup and validates them
func FromEnv(lookup func(string) string) (*Options, error) {
	env, _ := DotFile(lookup("ENV"))
	o := &Options{
		Env:                   env,
		ListenAddr:            withDefault(lookup("LISTEN_ADDR"), defaultListenAddr),
		PostgresURI:           lookup("POSTGRES_URI"),
		RedisURI:              lookup("REDIS_URI"),
		RedisPassword:         lookup("REDIS_PW"),
		NotifyTransport:       strings.ToLower(withDefault(lookup("NOTIFY_TRANSPORT"), TransportAMQP)),
		AMQPURI:               lookup("AMQP_URI"),
		NATSURL:               lookup("NATS_URL"),
		StripeKey:             lookup("STRIPE_KEY"),
		StripeWebhookSecret:   lookup("STRIPE_WEBHOOK_SECRET"),
		GooglePackageName:     lookup("GOOGLE_PACKAGE_NAME"),
		GoogleCredentialsFile: lookup("GOOGLE_CREDENTIALS_FILE"),
		AppleEnvironment:      event.Environment(strings.ToLower(withDefault(lookup("APPLE_ENVIRONMENT"), string(event.EnvProduction)))),
		PlansFile:             lookup("PLANS_FILE"),
		LockTTL:               defaultLockTTL,
		SentryDSN:             lookup("SENTRY_DSN"),
	}
	if raw := lookup("LOCK_TTL"); len(raw) > 0 {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, extErrors.Wrap(err, "Invalid LOCK_TTL")
		}
		o.LockTTL = ttl
	}
	if err := validate.Struct(o); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration")
	}
	return o, nil
}

// Development reports whether the service runs outside production
func (o *Options) Development() bool {
	return o.Env == EnvDevelopment
}

// String prints the configuration without secrets
func (o *Options) String() string {
	return fmt.Sprintf("env=%s listen=%s transport=%s apple=%s stripe=%t google=%t",
		o.Env, o.ListenAddr, o.NotifyTransport, o.AppleEnvironment,
		len(o.StripeKey) > 0, len(o.GooglePackageName) > 0)
}

func withDefault(v, def string) string {
	if len(v) == 0 {
		return def
	}
	return v
}
