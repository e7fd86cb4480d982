package config

import (
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Store selects the authoritative persistence: "postgres" or "memory".
	// Broker selects the job transport and fanout: "redis" or "memory".
	Store  string `env:"STORE" envDefault:"postgres"`
	Broker string `env:"BROKER" envDefault:"redis"`

	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	FanoutChannel string `env:"FANOUT_CHANNEL" envDefault:"pulse:fanout"`

	// Queues is the set the janitor sweeps. The server registers the same
	// names at startup.
	Queues []string `env:"QUEUES" envSeparator:"," envDefault:"broadcast,external,maintenance"`

	DefaultLeaseSec    int `env:"DEFAULT_LEASE_SEC" envDefault:"60"`
	JanitorTickMS      int `env:"JANITOR_TICK_MS" envDefault:"1000"`
	SchedulerTickSec   int `env:"SCHEDULER_TICK_SEC" envDefault:"15"`
	PresenceSweepSec   int `env:"PRESENCE_SWEEP_SEC" envDefault:"30"`
	PresenceStaleSec   int `env:"PRESENCE_STALE_SEC" envDefault:"90"`
	BacklogThreshold   int `env:"BACKLOG_THRESHOLD" envDefault:"1000"`
	FailureRatePercent int `env:"FAILURE_RATE_PERCENT" envDefault:"50"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

// Validate checks the strategy selection against the settings it needs.
func (c Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when STORE=postgres")
		}
	case "memory":
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	switch c.Broker {
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when BROKER=redis")
		}
	case "memory":
	default:
		return errors.Errorf("unknown broker %q", c.Broker)
	}
	return nil
}
