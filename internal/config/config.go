package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the server reads from the environment.
type Config struct {
	Addr     string `envconfig:"STORYLOOM_ADDR" default:":8080"`
	DBPath   string `envconfig:"STORYLOOM_DB_PATH" default:"./data/storyloom.db"`
	LogLevel string `envconfig:"STORYLOOM_LOG_LEVEL" default:"info"`

	// SuppressEcho skips the sender when fanning out content events. Off by
	// default: clients built against the original protocol expect their own
	// new_node back.
	SuppressEcho bool `envconfig:"STORYLOOM_WS_SUPPRESS_ECHO" default:"false"`

	SendBuffer        int     `envconfig:"STORYLOOM_WS_SEND_BUFFER" default:"256"`
	MessagesPerSecond float64 `envconfig:"STORYLOOM_WS_MESSAGES_PER_SECOND" default:"50"`
	MessageBurst      int     `envconfig:"STORYLOOM_WS_MESSAGE_BURST" default:"100"`

	SweepInterval     time.Duration `envconfig:"STORYLOOM_SESSION_SWEEP_INTERVAL" default:"5m"`
	SessionStaleAfter time.Duration `envconfig:"STORYLOOM_SESSION_STALE_AFTER" default:"30m"`

	OpenAIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
