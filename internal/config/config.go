package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the actor/learner processes
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Learner       LearnerConfig       `mapstructure:"learner"`
	Actor         ActorConfig         `mapstructure:"actor"`
	Replay        ReplayConfig        `mapstructure:"replay"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Environment   EnvironmentConfig   `mapstructure:"environment"`
	Model         ModelConfig         `mapstructure:"model"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig holds process and gRPC server settings
type ServerConfig struct {
	Host             string `mapstructure:"host"`
	LearnerPort      int    `mapstructure:"learner_port"`
	ReplayPort       int    `mapstructure:"replay_port"`
	MetricsPort      int    `mapstructure:"metrics_port"`
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
	// GracefulShutdownDelay is in seconds
	GracefulShutdownDelay int           `mapstructure:"graceful_shutdown_delay"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
	MonitorInterval       time.Duration `mapstructure:"monitor_interval"`
	// FetchRatePerClient throttles parameter fetches per client key; 0 disables it
	FetchRatePerClient float64 `mapstructure:"fetch_rate_per_client"`
	FetchBurst         int     `mapstructure:"fetch_burst"`
}

// LearnerConfig holds learner loop settings
type LearnerConfig struct {
	ID                    string        `mapstructure:"id"`
	Address               string        `mapstructure:"address"`
	BatchSize             int           `mapstructure:"batch_size"`
	MinReplaySize         int           `mapstructure:"min_replay_size"`
	SamplesPerInsert      float64       `mapstructure:"samples_per_insert"`
	TotalSteps            int64         `mapstructure:"total_steps"`
	EnableCheckpointing   bool          `mapstructure:"enable_checkpointing"`
	CheckpointInterval    int64         `mapstructure:"checkpoint_interval"`
	InitialCheckpointPath string        `mapstructure:"initial_checkpoint_path"`
	WarmupPollInterval    time.Duration `mapstructure:"warmup_poll_interval"`
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	SampleRetries         int           `mapstructure:"sample_retries"`
	SampleBackoff         time.Duration `mapstructure:"sample_backoff"`
}

// ActorConfig holds per-actor settings; NumActors is only used by the local runner
type ActorConfig struct {
	NumActors         int           `mapstructure:"num_actors"`
	EpisodeReturnGoal float64       `mapstructure:"episode_return_goal"`
	MaxEpisodes       int64         `mapstructure:"max_episodes"`
	UpdatePeriod      int           `mapstructure:"update_period"`
	NStep             int           `mapstructure:"n_step"`
	Discount          float64       `mapstructure:"discount"`
	Epsilon           float64       `mapstructure:"epsilon"`
	FetchRetries      int           `mapstructure:"fetch_retries"`
	FetchBackoff      time.Duration `mapstructure:"fetch_backoff"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	Seed              int64         `mapstructure:"seed"`
}

// ReplayConfig holds replay table and client settings
type ReplayConfig struct {
	Address          string        `mapstructure:"address"`
	Capacity         int           `mapstructure:"capacity"`
	PriorityExponent float64       `mapstructure:"priority_exponent"`
	InsertRetries    int           `mapstructure:"insert_retries"`
	InsertBackoff    time.Duration `mapstructure:"insert_backoff"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	Seed             int64         `mapstructure:"seed"`
}

// CheckpointConfig selects the checkpoint backend
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// EnvironmentConfig selects the environment
type EnvironmentConfig struct {
	Name            string `mapstructure:"name"`
	MaxEpisodeSteps int    `mapstructure:"max_episode_steps"`
}

// ModelConfig holds the reference model's optimizer settings
type ModelConfig struct {
	LearningRate float64 `mapstructure:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum"`
	TDClip       float64 `mapstructure:"td_clip"`
	Seed         int64   `mapstructure:"seed"`
}

// ObservabilityConfig controls episode logging
type ObservabilityConfig struct {
	NumLogEpisodes int `mapstructure:"num_log_episodes"`
	LogInterval    int `mapstructure:"log_interval"`
	// EpisodeLogDir enables the on-disk episode log when set
	EpisodeLogDir      string `mapstructure:"episode_log_dir"`
	EpisodeLogMaxBytes int64  `mapstructure:"episode_log_max_bytes"`
}

var (
	// Global config instance
	cfg *Config
	v   *viper.Viper
)

// setViperDefaults sets all default values using Viper's SetDefault
func setViperDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.learner_port", 50052)
	v.SetDefault("server.replay_port", 50051)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("server.enable_reflection", false)
	v.SetDefault("server.graceful_shutdown_delay", 2)
	v.SetDefault("server.idempotency_ttl", "10m")
	v.SetDefault("server.monitor_interval", "30s")
	v.SetDefault("server.fetch_rate_per_client", 0.0)
	v.SetDefault("server.fetch_burst", 10)

	// Learner defaults
	v.SetDefault("learner.id", "learner-0")
	v.SetDefault("learner.address", "localhost:50052")
	v.SetDefault("learner.batch_size", 32)
	v.SetDefault("learner.min_replay_size", 100)
	v.SetDefault("learner.samples_per_insert", 32.0)
	v.SetDefault("learner.total_steps", 10000)
	v.SetDefault("learner.enable_checkpointing", false)
	v.SetDefault("learner.checkpoint_interval", 1000)
	v.SetDefault("learner.initial_checkpoint_path", "")
	v.SetDefault("learner.warmup_poll_interval", "100ms")
	v.SetDefault("learner.tick_interval", "1ms")
	v.SetDefault("learner.sample_retries", 5)
	v.SetDefault("learner.sample_backoff", "100ms")

	// Actor defaults
	v.SetDefault("actor.num_actors", 1)
	v.SetDefault("actor.episode_return_goal", 195.0)
	v.SetDefault("actor.max_episodes", 0)
	v.SetDefault("actor.update_period", 100)
	v.SetDefault("actor.n_step", 1)
	v.SetDefault("actor.discount", 0.99)
	v.SetDefault("actor.epsilon", 0.05)
	v.SetDefault("actor.fetch_retries", 5)
	v.SetDefault("actor.fetch_backoff", "100ms")
	v.SetDefault("actor.call_timeout", "5s")
	v.SetDefault("actor.seed", 1)

	// Replay defaults
	v.SetDefault("replay.address", "localhost:50051")
	v.SetDefault("replay.capacity", 100000)
	v.SetDefault("replay.priority_exponent", 0.6)
	v.SetDefault("replay.insert_retries", 5)
	v.SetDefault("replay.insert_backoff", "100ms")
	v.SetDefault("replay.call_timeout", "5s")
	v.SetDefault("replay.seed", 1)

	// Checkpoint defaults
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.dir", "./checkpoints")

	// Environment defaults
	v.SetDefault("environment.name", "cartpole")
	v.SetDefault("environment.max_episode_steps", 500)

	// Model defaults
	v.SetDefault("model.learning_rate", 0.001)
	v.SetDefault("model.momentum", 0.9)
	v.SetDefault("model.td_clip", 10.0)
	v.SetDefault("model.seed", 1)

	// Observability defaults
	v.SetDefault("observability.num_log_episodes", 100)
	v.SetDefault("observability.log_interval", 10)
	v.SetDefault("observability.episode_log_dir", "")
	v.SetDefault("observability.episode_log_max_bytes", 10*1024*1024)
}

// Init initializes the configuration
func Init(configPath string) error {
	v = viper.New()

	// Set defaults before loading any config
	setViperDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/actor-learner-rl")
	}

	// ARL_LEARNER_BATCH_SIZE overrides learner.batch_size
	v.SetEnvPrefix("ARL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			// Specific file requested but not found - use defaults
		} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		if err := Init(""); err != nil {
			panic("failed to initialize config with defaults: " + err.Error())
		}
	}
	return cfg
}

// GetViper returns the viper instance for advanced usage
func GetViper() *viper.Viper {
	if v == nil {
		panic("config not initialized - call Init() first")
	}
	return v
}

// Set allows runtime config updates
func Set(key string, value any) error {
	v.Set(key, value)
	return v.Unmarshal(cfg)
}

// ConfigFilePath returns the path of the loaded config file
func ConfigFilePath() string {
	return v.ConfigFileUsed()
}

// WatchConfig enables hot-reloading of the config file. onChange receives the
// re-decoded config; invalid edits are reported and the previous config is kept.
func WatchConfig(onChange func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		next := &Config{}
		err := v.Unmarshal(next)
		if err == nil {
			err = Validate(next)
		}
		if err != nil {
			if onChange != nil {
				onChange(cfg, fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		cfg = next
		if onChange != nil {
			onChange(cfg, nil)
		}
	})
	v.WatchConfig()
}

// Validate validates the configuration values
func Validate(c *Config) error {
	// Server
	for name, port := range map[string]int{
		"server.learner_port": c.Server.LearnerPort,
		"server.replay_port":  c.Server.ReplayPort,
		"server.metrics_port": c.Server.MetricsPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be between 0 and 65535", name)
		}
	}
	switch c.Server.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("server.log_format must be console or json")
	}
	if c.Server.GracefulShutdownDelay < 0 {
		return fmt.Errorf("server.graceful_shutdown_delay must be non-negative")
	}
	if c.Server.FetchRatePerClient < 0 {
		return fmt.Errorf("server.fetch_rate_per_client must be non-negative")
	}

	// Learner
	if c.Learner.BatchSize <= 0 {
		return fmt.Errorf("learner.batch_size must be positive")
	}
	if c.Learner.MinReplaySize < 0 {
		return fmt.Errorf("learner.min_replay_size must be non-negative")
	}
	if c.Learner.SamplesPerInsert <= 0 {
		return fmt.Errorf("learner.samples_per_insert must be positive")
	}
	if c.Learner.TotalSteps <= 0 {
		return fmt.Errorf("learner.total_steps must be positive")
	}
	if c.Learner.EnableCheckpointing && c.Learner.CheckpointInterval <= 0 {
		return fmt.Errorf("learner.checkpoint_interval must be positive when checkpointing is enabled")
	}
	if c.Learner.SampleRetries < 1 {
		return fmt.Errorf("learner.sample_retries must be at least 1")
	}

	// Actor
	if c.Actor.NumActors < 1 {
		return fmt.Errorf("actor.num_actors must be at least 1")
	}
	if c.Actor.UpdatePeriod < 1 {
		return fmt.Errorf("actor.update_period must be at least 1")
	}
	if c.Actor.NStep < 1 {
		return fmt.Errorf("actor.n_step must be at least 1")
	}
	if c.Actor.Discount < 0 || c.Actor.Discount > 1 {
		return fmt.Errorf("actor.discount must be between 0 and 1")
	}
	if c.Actor.Epsilon < 0 || c.Actor.Epsilon > 1 {
		return fmt.Errorf("actor.epsilon must be between 0 and 1")
	}
	if c.Actor.FetchRetries < 1 {
		return fmt.Errorf("actor.fetch_retries must be at least 1")
	}

	// Replay
	if c.Replay.Capacity <= 0 {
		return fmt.Errorf("replay.capacity must be positive")
	}
	if c.Replay.Capacity < c.Learner.MinReplaySize || c.Replay.Capacity < c.Learner.BatchSize {
		return fmt.Errorf("replay.capacity must hold at least max(learner.batch_size, learner.min_replay_size) items")
	}
	if c.Replay.PriorityExponent < 0 {
		return fmt.Errorf("replay.priority_exponent must be non-negative")
	}
	if c.Replay.InsertRetries < 1 {
		return fmt.Errorf("replay.insert_retries must be at least 1")
	}

	// Checkpoint
	switch c.Checkpoint.Backend {
	case "file", "badger":
	default:
		return fmt.Errorf("checkpoint.backend must be file or badger")
	}
	if c.Learner.EnableCheckpointing && c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required when checkpointing is enabled")
	}

	// Environment
	if c.Environment.MaxEpisodeSteps <= 0 {
		return fmt.Errorf("environment.max_episode_steps must be positive")
	}

	// Model
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("model.learning_rate must be positive")
	}
	if c.Model.Momentum < 0 || c.Model.Momentum >= 1 {
		return fmt.Errorf("model.momentum must be in [0, 1)")
	}

	// Observability
	if c.Observability.NumLogEpisodes < 0 || c.Observability.LogInterval < 0 || c.Observability.EpisodeLogMaxBytes < 0 {
		return fmt.Errorf("observability values must be non-negative")
	}

	return nil
}
