package config

import (
	"net"
	"strconv"
	"time"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/actor"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/learner"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/model"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/replay"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/retry"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/variable"
)

// The helpers below translate the file/env view into the explicit structs each
// component constructor takes, so components never read the global config.

// LearnerSettings returns the learner loop config
func (c *Config) LearnerSettings() learner.Config {
	return learner.Config{
		ID:                  c.Learner.ID,
		BatchSize:           c.Learner.BatchSize,
		MinReplaySize:       c.Learner.MinReplaySize,
		SamplesPerInsert:    c.Learner.SamplesPerInsert,
		EnableCheckpointing: c.Learner.EnableCheckpointing,
		CheckpointInterval:  c.Learner.CheckpointInterval,
		WarmupPollInterval:  c.Learner.WarmupPollInterval,
		TickInterval:        c.Learner.TickInterval,
		Seed:                c.Model.Seed,
	}
}

// ActorSettings returns the config for actor index i. Seeds are offset by index
// so actors explore differently.
func (c *Config) ActorSettings(id string, i int) actor.Config {
	return actor.Config{
		ID:                id,
		EpisodeReturnGoal: c.Actor.EpisodeReturnGoal,
		NStep:             c.Actor.NStep,
		Discount:          c.Actor.Discount,
		Epsilon:           c.Actor.Epsilon,
		Seed:              c.Actor.Seed + int64(i),
		MaxEpisodes:       c.Actor.MaxEpisodes,
	}
}

// VariableSettings returns the actor's parameter client config
func (c *Config) VariableSettings() variable.Config {
	return variable.Config{
		UpdatePeriod: c.Actor.UpdatePeriod,
		Retry: retry.Policy{
			MaxAttempts:     c.Actor.FetchRetries,
			InitialInterval: c.Actor.FetchBackoff,
			MaxInterval:     maxInterval(c.Actor.FetchBackoff),
			CallTimeout:     c.Actor.CallTimeout,
		},
		WaitInterval: c.Actor.FetchBackoff,
	}
}

// InsertPolicy bounds retries of actor inserts
func (c *Config) InsertPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Replay.InsertRetries,
		InitialInterval: c.Replay.InsertBackoff,
		MaxInterval:     maxInterval(c.Replay.InsertBackoff),
		CallTimeout:     c.Replay.CallTimeout,
	}
}

// SamplePolicy bounds retries of learner samples and priority updates
func (c *Config) SamplePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Learner.SampleRetries,
		InitialInterval: c.Learner.SampleBackoff,
		MaxInterval:     maxInterval(c.Learner.SampleBackoff),
		CallTimeout:     c.Replay.CallTimeout,
	}
}

// TableSettings returns the replay table config
func (c *Config) TableSettings() replay.TableConfig {
	return replay.TableConfig{
		Capacity:         c.Replay.Capacity,
		PriorityExponent: c.Replay.PriorityExponent,
		Seed:             c.Replay.Seed,
	}
}

// ModelSettings returns the reference model config for the given env shape
func (c *Config) ModelSettings(observationSize, numActions int) model.LinearQConfig {
	return model.LinearQConfig{
		ObservationSize: observationSize,
		NumActions:      numActions,
		LearningRate:    c.Model.LearningRate,
		Momentum:        c.Model.Momentum,
		TDClip:          c.Model.TDClip,
	}
}

// LearnerListenAddr is where the learner process serves parameters, status and control
func (c *Config) LearnerListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.LearnerPort))
}

// ReplayListenAddr is where the replay process serves the table
func (c *Config) ReplayListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.ReplayPort))
}

// MetricsAddr is the /metrics listen address, or "" when disabled
func (c *Config) MetricsAddr() string {
	if c.Server.MetricsPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.MetricsPort))
}

// ShutdownDelay converts the configured seconds into a duration
func (c *Config) ShutdownDelay() time.Duration {
	return time.Duration(c.Server.GracefulShutdownDelay) * time.Second
}

func maxInterval(initial time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	return 20 * initial
}
