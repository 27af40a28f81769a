package config

const (
	defaultDataDir           = "~/.local/share/foreman"
	defaultLogDir            = "~/.local/share/foreman/logs"
	defaultMaxRetries        = 3
	defaultBackoffBaseMS     = 1000
	defaultBackoffCeilingMS  = 60000
	defaultStatsWindow       = 50
	defaultHeartbeatTimeout  = 30
	defaultConcurrencyLimit  = 1
	defaultDrainTimeout      = 30
	defaultPollInterval      = 2
	defaultErrorRetry        = 10
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Queue: Queue{
			DefaultMaxRetries: defaultMaxRetries,
			BackoffBaseMS:     defaultBackoffBaseMS,
			BackoffCeilingMS:  defaultBackoffCeilingMS,
			StatsWindow:       defaultStatsWindow,
		},
		Workers: Workers{
			HeartbeatTimeout: defaultHeartbeatTimeout,
			ConcurrencyLimit: defaultConcurrencyLimit,
		},
		Orchestrator: Orchestrator{
			DrainTimeout:       defaultDrainTimeout,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetry,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
