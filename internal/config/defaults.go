package config

const (
	defaultDataDir    = "~/.local/share/earshot"
	defaultContentDir = "~/.local/share/earshot/content"
	defaultLogDir     = "~/.local/share/earshot/logs"
	defaultAPIBind    = "127.0.0.1:7319"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultOracleTimeoutSeconds = 15
	defaultOracleQPS            = 2.0
	defaultOracleBurst          = 4

	defaultLLMProvider        = "openai"
	defaultLLMModel           = "gpt-4o-mini"
	defaultLLMTimeoutSeconds  = 120
	defaultLLMMaxOutputTokens = 12000

	defaultSMTPPort           = 587
	defaultSMTPTimeoutSeconds = 30

	defaultSchedulerTickSeconds   = 1
	defaultDispatchBatch          = 100
	defaultScheduleLeaseSeconds   = 120
	defaultScheduleSyncSeconds    = 60
	defaultScheduleRetireDays     = 90
	defaultFetcherWorkers         = 4
	defaultAnalysisWorkers        = 2
	defaultEmailWorkers           = 2
	defaultClaimBatch             = 10
	defaultQueueLeaseSeconds      = 900
	defaultShutdownGraceSeconds   = 30
	defaultResearchSweepSeconds   = 300
	defaultNotifyRequestTimeout   = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			ContentDir: defaultContentDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Oracle: Oracle{
			TimeoutSeconds: defaultOracleTimeoutSeconds,
			QPS:            defaultOracleQPS,
			Burst:          defaultOracleBurst,
		},
		LLM: LLM{
			Provider:        defaultLLMProvider,
			Model:           defaultLLMModel,
			TimeoutSeconds:  defaultLLMTimeoutSeconds,
			MaxOutputTokens: defaultLLMMaxOutputTokens,
			Providers:       map[string]LLMProvider{},
		},
		Email: Email{
			SMTPPort:       defaultSMTPPort,
			TimeoutSeconds: defaultSMTPTimeoutSeconds,
		},
		Scheduler: Scheduler{
			TickSeconds:         defaultSchedulerTickSeconds,
			DispatchBatch:       defaultDispatchBatch,
			LeaseSeconds:        defaultScheduleLeaseSeconds,
			ScheduleSyncSeconds: defaultScheduleSyncSeconds,
			RetireAfterDays:     defaultScheduleRetireDays,
		},
		Workers: Workers{
			Fetchers:             defaultFetcherWorkers,
			Analyzers:            defaultAnalysisWorkers,
			Emailers:             defaultEmailWorkers,
			ClaimBatch:           defaultClaimBatch,
			LeaseSeconds:         defaultQueueLeaseSeconds,
			ShutdownGraceSeconds: defaultShutdownGraceSeconds,
		},
		Research: Research{
			SweepSeconds: defaultResearchSweepSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Failures:       true,
			Research:       true,
			Lifecycle:      false,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
