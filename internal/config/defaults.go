package config

const (
	defaultStagingDir        = "~/.local/share/clipd/staging"
	defaultLogDir            = "~/.local/share/clipd/logs"
	defaultDBPath            = "~/.local/share/clipd/clipd.db"
	defaultAPIBind           = "127.0.0.1:7823"
	defaultStorageBackend    = "local"
	defaultLocalStoreDir     = "~/.local/share/clipd/blobs"
	defaultPresignExpiryMin  = 15
	defaultTranscriberURL    = "https://api.elevenlabs.io/v1/speech-to-text"
	defaultTranscriberModel  = "scribe_v1"
	defaultTranscriberTimout = 300
	defaultAnalyzerURL       = "https://api.openai.com/v1/chat/completions"
	defaultAnalyzerModel     = "gpt-4o"
	defaultAnalyzerTimeout   = 120
	defaultRendererURL       = "https://api.shotstack.io/v1"
	defaultRenderConcurrency = 4
	defaultRenderPollSecs    = 5
	defaultRenderPollTimeout = 600
	defaultWorkers           = 2
	defaultQueuePollInterval = 5
	defaultHeartbeatInterval = 15
	defaultHeartbeatTimeout  = 120
	defaultStageRetryLimit   = 3
	defaultExtractCapMinutes = 30
	defaultRetentionDays     = 14
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			DBPath:     defaultDBPath,
			APIBind:    defaultAPIBind,
		},
		Storage: Storage{
			Backend:              defaultStorageBackend,
			LocalDir:             defaultLocalStoreDir,
			PresignExpiryMinutes: defaultPresignExpiryMin,
		},
		Transcriber: Transcriber{
			BaseURL:        defaultTranscriberURL,
			Model:          defaultTranscriberModel,
			TimeoutSeconds: defaultTranscriberTimout,
		},
		Analyzer: Analyzer{
			BaseURL:        defaultAnalyzerURL,
			Model:          defaultAnalyzerModel,
			TimeoutSeconds: defaultAnalyzerTimeout,
		},
		Renderer: Renderer{
			BaseURL:             defaultRendererURL,
			Concurrency:         defaultRenderConcurrency,
			PollIntervalSeconds: defaultRenderPollSecs,
			PollTimeoutSeconds:  defaultRenderPollTimeout,
		},
		Workflow: Workflow{
			Workers:                  defaultWorkers,
			QueuePollInterval:        defaultQueuePollInterval,
			HeartbeatInterval:        defaultHeartbeatInterval,
			HeartbeatTimeout:         defaultHeartbeatTimeout,
			StageRetryLimit:          defaultStageRetryLimit,
			ExtractTimeoutCapMinutes: defaultExtractCapMinutes,
		},
		Retention: Retention{
			RetentionDays: defaultRetentionDays,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
