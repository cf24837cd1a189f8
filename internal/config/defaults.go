package config

const (
	defaultMinConfidence           = 0.5
	defaultMaxDistance             = 0.6
	defaultMinFaceSize             = 50
	defaultQualityThreshold        = 0.3
	defaultHighConfidenceThreshold = 0.6
	defaultConsecutiveFrames       = 3
	defaultHistoryLength           = 10
	defaultConsistencyCheckFrames  = 5
	defaultSharpnessScale          = 100.0
	defaultCooldownHours           = 1.0
	defaultTimezone                = "UTC"
	defaultTrigger                 = "frame"
	defaultTargetInterval          = 0.2
	defaultTrackingMode            = "iou"
	defaultIoUThreshold            = 0.3
	defaultGrid                    = 20
	defaultBucketFrames            = 10
	defaultRetentionSeconds        = 2.0
	defaultLedgerBackend           = "csv"
	defaultLedgerPath              = "attendance.csv"
	defaultMatcherBackend          = "worker"
	defaultPython                  = "python3"
	defaultScript                  = "python/worker.py"
	defaultGalleryDir              = "known_faces"
	defaultMatcherTimeoutSeconds   = 30
	defaultDatabaseURL             = "postgres://localhost:5432/rollcall"
	defaultLogLevel                = "info"
	defaultLogFormat               = "console"
	defaultServerBind              = "127.0.0.1:5000"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Recognition: Recognition{
			MinConfidence:           defaultMinConfidence,
			MaxDistance:             defaultMaxDistance,
			MinFaceSize:             defaultMinFaceSize,
			QualityThreshold:        defaultQualityThreshold,
			HighConfidenceThreshold: defaultHighConfidenceThreshold,
			ConsecutiveFrames:       defaultConsecutiveFrames,
			HistoryLength:           defaultHistoryLength,
			ConsistencyCheckFrames:  defaultConsistencyCheckFrames,
			SharpnessScale:          defaultSharpnessScale,
		},
		Attendance: Attendance{
			CooldownHours: defaultCooldownHours,
			Timezone:      defaultTimezone,
			Trigger:       defaultTrigger,
		},
		Gate: Gate{
			TargetInterval: defaultTargetInterval,
		},
		Tracking: Tracking{
			Mode:             defaultTrackingMode,
			IoUThreshold:     defaultIoUThreshold,
			Grid:             defaultGrid,
			BucketFrames:     defaultBucketFrames,
			RetentionSeconds: defaultRetentionSeconds,
		},
		Ledger: Ledger{
			Backend: defaultLedgerBackend,
			Path:    defaultLedgerPath,
			Lock:    true,
		},
		Matcher: Matcher{
			Backend:        defaultMatcherBackend,
			Python:         defaultPython,
			Script:         defaultScript,
			GalleryDir:     defaultGalleryDir,
			TimeoutSeconds: defaultMatcherTimeoutSeconds,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Server: Server{
			Bind: defaultServerBind,
		},
	}
}
