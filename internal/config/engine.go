package config

// EngineConfig holds settings shared by every engine entry point.
type EngineConfig struct {
	// DefaultTimezone is reported in zone resolution errors so operators
	// can tell a missing rule timezone from a broken tz database. It never
	// substitutes for a rule's own timezone.
	DefaultTimezone string `env:"ENGINE_DEFAULT_TIMEZONE" envDefault:"UTC"`

	// RNGSeed seeds retry jitter. Zero selects a random seed; set it for
	// reproducible retry schedules in tests and replays.
	RNGSeed int64 `env:"ENGINE_RNG_SEED"`
}
