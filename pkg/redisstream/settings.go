package redisstream

// Backend selects where mirrored events are published.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Settings holds the event mirror transport configuration.
type Settings struct {
	Enabled  bool    `yaml:"enabled"`
	Backend  Backend `yaml:"backend" validate:"omitempty,oneof=memory redis"`
	Addr     string  `yaml:"redis_addr"`
	Stream   string  `yaml:"stream"`
	Group    string  `yaml:"group"`
	Consumer string  `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Backend:  BackendMemory,
		Addr:     "localhost:6379",
		Stream:   "naxie.events",
		Group:    "naxie-cli",
		Consumer: "cli-1",
	}
}

func (s Settings) UsesRedis() bool {
	return s.Enabled && s.Backend == BackendRedis
}
