package db

// Config groups storage backend settings
type Config struct {
	// Type selects the backend: "badger" (default) or "redis"
	Type string `toml:"type"`
	// Dir is a directory to keep Badger database files
	Dir string `toml:"dir"`
	// Badger holds optional BadgerDB tuning parameters
	Badger *BadgerConfig `toml:"badger"`
	// Redis holds connection settings for the Redis backend
	Redis *RedisConfig `toml:"redis"`
}

// BadgerConfig represents BadgerDB configuration parameters
type BadgerConfig struct {
	Truncate bool `toml:"truncate"`
	FileIO   bool `toml:"file_io"`
}

// RedisConfig represents Redis connection parameters
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}
