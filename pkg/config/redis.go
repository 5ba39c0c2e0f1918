package config

import "fmt"

// RedisConfig configures the fast-store connection backing the session
// state machine, Queue Fabric, Secret Store cache, and Budget Gate
// counters (spec.md §6: REDIS_HOST, REDIS_PORT).
type RedisConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db,omitempty"`

	// MaxConns bounds the connection pool shared by every subsystem in a
	// single process, mirroring the original's one-pool-per-worker-process
	// convention (original_source/.../form_mapper_tasks.py's
	// _redis_pool, max_connections=50).
	MaxConns int `yaml:"max_conns,omitempty"`
}

// SetDefaults applies default values to RedisConfig.
func (c *RedisConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "redis"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.MaxConns == 0 {
		c.MaxConns = 50
	}
}

// Validate checks the RedisConfig.
func (c *RedisConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid redis.port %d", c.Port)
	}
	return nil
}

// Addr returns the host:port address for go-redis.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
