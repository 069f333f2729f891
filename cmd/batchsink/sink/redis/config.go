package redis

import (
	"fmt"
	"time"
)

// Config holds Redis sink connection settings.
type Config struct {
	Addr         string        `mapstructure:"addr"` // host:port
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Key          string        `mapstructure:"key"`      // list the posts are pushed to
	Encoding     string        `mapstructure:"encoding"` // json or msgpack
	PoolSize     int           `mapstructure:"pool-size"`
	MaxRetries   int           `mapstructure:"max-retries"`
	DialTimeout  time.Duration `mapstructure:"dial-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
}

func (c *Config) Default() {
	c.Addr = "localhost:6379"
	c.Key = "posts"
	c.Encoding = EncodingJSON
	c.PoolSize = 10
	c.MaxRetries = 3
	c.DialTimeout = 5 * time.Second
	c.WriteTimeout = 3 * time.Second
}

func (c Config) Validate() error {
	if c.Addr == "" || c.Key == "" {
		return fmt.Errorf("sink.redis requires addr and key")
	}
	if c.DB < 0 {
		return fmt.Errorf("sink.redis.db must be >= 0")
	}
	if _, err := encoderFor(c.Encoding); err != nil {
		return err
	}
	return nil
}
