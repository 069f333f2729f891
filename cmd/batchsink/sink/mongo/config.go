package mongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// Config holds MongoDB sink connection settings.
type Config struct {
	URI        string `mapstructure:"uri"`        // mongodb://host:27017/db
	Database   string `mapstructure:"database"`   // overrides the database in URI
	Collection string `mapstructure:"collection"` // defaults to "posts"
	// ConnectTimeout bounds both the dial and server selection.
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

func (c *Config) Default() {
	c.URI = "mongodb://localhost:27017/edaTest"
	c.Collection = "posts"
	c.ConnectTimeout = 5 * time.Second
}

func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("sink.mongo.uri must be set")
	}
	if _, err := c.database(); err != nil {
		return err
	}
	return nil
}

// database returns the configured database, falling back to the one named in
// the connection string.
func (c Config) database() (string, error) {
	cs, err := connstring.ParseAndValidate(c.URI)
	if err != nil {
		return "", fmt.Errorf("invalid sink.mongo.uri: %w", err)
	}
	if c.Database != "" {
		return c.Database, nil
	}
	if cs.Database == "" {
		return "", fmt.Errorf("sink.mongo requires a database in uri or sink.mongo.database")
	}
	return cs.Database, nil
}

func (c Config) collection() string {
	if c.Collection == "" {
		return "posts"
	}
	return c.Collection
}
