package elasticsearch

import "fmt"

// Config holds Elasticsearch sink connection settings.
type Config struct {
	Addresses []string `mapstructure:"addresses"` // http(s)://host:9200
	Index     string   `mapstructure:"index"`
	User      string   `mapstructure:"user"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api-key"`
}

func (c Config) Validate() error {
	if len(c.Addresses) == 0 || c.Index == "" {
		return fmt.Errorf("sink.elasticsearch requires addresses and index")
	}
	return nil
}
