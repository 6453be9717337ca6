package changefeed

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medstore-io/medstore/internal/config"
)

const (
	defaultTopic        = "medstore.instances.changes"
	defaultBatchTimeout = 10 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// ErrTopicEmpty is returned when brokers are configured without a topic.
var ErrTopicEmpty = errors.New("change feed topic cannot be empty")

// Config configures the change feed. An empty broker list disables publishing.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	// AllowAutoTopicCreation lets the writer create the topic on first publish.
	AllowAutoTopicCreation bool
}

// LoadConfig reads the change feed settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Brokers:                config.GetEnvList("MEDSTORE_KAFKA_BROKERS", nil),
		Topic:                  config.GetEnvStr("MEDSTORE_KAFKA_TOPIC", defaultTopic),
		BatchTimeout:           config.GetEnvDuration("MEDSTORE_KAFKA_BATCH_TIMEOUT", defaultBatchTimeout),
		WriteTimeout:           config.GetEnvDuration("MEDSTORE_KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
		AllowAutoTopicCreation: config.GetEnvBool("MEDSTORE_KAFKA_AUTO_CREATE_TOPIC", false),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the settings when the feed is enabled.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrTopicEmpty
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout: %s", c.WriteTimeout)
	}

	return nil
}

// String is safe for logs.
func (c *Config) String() string {
	if !c.Enabled() {
		return "ChangeFeed{disabled}"
	}

	return fmt.Sprintf("ChangeFeed{Brokers: %s, Topic: %s}", strings.Join(c.Brokers, ","), c.Topic)
}
