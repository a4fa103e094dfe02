package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator"
)

// BatchConfig controls batching, backpressure and retry of the uniqueness provider. It is immutable once the provider
// is constructed.
type BatchConfig struct {
	// Number of additional attempts after a transient backing store failure.
	ConnectionRetries int `validate:"gte=0"`
	// Delay before the first retry. The delay before retry n is BackOffIncrement * BackOffBase^(n-1).
	BackOffIncrement time.Duration `validate:"gte=0"`
	BackOffBase      float64       `validate:"gte=1"`
	// Maximum number of requests committed in one store transaction.
	MaxBatchSize int `validate:"gt=0"`
	// Maximum combined number of input and reference states committed in one store transaction.
	MaxBatchInputStates int `validate:"gt=0"`
	// A partial batch is flushed once its oldest request has waited this long.
	BatchTimeout time.Duration `validate:"gt=0"`
	// Maximum number of requests waiting to be flushed. Further commits block until space is freed.
	MaxQueueSize int `validate:"gt=0"`
}

type NotaryConfig struct {
	Batch BatchConfig
	// Idle time after which a caller's sequence number watermark is forgotten.
	DedupExpiry time.Duration `validate:"gt=0"`
	// Maximum number of callers tracked by the deduplicator, 0 for unbounded.
	DedupMaxEntries int `validate:"gte=0"`
	// Tables are created on start in dev mode.
	DevMode    bool
	Validating bool
	Backend    BackendType `validate:"oneof=postgres sqlite dynamodb"`
}

type BackendType string

const (
	BackendType_Postgres BackendType = "postgres"
	BackendType_Sqlite   BackendType = "sqlite"
	BackendType_DynamoDb BackendType = "dynamodb"
)

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		ConnectionRetries:   DefaultConnectionRetries,
		BackOffIncrement:    DefaultBackOffIncrement,
		BackOffBase:         DefaultBackOffBase,
		MaxBatchSize:        DefaultMaxBatchSize,
		MaxBatchInputStates: DefaultMaxBatchInputStates,
		BatchTimeout:        DefaultBatchTimeout,
		MaxQueueSize:        DefaultMaxQueueSize,
	}
}

func DefaultNotaryConfig() NotaryConfig {
	return NotaryConfig{
		Batch:       DefaultBatchConfig(),
		DedupExpiry: DefaultDedupExpiry,
		Backend:     BackendType_Postgres,
	}
}

var configValidator = validator.New()

func (c BatchConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid batch config: %w", err)
	}
	return nil
}

func (c NotaryConfig) Validate() error {
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid notary config: %w", err)
	}
	return nil
}
