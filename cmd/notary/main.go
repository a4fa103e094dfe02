package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"

	"github.com/ceramicnetwork/go-notary"
	"github.com/ceramicnetwork/go-notary/common"
	awsConfig "github.com/ceramicnetwork/go-notary/common/aws/config"
	"github.com/ceramicnetwork/go-notary/common/aws/ddb"
	"github.com/ceramicnetwork/go-notary/common/db"
	"github.com/ceramicnetwork/go-notary/common/loggers"
	"github.com/ceramicnetwork/go-notary/common/metrics"
	"github.com/ceramicnetwork/go-notary/models"
	"github.com/ceramicnetwork/go-notary/services"
)

type args struct {
	Backend             string        `arg:"--backend,env:NOTARY_BACKEND" default:"postgres" help:"backing store: postgres, sqlite or dynamodb"`
	ConnectionRetries   int           `arg:"--connection-retries,env:NOTARY_CONNECTION_RETRIES" default:"2" help:"retries after a transient store failure"`
	BackOffIncrement    time.Duration `arg:"--backoff-increment,env:NOTARY_BACKOFF_INCREMENT" default:"500ms" help:"delay before the first retry"`
	BackOffBase         float64       `arg:"--backoff-base,env:NOTARY_BACKOFF_BASE" default:"1.5" help:"growth factor of the retry delay"`
	MaxBatchSize        int           `arg:"--max-batch-size,env:NOTARY_MAX_BATCH_SIZE" default:"500" help:"requests per store transaction"`
	MaxBatchInputStates int           `arg:"--max-batch-input-states,env:NOTARY_MAX_BATCH_INPUT_STATES" default:"10000" help:"states per store transaction"`
	BatchTimeout        time.Duration `arg:"--batch-timeout,env:NOTARY_BATCH_TIMEOUT" default:"200ms" help:"longest a request waits for its batch to fill"`
	MaxQueueSize        int           `arg:"--max-queue-size,env:NOTARY_MAX_QUEUE_SIZE" default:"100000" help:"pending requests before commits block"`
	DedupExpiry         time.Duration `arg:"--dedup-expiry,env:NOTARY_DEDUP_EXPIRY" default:"10m" help:"idle time after which a caller's sequence number is forgotten"`
	DedupMaxEntries     int           `arg:"--dedup-max-entries,env:NOTARY_DEDUP_MAX_ENTRIES" default:"0" help:"callers tracked by the deduplicator, 0 for unbounded"`
	DevMode             bool          `arg:"--dev-mode,env:NOTARY_DEV_MODE" help:"create tables on start"`
	Validating          bool          `arg:"--validating,env:NOTARY_VALIDATING" help:"verify transactions before committing them"`
	SqlitePath          string        `arg:"--sqlite-path,env:NOTARY_SQLITE_PATH" default:"notary.db" help:"SQLite database file"`
	TablePrefix         string        `arg:"--table-prefix,env:NOTARY_DDB_TABLE_PREFIX" help:"DynamoDB table name prefix"`
}

func (a args) notaryConfig() models.NotaryConfig {
	return models.NotaryConfig{
		Batch: models.BatchConfig{
			ConnectionRetries:   a.ConnectionRetries,
			BackOffIncrement:    a.BackOffIncrement,
			BackOffBase:         a.BackOffBase,
			MaxBatchSize:        a.MaxBatchSize,
			MaxBatchInputStates: a.MaxBatchInputStates,
			BatchTimeout:        a.BatchTimeout,
			MaxQueueSize:        a.MaxQueueSize,
		},
		DedupExpiry:     a.DedupExpiry,
		DedupMaxEntries: a.DedupMaxEntries,
		DevMode:         a.DevMode,
		Validating:      a.Validating,
		Backend:         models.BackendType(a.Backend),
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}
	var a args
	arg.MustParse(&a)
	cfg := a.notaryConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("main: %v", err)
	}

	logger := loggers.NewLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricService, err := metrics.NewOtlMetricService(ctx, logger)
	if err != nil {
		logger.Fatalf("main: failed to create metric service: %v", err)
	}
	defer metricService.Shutdown(context.Background())

	notaryService, closeStore, err := newNotaryService(ctx, a, cfg, logger, metricService)
	if err != nil {
		logger.Fatalf("main: failed to create notary: %v", err)
	}
	defer closeStore()

	if err = notaryService.Start(ctx); err != nil {
		logger.Fatalf("main: failed to start notary: %v", err)
	}
	logger.Infof("main: notary ready, estimated wait %s", notaryService.UniquenessProvider().Eta(1))

	<-ctx.Done()
	logger.Infof("main: shutting down")
	// Resolves every request still in the queue
	notaryService.Stop()
}

func newNotaryService(
	ctx context.Context,
	a args,
	cfg models.NotaryConfig,
	logger models.Logger,
	metricService models.MetricService,
) (models.NotaryService, func(), error) {
	var verifier models.TransactionVerifier
	if cfg.Validating {
		verifier = services.TransactionIdVerifier{}
	}
	switch cfg.Backend {
	case models.BackendType_Postgres, models.BackendType_Sqlite:
		var sqlDb *db.CommittedStateDatabase
		var closeDb func()
		if cfg.Backend == models.BackendType_Postgres {
			pgDb, err := db.OpenPostgres(ctx, db.PostgresOpts{
				Host:     os.Getenv(common.Env_DbHost),
				Port:     os.Getenv(common.Env_DbPort),
				User:     os.Getenv(common.Env_DbUsername),
				Password: os.Getenv(common.Env_DbPassword),
				Name:     os.Getenv(common.Env_DbName),
			})
			if err != nil {
				return nil, nil, err
			}
			sqlDb = db.NewCommittedStateDb(pgDb, db.Dialect_Postgres, logger, metricService)
			closeDb = func() { pgDb.Close() }
		} else {
			liteDb, err := db.OpenSqlite(a.SqlitePath)
			if err != nil {
				return nil, nil, err
			}
			sqlDb = db.NewCommittedStateDb(liteDb, db.Dialect_Sqlite, logger, metricService)
			closeDb = func() { liteDb.Close() }
		}
		if verifier != nil {
			return services.NewSqlValidatingNotaryService(sqlDb, cfg, verifier, logger, metricService), closeDb, nil
		}
		return services.NewSqlNonValidatingNotaryService(sqlDb, cfg, logger, metricService), closeDb, nil
	case models.BackendType_DynamoDb:
		awsCfg, err := awsConfig.AwsConfig(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		tablePrefix := a.TablePrefix
		if len(tablePrefix) == 0 {
			tablePrefix = common.ServiceName + "-" + os.Getenv(notary.Env_Env) + "-"
		}
		table := ddb.NewCommittedStateTable(dynamodb.NewFromConfig(awsCfg), tablePrefix, logger, metricService)
		return services.NewDynamoDbNotaryService(table, cfg, verifier, logger, metricService), func() {}, nil
	}
	return nil, nil, errors.New("unknown backend " + string(cfg.Backend))
}
