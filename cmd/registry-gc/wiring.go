package main

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/backup"
	"github.com/dominodatalab/registry-gc/internal/pkg/checkpoint"
	"github.com/dominodatalab/registry-gc/internal/pkg/config"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
	"github.com/dominodatalab/registry-gc/internal/pkg/mongostore"
	"github.com/dominodatalab/registry-gc/internal/pkg/ratelimit"
	"github.com/dominodatalab/registry-gc/internal/pkg/registryclient"
)

// deps is the set of collaborators every subcommand wires against,
// assembled once from the configuration document. It mirrors the
// teacher's ExecutorSchema: one struct built at startup and threaded
// through the command handlers rather than re-read from flags deep in
// call stacks.
type deps struct {
	cfg    *config.Config
	log    log.Logger
	client *registryclient.Client
	mongo  *mongo.Database
	checks *checkpoint.Store
}

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer f.Close()
	return config.Load(f)
}

func buildDeps(ctx context.Context, configPath, logLevel string) (*deps, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logLevel)

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.Enabled)
	retry := registryclient.NewRetryPolicy(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialDelay,
		cfg.Retry.MaxDelay,
		cfg.Retry.ExponentialBase,
		cfg.Retry.Jitter,
	)
	client := registryclient.New(limiter, retry, logger)

	uri := fmt.Sprintf("mongodb://%s:%d", cfg.Mongo.Host, cfg.Mongo.Port)
	if cfg.Mongo.ReplicaSet != "" {
		uri += "?replicaSet=" + cfg.Mongo.ReplicaSet
	}
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	return &deps{
		cfg:    cfg,
		log:    logger,
		client: client,
		mongo:  mongoClient.Database(cfg.Mongo.Database),
		checks: checkpoint.NewStore(cfg.Analysis.OutputDir),
	}, nil
}

func (d *deps) usageSnapshot(ctx context.Context) (*mongostore.Snapshot, error) {
	agg := mongostore.NewAggregator(d.mongo, d.log)
	path := d.cfg.Reports.Filenames["usage-snapshot"]
	if path == "" {
		path = d.cfg.Analysis.OutputDir + "/usage-snapshot.yaml"
	}
	return agg.EnsureFresh(ctx, path, 24*time.Hour)
}

// repositoryFor maps an image type to its conventional sub-repository
// under the configured base, per spec.md §4.9's environment/model layout.
func (d *deps) repositoryFor(t v1.ImageType) string {
	switch t {
	case v1.ImageTypeModel:
		return d.cfg.Registry.RepositoryBase + "/model"
	default:
		return d.cfg.Registry.RepositoryBase + "/environment"
	}
}

func (d *deps) s3Uploader(ctx context.Context) (backup.Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(d.cfg.Backup.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return backup.NewS3Uploader(s3.NewFromConfig(awsCfg), d.cfg.Backup.Bucket), nil
}

// backupAdapter reuses the client's own rate limiter and retry policy
// rather than building a second bucket, since spec.md §4.1/§5 describe one
// bucket shared across every concurrent registry caller.
func (d *deps) backupAdapter(uploader backup.Uploader) *backup.Adapter {
	return &backup.Adapter{
		Limiter:   d.client.Limiter,
		Retry:     d.client.Retry,
		Log:       d.log,
		Uploader:  uploader,
		KeyPrefix: fmt.Sprintf("registry-gc-backups/%s", time.Now().UTC().Format("2006-01-02")),
	}
}
