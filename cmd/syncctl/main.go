// syncctl runs one sync job or an archive replay from the command line.
// It is the development harness for the pipeline; production runs are
// scheduled by the outer platform.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"airweave.ai/core/archive"
	"airweave.ai/core/common"
	"airweave.ai/core/config"
	"airweave.ai/core/db"
	"airweave.ai/core/destination"
	"airweave.ai/core/embed"
	"airweave.ai/core/source"
	"airweave.ai/core/storage"
	"airweave.ai/core/syncrun"
	"airweave.ai/core/version"
)

var (
	cfgFile string

	syncID          string
	collectionID    string
	organizationID  string
	sourceShortName string
	destShortNames  []string
	credentialsFile string
	forceFull       bool
	archiveOnly     bool
)

var rootCmd = &cobra.Command{
	Use:     "syncctl",
	Short:   "run sync jobs against the ingestion core",
	Version: version.GetCoreVersion(),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run one sync job from a source into the configured destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			syncCfg := syncrun.Normal()
			if archiveOnly {
				syncCfg = syncrun.ArchiveOnly()
			}
			syncCfg.Behavior.ForceFullSync = forceFull
			syncCfg.TargetDestinations = destShortNames

			creds, err := loadCredentials()
			if err != nil {
				return err
			}

			src, err := source.Default.Build(ctx, sourceShortName, creds, nil, &source.Deps{
				Logger: rt.logger.WithField("source", sourceShortName),
			})
			if err != nil {
				return fmt.Errorf("building source: %w", err)
			}

			return rt.runSync(ctx, syncCfg, src, sourceShortName)
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "rebuild destinations from the sync's archive without touching the source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			syncCfg := syncrun.ReplayFromArchive()
			syncCfg.TargetDestinations = destShortNames

			tempDir := filepath.Join(rt.cfg.Sync.TempRoot, "replay-"+uuid.NewString())
			src := archive.NewReplaySource(rt.backend, syncID, tempDir, rt.logger)
			return rt.runSync(ctx, syncCfg, src, src.ShortName())
		})
	},
}

// runtime holds the wired infrastructure shared by the commands.
type runtime struct {
	cfg     *config.Config
	logger  *common.ContextLogger
	store   *db.Store
	backend storage.Backend
	redis   *redis.Client
}

func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := common.ServiceLogger("syncctl", version.GetCoreVersion())

	store, err := db.NewStore(cfg.Postgres.DSN, logger)
	if err != nil {
		return err
	}

	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "s3":
		backend, err = storage.NewS3(ctx, storage.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			PathStyle: cfg.Storage.S3PathStyle,
		})
	default:
		backend, err = storage.NewLocal(cfg.Storage.LocalRoot)
	}
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if opts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
		opts.DialTimeout = cfg.Redis.DialTimeout
		redisClient = redis.NewClient(opts)
	} else {
		logger.WithError(err).Warn("Redis unavailable, progress events disabled")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, &runtime{cfg: cfg, logger: logger, store: store, backend: backend, redis: redisClient})
}

// runSync wires destinations, the archive writer and the publisher, then
// runs one orchestrator to completion.
func (rt *runtime) runSync(ctx context.Context, syncCfg syncrun.SyncConfig, src source.Source, shortName string) error {
	creds, err := loadCredentials()
	if err != nil {
		return err
	}

	var destinations []destination.Destination
	for _, name := range destShortNames {
		dest, err := destination.Default.Build(ctx, name, creds, nil, collectionID)
		if err != nil {
			return fmt.Errorf("building destination %s: %w", name, err)
		}
		destinations = append(destinations, dest)
	}

	var embedder embed.Embedder
	if !syncCfg.DisableVectorDB {
		openAI, err := embed.NewOpenAI(embed.OpenAIConfig{
			APIKey:            rt.cfg.Embedding.APIKey,
			Model:             rt.cfg.Embedding.Model,
			BaseURL:           rt.cfg.Embedding.BaseURL,
			RequestsPerMinute: rt.cfg.Embedding.RequestsPerMinute,
		})
		if err != nil {
			return err
		}
		embedder = openAI
	}

	job, err := rt.store.CreateJob(ctx, syncID)
	if err != nil {
		return err
	}

	var publisher *syncrun.Publisher
	if rt.redis != nil {
		publisher = syncrun.NewPublisher(rt.redis, syncID, job.ID,
			int64(rt.cfg.Sync.PublishThreshold), rt.logger)
		if rt.cfg.AMQP.URL != "" {
			relay, err := syncrun.NewAMQPRelay(rt.cfg.AMQP.URL, rt.cfg.AMQP.Exchange)
			if err != nil {
				rt.logger.WithError(err).Warn("Terminal event relay unavailable")
			} else {
				defer relay.Close()
				publisher = publisher.WithRelay(relay)
			}
		}
	}

	var writer *archive.Writer
	if !syncCfg.DisableArchive {
		writer = archive.NewWriter(rt.backend, syncID, rt.logger)
	}

	orch, err := syncrun.NewOrchestrator(syncrun.Options{
		Config:          syncCfg,
		SyncID:          syncID,
		JobID:           job.ID,
		OrganizationID:  organizationID,
		CollectionID:    collectionID,
		SourceShortName: shortName,
		Source:          src,
		Destinations:    destinations,
		Store:           rt.store,
		Archive:         writer,
		Embedder:        embedder,
		Publisher:       publisher,
		TempDir:         filepath.Join(rt.cfg.Sync.TempRoot, job.ID),
		QueueSize:       rt.cfg.Sync.StreamQueueSize,
		Workers:         rt.cfg.Sync.MaxWorkers,
		BatchSize:       rt.cfg.Sync.BatchSize,
		BatchLatency:    rt.cfg.Sync.BatchMaxLatency,
		Logger:          rt.logger,
	})
	if err != nil {
		return err
	}

	if err := orch.Run(ctx); err != nil {
		return err
	}

	snap := orch.Progress()
	rt.logger.Infof("Sync complete: %d inserted, %d updated, %d deleted, %d kept, %d skipped",
		snap.Inserted, snap.Updated, snap.Deleted, snap.Kept, snap.Skipped)
	return nil
}

func loadCredentials() (map[string]interface{}, error) {
	if credentialsFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	creds := map[string]interface{}{}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return creds, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file")
	rootCmd.PersistentFlags().StringVar(&syncID, "sync-id", "", "sync id (required)")
	rootCmd.PersistentFlags().StringVar(&collectionID, "collection-id", "", "collection id")
	rootCmd.PersistentFlags().StringVar(&organizationID, "org-id", "", "organization id")
	rootCmd.PersistentFlags().StringSliceVar(&destShortNames, "destination", nil, "destination short names")
	rootCmd.PersistentFlags().StringVar(&credentialsFile, "credentials", "", "JSON credentials file")

	runCmd.Flags().StringVar(&sourceShortName, "source", "", "source short name (required)")
	runCmd.Flags().BoolVar(&forceFull, "force-full", false, "sweep orphaned entities after the run")
	runCmd.Flags().BoolVar(&archiveOnly, "archive-only", false, "capture to the archive without vector writes")
	_ = runCmd.MarkFlagRequired("source")

	_ = rootCmd.MarkPersistentFlagRequired("sync-id")
	rootCmd.AddCommand(runCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
