package syncrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"airweave.ai/core/archive"
	"airweave.ai/core/chunk"
	"airweave.ai/core/common"
	"airweave.ai/core/db"
	"airweave.ai/core/destination"
	"airweave.ai/core/embed"
	"airweave.ai/core/entity"
	"airweave.ai/core/source"
)

const (
	defaultQueueSize    = 10000
	defaultWorkerCount  = 20
	defaultBatchSize    = 64
	defaultBatchLatency = 200 * time.Millisecond
)

// MetadataStore is everything the orchestrator needs from the relational
// store. *db.Store satisfies it.
type MetadataStore interface {
	EntityRowReader
	EntityRowWriter
	ListEntityRows(ctx context.Context, syncID string) ([]db.EntityRow, error)
	LoadCursor(ctx context.Context, syncID string) (map[string]interface{}, error)
	SaveCursor(ctx context.Context, syncID string, data map[string]interface{}) error
	CreateJob(ctx context.Context, syncID string) (*db.SyncJob, error)
	StartJob(ctx context.Context, jobID string) error
	FinishJob(ctx context.Context, jobID string, status db.JobStatus, counters map[string]int64, jobErr error) error
}

var _ MetadataStore = (*db.Store)(nil)

// Options wires one sync run.
type Options struct {
	Config SyncConfig

	SyncID          string
	JobID           string
	OrganizationID  string
	CollectionID    string
	SourceShortName string

	Source       source.Source
	Destinations []destination.Destination
	Store        MetadataStore
	Archive      *archive.Writer
	Chunker      *chunk.Chunker
	Embedder     embed.Embedder
	Sparse       *embed.SparseEncoder
	Publisher    *Publisher

	// TempDir is the per-job root for downloaded blobs; swept on exit.
	TempDir string

	// QueueSize, Workers, BatchSize and BatchLatency default from the
	// environment (SYNC_QUEUE_SIZE, SYNC_WORKER_COUNT) or the built-ins.
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchLatency time.Duration

	Logger *common.ContextLogger
}

// Orchestrator runs one sync job: it streams entities from the source
// through a bounded queue into a worker pool, where each micro-batch is
// resolved, chunked, embedded and dispatched.
type Orchestrator struct {
	opts       Options
	resolver   *Resolver
	dispatcher *Dispatcher
	tracker    *Tracker
	logger     *common.ContextLogger

	needChunks bool
	needSparse bool

	mu          sync.Mutex
	encountered map[entity.Key]bool
}

// NewOrchestrator validates the configuration and assembles the pipeline.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, common.NewError(common.KindValidation, "sync has no source")
	}
	if opts.SyncID == "" {
		return nil, common.NewError(common.KindValidation, "sync id is required")
	}
	if opts.Store == nil && !opts.Config.DisableMetadata {
		return nil, common.NewError(common.KindValidation, "metadata store is required")
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = envInt("SYNC_QUEUE_SIZE", defaultQueueSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = envInt("SYNC_WORKER_COUNT", defaultWorkerCount)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchLatency <= 0 {
		opts.BatchLatency = defaultBatchLatency
	}
	if opts.Chunker == nil {
		opts.Chunker = chunk.New(chunk.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = common.NewContextLogger(nil, map[string]interface{}{"component": "orchestrator"})
	}
	logger := opts.Logger.WithFields(map[string]interface{}{
		"sync_id":     opts.SyncID,
		"sync_job_id": opts.JobID,
	})

	var selected []destination.Destination
	if !opts.Config.DisableVectorDB {
		for _, dest := range opts.Destinations {
			if opts.Config.Includes(dest.ShortName()) {
				selected = append(selected, dest)
			}
		}
	}

	needChunks := false
	needSparse := false
	for _, dest := range selected {
		if dest.ProcessingRequirement() == destination.ChunksAndEmbeddings {
			needChunks = true
			if dest.HasKeywordIndex() {
				needSparse = true
			}
		}
	}
	if needChunks && opts.Embedder == nil {
		return nil, common.NewError(common.KindValidation, "a selected destination needs embeddings but no embedder is configured")
	}
	if needSparse && opts.Sparse == nil {
		opts.Sparse = embed.NewSparseEncoder()
	}

	var handlers []Handler
	if len(selected) > 0 {
		handlers = append(handlers, NewVectorDBHandler(selected, logger))
	}
	if opts.Archive != nil && !opts.Config.DisableArchive {
		handlers = append(handlers, NewArchiveHandler(opts.Archive))
	}
	var metadata Handler
	if !opts.Config.DisableMetadata {
		metadata = NewMetadataHandler(opts.Store, opts.OrganizationID)
	}
	if len(handlers) == 0 && metadata == nil {
		return nil, common.NewError(common.KindValidation, "sync has no enabled handlers")
	}

	var rowReader EntityRowReader
	if opts.Store != nil {
		rowReader = opts.Store
	}

	return &Orchestrator{
		opts:        opts,
		resolver:    NewResolver(rowReader, opts.Config.Behavior.SkipHashComparison, logger),
		dispatcher:  NewDispatcher(handlers, metadata, logger),
		tracker:     NewTracker(),
		logger:      logger,
		needChunks:  needChunks,
		needSparse:  needSparse,
		encountered: make(map[entity.Key]bool),
	}, nil
}

// Progress returns the current counters.
func (o *Orchestrator) Progress() Progress { return o.tracker.Snapshot() }

// Run executes the sync job to completion. The temp root is swept and a
// terminal progress event is emitted on every exit path.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if o.opts.TempDir != "" {
		defer func() {
			if rmErr := os.RemoveAll(o.opts.TempDir); rmErr != nil {
				o.logger.WithError(rmErr).Warn("Sweeping temp files failed")
			}
		}()
	}

	if err := o.beginJob(ctx); err != nil {
		return err
	}
	defer func() { o.finishJob(ctx, err) }()

	o.restoreCursor(ctx)

	if o.opts.Archive != nil && !o.opts.Config.DisableArchive {
		if err := o.opts.Archive.EnsureManifest(ctx, o.opts.SourceShortName,
			o.opts.CollectionID, o.opts.OrganizationID, o.opts.JobID); err != nil {
			return common.SyncFailure("preparing archive", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan *entity.Entity, o.opts.QueueSize)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(queue)
		if err := o.opts.Source.GenerateEntities(gctx, queue); err != nil {
			if errors.Is(err, context.Canceled) || common.IsKind(err, common.KindCancelled) {
				return err
			}
			return common.SyncFailure("streaming source entities", err)
		}
		return nil
	})
	for i := 0; i < o.opts.Workers; i++ {
		g.Go(func() error { return o.worker(gctx, queue) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if o.opts.Config.Behavior.ForceFullSync {
		if err := o.Sweep(ctx); err != nil {
			return err
		}
	}

	o.saveCursor(ctx)
	return nil
}

// worker drains the stream in micro-batches: a batch is flushed when it
// reaches the batch size or when the latency cap fires on a partial one.
func (o *Orchestrator) worker(ctx context.Context, queue <-chan *entity.Entity) error {
	pending := make([]*entity.Entity, 0, o.opts.BatchSize)
	timer := time.NewTimer(o.opts.BatchLatency)
	defer timer.Stop()

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = make([]*entity.Entity, 0, o.opts.BatchSize)
		return o.process(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-queue:
			if !ok {
				return flush()
			}
			pending = append(pending, e)
			if len(pending) >= o.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
				resetTimer(timer, o.opts.BatchLatency)
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(o.opts.BatchLatency)
		}
	}
}

// process runs one micro-batch through resolve, prepare and dispatch.
func (o *Orchestrator) process(ctx context.Context, entities []*entity.Entity) error {
	for _, e := range entities {
		e.SyncID = o.opts.SyncID
		e.SyncJobID = o.opts.JobID
		e.CollectionID = o.opts.CollectionID

		if e.IsFileBacked() && (e.File == nil || e.File.LocalPath == "") {
			return common.SyncFailure(
				fmt.Sprintf("file entity %s reached the pipeline without a downloaded blob", e.SourceEntityID), nil)
		}
	}

	batch, err := o.resolver.Resolve(ctx, entities)
	if err != nil {
		return common.SyncFailure("resolving batch", err)
	}

	if err := o.prepare(ctx, batch); err != nil {
		return err
	}

	if err := o.dispatcher.Dispatch(ctx, batch); err != nil {
		return err
	}

	o.tracker.RecordBatch(batch)
	o.markEncountered(batch)
	o.cleanupBlobs(batch)

	if o.opts.Publisher != nil {
		o.opts.Publisher.MaybePublish(ctx, o.tracker.Snapshot())
	}
	return nil
}

// prepare chunks and embeds INSERT and UPDATE parents. Per-entity failures
// drop the entity from the batch and count it skipped; a permanent provider
// error fails the sync.
func (o *Orchestrator) prepare(ctx context.Context, batch *ActionBatch) error {
	if !o.needChunks {
		return nil
	}

	embedParents := func(parents []*entity.Entity) ([]*entity.Entity, error) {
		kept := parents[:0]
		for _, parent := range parents {
			records, err := o.embedParent(ctx, parent)
			if err != nil {
				if common.IsKind(err, common.KindProviderPermanent) {
					return nil, common.SyncFailure("embedding provider rejected the sync", err)
				}
				o.logger.WithError(err).WithField("source_entity_id", parent.SourceEntityID).
					Error("Preparing entity failed, skipping")
				batch.Skipped++
				continue
			}
			batch.ChunkRecords = append(batch.ChunkRecords, records...)
			kept = append(kept, parent)
		}
		return kept, nil
	}

	var err error
	if batch.Inserts, err = embedParents(batch.Inserts); err != nil {
		return err
	}
	if batch.Updates, err = embedParents(batch.Updates); err != nil {
		return err
	}
	return nil
}

// embedParent derives chunk records for one parent entity.
func (o *Orchestrator) embedParent(ctx context.Context, parent *entity.Entity) ([]*destination.Record, error) {
	chunks, err := o.opts.Chunker.Chunk(parent)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Textual
	}
	dense, err := o.opts.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	var sparse []*destination.SparseVector
	if o.needSparse {
		sparse = o.opts.Sparse.Encode(texts)
	}

	records := make([]*destination.Record, len(chunks))
	for i, c := range chunks {
		records[i] = &destination.Record{Entity: c, Dense: dense[i]}
		if sparse != nil {
			records[i].Sparse = sparse[i]
		}
	}
	return records, nil
}

// Sweep deletes every stored row of the sync that this run did not
// encounter, through the same dispatcher path as regular deletions.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	rows, err := o.opts.Store.ListEntityRows(ctx, o.opts.SyncID)
	if err != nil {
		return common.SyncFailure("listing rows for orphan sweep", err)
	}

	o.mu.Lock()
	var orphans []*entity.Entity
	for _, row := range rows {
		key := entity.Key{SyncID: row.SyncID, SourceEntityID: row.SourceEntityID, TypeID: row.EntityTypeID}
		if !o.encountered[key] {
			orphans = append(orphans, &entity.Entity{
				SourceEntityID: row.SourceEntityID,
				TypeID:         row.EntityTypeID,
				Kind:           entity.KindDeletion,
				SyncID:         o.opts.SyncID,
				Deletion:       &entity.DeletionAttrs{},
			})
		}
	}
	o.mu.Unlock()

	if len(orphans) == 0 {
		return nil
	}
	o.logger.Infof("Sweeping %d orphaned entities", len(orphans))

	batch := &ActionBatch{SyncID: o.opts.SyncID, Deletes: orphans}
	if err := o.dispatcher.Dispatch(ctx, batch); err != nil {
		return err
	}
	o.tracker.RecordBatch(batch)
	return nil
}

func (o *Orchestrator) markEncountered(batch *ActionBatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, list := range [][]*entity.Entity{batch.Inserts, batch.Updates, batch.Keeps} {
		for _, e := range list {
			o.encountered[e.IdentityKey()] = true
		}
	}
}

// cleanupBlobs removes the downloaded temp files of a dispatched batch so
// long-running jobs do not accumulate blobs until the final sweep.
func (o *Orchestrator) cleanupBlobs(batch *ActionBatch) {
	for _, list := range [][]*entity.Entity{batch.Inserts, batch.Updates, batch.Keeps} {
		for _, e := range list {
			if e.File != nil && e.File.LocalPath != "" {
				if err := os.Remove(e.File.LocalPath); err != nil && !os.IsNotExist(err) {
					o.logger.WithError(err).Debugf("Removing temp blob %s failed", e.File.LocalPath)
				}
			}
		}
	}
}

func (o *Orchestrator) beginJob(ctx context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	if o.opts.JobID == "" {
		job, err := o.opts.Store.CreateJob(ctx, o.opts.SyncID)
		if err != nil {
			return common.SyncFailure("creating sync job", err)
		}
		o.opts.JobID = job.ID
		o.logger = o.logger.WithField("sync_job_id", job.ID)
	}
	if err := o.opts.Store.StartJob(ctx, o.opts.JobID); err != nil {
		return common.SyncFailure("starting sync job", err)
	}
	return nil
}

// finishJob records the terminal job state and emits the terminal progress
// event. Cancellation is reported as cancelled, any other error as failed.
func (o *Orchestrator) finishJob(ctx context.Context, runErr error) {
	status := db.JobCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || common.IsKind(runErr, common.KindCancelled):
		status = db.JobCancelled
	default:
		status = db.JobFailed
	}

	// The run context may already be dead; terminal bookkeeping gets its
	// own deadline.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if o.opts.Store != nil {
		if err := o.opts.Store.FinishJob(finishCtx, o.opts.JobID, status, o.tracker.Counters(), runErr); err != nil {
			o.logger.WithError(err).Error("Recording terminal job state failed")
		}
	}
	if o.opts.Publisher != nil {
		o.opts.Publisher.PublishTerminal(finishCtx, o.tracker.Snapshot(), string(status))
	}
	o.logger.WithField("status", string(status)).Info("Sync job finished")
}

func (o *Orchestrator) restoreCursor(ctx context.Context) {
	if o.opts.Config.Cursor.SkipLoad || o.opts.Store == nil {
		return
	}
	aware, ok := o.opts.Source.(source.CursorAware)
	if !ok {
		return
	}
	data, err := o.opts.Store.LoadCursor(ctx, o.opts.SyncID)
	if err != nil {
		o.logger.WithError(err).Warn("Loading cursor failed, starting from scratch")
		return
	}
	if data == nil {
		return
	}
	if err := aware.CursorSchema().ValidateCursor(data); err != nil {
		o.logger.WithError(err).Warn("Persisted cursor does not match the schema, starting from scratch")
		return
	}
	aware.RestoreCursor(data)
}

func (o *Orchestrator) saveCursor(ctx context.Context) {
	if o.opts.Config.Cursor.SkipUpdates || o.opts.Store == nil {
		return
	}
	aware, ok := o.opts.Source.(source.CursorAware)
	if !ok {
		return
	}
	state := aware.CursorState()
	if state == nil {
		return
	}
	if err := o.opts.Store.SaveCursor(ctx, o.opts.SyncID, state); err != nil {
		o.logger.WithError(err).Warn("Saving cursor failed")
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
