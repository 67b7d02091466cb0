// Package app wires together the filing ingestion pipeline's stages —
// pollers, reliable queues, backpressure gates, the downloader, parser
// and LLM worker pools, the shared budget manager, and the metrics
// server. It is the shared core used by cmd/filing-ingestor and the
// maintenance commands.
package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/api"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/backpressure"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/budget"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/datastore/surreal"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/feed"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/llmclient"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/objectstore"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/pipeline/diffworker"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/pipeline/downloader"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/pipeline/entityworker"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/pipeline/parser"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/pipeline/poller"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/pipeline/summaryworker"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/queue"
)

// App holds every initialized component of the ingestion pipeline.
type App struct {
	Config *common.Config
	Logger *common.Logger

	KV        *kv.DB
	Datastore interfaces.Datastore
	Store     interfaces.ObjectStore
	Budget    interfaces.BudgetManager
	LLM       interfaces.LLMClient
	Feed      *feed.Client

	DownloadQueue interfaces.Queue
	ParseQueue    interfaces.Queue
	ChunkQueue    interfaces.Queue
	EntityQueue   interfaces.Queue
	DiffQueue     interfaces.Queue

	DownloadGate *backpressure.Gate
	ParseGate    *backpressure.Gate
	ChunkGate    *backpressure.Gate
	EntityGate   *backpressure.Gate
	DiffGate     *backpressure.Gate

	Pollers []*poller.Poller

	MetricsServer *metrics.Server
	APIServer     *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp loads configuration and initializes every pipeline component,
// but does not start any background loops — call Start for that.
func NewApp(configPath string) (*App, error) {
	if configPath == "" {
		configPath = os.Getenv("FILING_CONFIG")
	}
	if configPath == "" {
		configPath = "config/filing-ingestor.toml"
	}

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	ctx := context.Background()

	db, err := kv.Open(logger, cfg.Storage.KVPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	ds, err := surreal.Open(ctx, logger, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	if err := ds.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate datastore: %w", err)
	}

	store, err := objectstore.NewFromConfig(ctx, logger, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	budgetMgr := budget.New(db, logger, cfg.Budget.DailyLimits)

	llm := llmclient.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.GetTimeout(),
		llmclient.WithMaxRetries(cfg.LLM.MaxRetries),
		llmclient.WithBackoff(cfg.LLM.GetBackoff()),
		llmclient.WithLogger(logger),
	)

	feedClient := feed.NewClient(cfg.Poller.GlobalFeedURL, cfg.Poller.IssuerFeedTemplate, cfg.Poller.UserAgent,
		feed.WithLogger(logger),
	)

	downloadQueue, err := newQueue(db, logger, cfg.Queue.DownloadQueueName, cfg.Queue)
	if err != nil {
		return nil, err
	}
	parseQueue, err := newQueue(db, logger, cfg.Queue.ParseQueueName, cfg.Queue)
	if err != nil {
		return nil, err
	}
	chunkQueue, err := newQueue(db, logger, cfg.Queue.ChunkQueueName, cfg.Queue)
	if err != nil {
		return nil, err
	}
	entityQueue, err := newQueue(db, logger, cfg.Queue.EntityQueueName, cfg.Queue)
	if err != nil {
		return nil, err
	}
	diffQueue, err := newQueue(db, logger, cfg.Queue.DiffQueueName, cfg.Queue)
	if err != nil {
		return nil, err
	}

	downloadGate := backpressure.New("download", queueDepthFunc(downloadQueue), cfg.Queue.PauseHigh, cfg.Queue.ResumeLow, cfg.Queue.GetCheckInterval(), logger)
	parseGate := backpressure.New("parse", queueDepthFunc(parseQueue), cfg.Queue.PauseHigh, cfg.Queue.ResumeLow, cfg.Queue.GetCheckInterval(), logger)
	chunkGate := backpressure.New("chunk", queueDepthFunc(chunkQueue), cfg.Queue.PauseHigh, cfg.Queue.ResumeLow, cfg.Queue.GetCheckInterval(), logger)
	entityGate := backpressure.New("entity", queueDepthFunc(entityQueue), cfg.Queue.PauseHigh, cfg.Queue.ResumeLow, cfg.Queue.GetCheckInterval(), logger)
	diffGate := backpressure.New("diff", queueDepthFunc(diffQueue), cfg.Queue.PauseHigh, cfg.Queue.ResumeLow, cfg.Queue.GetCheckInterval(), logger)

	pollers := []*poller.Poller{
		poller.New("global", feedClient.FetchGlobalFeed, cfg.Poller.GetInterval(), db, downloadQueue, downloadGate, poller.WithLogger(logger)),
	}
	for _, cik := range cfg.Poller.IssuerCIKs {
		pollers = append(pollers, poller.New("issuer:"+cik, issuerFetchFunc(feedClient, cik), cfg.Poller.GetInterval(), db, downloadQueue, downloadGate, poller.WithLogger(logger)))
	}

	metricsPort := cfg.Server.MetricsPort
	if metricsPort == 0 {
		metricsPort = 9090
	}
	metricsServer := metrics.NewServer(fmt.Sprintf("%d", metricsPort), logger)

	apiHost := cfg.Server.Host
	if apiHost == "" {
		apiHost = "0.0.0.0"
	}
	apiPort := cfg.Server.Port
	if apiPort == 0 {
		apiPort = 8080
	}
	apiServer := api.NewServer(ds, apiHost, apiPort, logger)

	a := &App{
		Config:        cfg,
		Logger:        logger,
		KV:            db,
		Datastore:     ds,
		Store:         store,
		Budget:        budgetMgr,
		LLM:           llm,
		Feed:          feedClient,
		DownloadQueue: downloadQueue,
		ParseQueue:    parseQueue,
		ChunkQueue:    chunkQueue,
		EntityQueue:   entityQueue,
		DiffQueue:     diffQueue,
		DownloadGate:  downloadGate,
		ParseGate:     parseGate,
		ChunkGate:     chunkGate,
		EntityGate:    entityGate,
		DiffGate:      diffGate,
		Pollers:       pollers,
		MetricsServer: metricsServer,
		APIServer:     apiServer,
	}

	logger.Info().Msg("app initialized")
	return a, nil
}

func newQueue(db *kv.DB, logger *common.Logger, name string, cfg common.QueueConfig) (interfaces.Queue, error) {
	return queue.New(db, logger, name, cfg.GetVisibilityTimeout(), cfg.ReclaimBatchSize)
}

// queueDepthFunc adapts a Queue's Length method to backpressure.DepthFunc.
func queueDepthFunc(q interfaces.Queue) backpressure.DepthFunc {
	return func(ctx context.Context) (int, error) { return q.Length(ctx) }
}

// issuerFetchFunc binds a poller.FetchFunc to one issuer's feed.
func issuerFetchFunc(client *feed.Client, cik string) poller.FetchFunc {
	return func(ctx context.Context) ([]models.FeedEntry, error) {
		return client.FetchIssuerFeed(ctx, cik)
	}
}

// safeGo launches a goroutine with panic recovery and logging, the same
// pattern the job manager uses for its watcher and processor loops.
func (a *App) safeGo(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.Logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in pipeline goroutine")
			}
		}()
		fn()
	}()
}

// Start launches every background loop: the backpressure gates, the
// pollers, and each worker pool at its configured concurrency. Safe to
// call once; call Stop before calling Start again.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.safeGo("gate:download", func() { a.DownloadGate.Run(ctx) })
	a.safeGo("gate:parse", func() { a.ParseGate.Run(ctx) })
	a.safeGo("gate:chunk", func() { a.ChunkGate.Run(ctx) })
	a.safeGo("gate:entity", func() { a.EntityGate.Run(ctx) })
	a.safeGo("gate:diff", func() { a.DiffGate.Run(ctx) })

	for _, p := range a.Pollers {
		p := p
		a.safeGo("poller:"+p.Name(), func() { _ = p.Run(ctx) })
	}

	dlWorkers := countOr(a.Config.Workers.Downloader, 2)
	for i := 0; i < dlWorkers; i++ {
		w := downloader.New(a.DownloadQueue, a.ParseQueue, a.ParseGate, a.Store, a.Datastore, a.Config.Downloader,
			downloader.WithLogger(a.Logger), downloader.WithUserAgent(a.Config.Poller.UserAgent))
		a.safeGo(fmt.Sprintf("downloader-%d", i), func() { _ = w.Run(ctx) })
	}

	pWorkers := countOr(a.Config.Workers.Parser, 2)
	for i := 0; i < pWorkers; i++ {
		w := parser.New(parser.Queues{
			Parse:      a.ParseQueue,
			Chunk:      a.ChunkQueue,
			Entity:     a.EntityQueue,
			Diff:       a.DiffQueue,
			ChunkGate:  a.ChunkGate,
			EntityGate: a.EntityGate,
			DiffGate:   a.DiffGate,
		}, a.Store, a.Datastore, a.Config.Parser, parser.WithLogger(a.Logger))
		a.safeGo(fmt.Sprintf("parser-%d", i), func() { _ = w.Run(ctx) })
	}

	sWorkers := countOr(a.Config.Workers.Summary, 2)
	for i := 0; i < sWorkers; i++ {
		w := summaryworker.New(a.ChunkQueue, a.Budget, a.LLM, a.Datastore, a.Config.LLM.SummaryModel, a.Config.LLM.MaxOutputTokens, a.Config.Budget.GetCooldown(), summaryworker.WithLogger(a.Logger))
		a.safeGo(fmt.Sprintf("summary-%d", i), func() { _ = w.Run(ctx) })
	}

	eWorkers := countOr(a.Config.Workers.Entity, 2)
	for i := 0; i < eWorkers; i++ {
		w := entityworker.New(a.EntityQueue, a.Budget, a.LLM, a.Datastore, a.Config.LLM.EntityModel, a.Config.LLM.MaxOutputTokens, a.Config.Budget.GetCooldown(), entityworker.WithLogger(a.Logger))
		a.safeGo(fmt.Sprintf("entity-%d", i), func() { _ = w.Run(ctx) })
	}

	diffWorkers := countOr(a.Config.Workers.Diff, 1)
	for i := 0; i < diffWorkers; i++ {
		w := diffworker.New(a.DiffQueue, a.Budget, a.LLM, a.Datastore, a.Config.LLM.DiffModel, a.Config.LLM.MaxOutputTokens, a.Config.Parser.MaxDiffChars, a.Config.Budget.GetCooldown(), diffworker.WithLogger(a.Logger))
		a.safeGo(fmt.Sprintf("diff-%d", i), func() { _ = w.Run(ctx) })
	}

	a.MetricsServer.StartAsync()

	a.safeGo("api-server", func() {
		if err := a.APIServer.Start(); err != nil {
			a.Logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	})

	a.Logger.Info().
		Int("downloaders", dlWorkers).
		Int("parsers", pWorkers).
		Int("summary_workers", sWorkers).
		Int("entity_workers", eWorkers).
		Int("diff_workers", diffWorkers).
		Int("pollers", len(a.Pollers)).
		Msg("pipeline started")
}

// Stop cancels every background loop and waits for completion.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.APIServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to stop API server")
	}

	a.wg.Wait()

	if err := a.MetricsServer.Stop(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to stop metrics server")
	}
	a.Logger.Info().Msg("pipeline stopped")
}

// Close releases every resource held by the App. Call after Stop.
func (a *App) Close() {
	if a.DownloadQueue != nil {
		_ = a.DownloadQueue.Close()
	}
	if a.ParseQueue != nil {
		_ = a.ParseQueue.Close()
	}
	if a.ChunkQueue != nil {
		_ = a.ChunkQueue.Close()
	}
	if a.EntityQueue != nil {
		_ = a.EntityQueue.Close()
	}
	if a.DiffQueue != nil {
		_ = a.DiffQueue.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Datastore != nil {
		_ = a.Datastore.Close()
	}
	if a.KV != nil {
		_ = a.KV.Close()
	}
}

func countOr(configured, fallback int) int {
	if configured <= 0 {
		return fallback
	}
	return configured
}
