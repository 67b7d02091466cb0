// Package parser implements the parse-queue worker: it converts a
// filing's raw artifact to plain text, sectionises it, and fans out
// chunk, entity and diff jobs for the downstream worker pools.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

// Worker pops parse tasks, sectionises the filing, and publishes chunk,
// entity and diff tasks.
type Worker struct {
	parseQueue  interfaces.Queue
	chunkQueue  interfaces.Queue
	entityQueue interfaces.Queue
	diffQueue   interfaces.Queue
	chunkGate   interfaces.BackpressureGate
	entityGate  interfaces.BackpressureGate
	diffGate    interfaces.BackpressureGate
	store       interfaces.ObjectStore
	ds          interfaces.Datastore
	cfg         common.ParserConfig
	popTimeout  time.Duration
	logger      *common.Logger
}

// Queues groups the parser's downstream queues and the gates guarding them.
type Queues struct {
	Parse  interfaces.Queue
	Chunk  interfaces.Queue
	Entity interfaces.Queue
	Diff   interfaces.Queue

	ChunkGate  interfaces.BackpressureGate
	EntityGate interfaces.BackpressureGate
	DiffGate   interfaces.BackpressureGate
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(logger *common.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) { w.popTimeout = d }
}

// New builds a parse-queue worker.
func New(q Queues, store interfaces.ObjectStore, ds interfaces.Datastore, cfg common.ParserConfig, opts ...Option) *Worker {
	w := &Worker{
		parseQueue:  q.Parse,
		chunkQueue:  q.Chunk,
		entityQueue: q.Entity,
		diffQueue:   q.Diff,
		chunkGate:   q.ChunkGate,
		entityGate:  q.EntityGate,
		diffGate:    q.DiffGate,
		store:       store,
		ds:          ds,
		cfg:         cfg,
		popTimeout:  5 * time.Second,
		logger:      common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops parse tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.parseQueue.Pop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("parse queue pop failed")
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			w.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("parse task failed")
		}
		if err := w.parseQueue.Ack(ctx, msg.JobID, msg.Token); err != nil {
			w.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to ack parse task")
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *models.Message) error {
	var task models.ParseTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("failed to decode parse task: %w", err)
	}

	filing, err := w.ds.Filings().GetByID(ctx, task.FilingID)
	if err != nil {
		return fmt.Errorf("failed to load filing %s: %w", task.FilingID, err)
	}

	sections, err := w.loadAndSectionize(ctx, filing)
	if err != nil {
		w.markFailed(ctx, filing.ID)
		metrics.RecordFilingFailed("parser")
		metrics.RecordError(string(errs.Classify(err)), "parser")
		return err
	}

	// ReplaceSections commits the section delete, the new section set,
	// and the PARSED transition atomically, so a crash mid-sequence
	// can't leave a filing PARSED with a missing or partial section set.
	if err := w.ds.ReplaceSections(ctx, filing, sections); err != nil {
		w.markFailed(ctx, filing.ID)
		metrics.RecordFilingFailed("parser")
		metrics.RecordError(string(errs.Classify(err)), "parser")
		return fmt.Errorf("failed to replace sections for filing %s: %w", filing.ID, err)
	}
	metrics.SectionsParsedTotal.Add(float64(len(sections)))

	if err := w.fanOutChunks(ctx, filing, sections); err != nil {
		w.logger.Error().Err(err).Str("accession", filing.Accession).Msg("chunk fan-out failed")
	}

	if err := w.scheduleDiff(ctx, filing, sections); err != nil {
		// Failures in diff scheduling are logged but never roll back
		// sectioning, per 4.5.
		w.logger.Warn().Err(err).Str("accession", filing.Accession).Msg("diff scheduling failed")
	}

	return nil
}

// loadAndSectionize fetches the filing's preferred blob (RAW over
// INDEX) and converts it to sectioned text.
func (w *Worker) loadAndSectionize(ctx context.Context, filing *models.Filing) ([]*models.Section, error) {
	blob, err := w.ds.Blobs().GetByFilingAndKind(ctx, filing.ID, models.BlobKindRaw)
	if err != nil {
		blob, err = w.ds.Blobs().GetByFilingAndKind(ctx, filing.ID, models.BlobKindIndex)
		if err != nil {
			return nil, fmt.Errorf("no raw or index blob for filing %s: %w", filing.ID, err)
		}
	}

	data, err := w.store.Get(ctx, blob.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", blob.Location, err)
	}

	text, err := toPlainText(data, blob.ContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text for filing %s: %w", filing.ID, err)
	}

	return sectionize(filing.ID, text), nil
}

func (w *Worker) markFailed(ctx context.Context, filingID string) {
	if err := w.ds.Filings().UpdateStatus(ctx, filingID, models.FilingStatusFailed); err != nil {
		w.logger.Error().Err(err).Str("filing_id", filingID).Msg("failed to mark filing failed")
	}
}

// fanOutChunks plans chunks per section and pushes each to both the
// summary and entity queues, each behind its own backpressure gate.
func (w *Worker) fanOutChunks(ctx context.Context, filing *models.Filing, sections []*models.Section) error {
	for _, section := range sections {
		chunks := planChunks(section.Content, w.cfg.MaxTokensPerChunk, w.cfg.MinTokensPerChunk, w.cfg.ParagraphOverlap)
		for idx, c := range chunks {
			task := models.ChunkTask{
				Accession:       filing.Accession,
				FilingID:        filing.ID,
				SectionID:       section.ID,
				SectionOrdinal:  section.Ordinal,
				Title:           section.Title,
				ChunkIndex:      idx,
				StartParagraph:  c.startParagraph,
				EndParagraph:    c.endParagraph,
				Content:         c.content,
				EstimatedTokens: c.estimatedTokens,
			}
			task.JobID = fmt.Sprintf("%s:%d:%d", filing.Accession, section.Ordinal, idx)

			if err := w.pushChunk(ctx, task); err != nil {
				return err
			}
			if err := w.pushEntity(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) pushChunk(ctx context.Context, task models.ChunkTask) error {
	if w.chunkGate != nil {
		if err := w.chunkGate.WaitIfNeeded(ctx); err != nil {
			return fmt.Errorf("backpressure wait for chunk queue: %w", err)
		}
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode chunk task: %w", err)
	}
	return w.chunkQueue.Push(ctx, task.JobID, payload)
}

func (w *Worker) pushEntity(ctx context.Context, task models.ChunkTask) error {
	entityTask := models.EntityTask(task)
	entityTask.JobID = task.JobID + ":entity"

	if w.entityGate != nil {
		if err := w.entityGate.WaitIfNeeded(ctx); err != nil {
			return fmt.Errorf("backpressure wait for entity queue: %w", err)
		}
	}
	payload, err := json.Marshal(entityTask)
	if err != nil {
		return fmt.Errorf("failed to encode entity task: %w", err)
	}
	return w.entityQueue.Push(ctx, entityTask.JobID, payload)
}

// scheduleDiff locates the most recent prior filing of the same issuer
// and form type, upserts a Diff row, and emits one DiffTask per
// section ordinal in the union of the two filings' sections.
func (w *Worker) scheduleDiff(ctx context.Context, filing *models.Filing, currentSections []*models.Section) error {
	previous, err := w.ds.Filings().PreviousForIssuer(ctx, filing.IssuerID, filing.FormType, filing.FiledAt)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to find previous filing for %s: %w", filing.Accession, err)
	}

	previousSections, err := w.ds.Sections().ListByFiling(ctx, previous.ID)
	if err != nil {
		return fmt.Errorf("failed to list previous sections for %s: %w", previous.ID, err)
	}

	diff, err := w.ds.Diffs().GetByCurrentFilingID(ctx, filing.ID)
	if err != nil {
		diff = &models.Diff{ID: uuid.NewString()}
	}
	diff.CurrentFilingID = filing.ID
	diff.PreviousFilingID = previous.ID
	diff.ProcessedSections = 0
	diff.Status = models.DiffStatusPending

	tasks := buildDiffTasks(filing.Accession, diff.ID, filing.ID, previous.ID, currentSections, previousSections)
	diff.ExpectedSections = len(tasks)
	if len(tasks) == 0 {
		diff.Status = models.DiffStatusSkipped
	}

	if err := w.ds.Diffs().Create(ctx, diff); err != nil {
		return fmt.Errorf("failed to upsert diff for filing %s: %w", filing.ID, err)
	}
	if err := w.ds.Diffs().ClearSectionDiffs(ctx, diff.ID); err != nil {
		return fmt.Errorf("failed to clear section diffs for diff %s: %w", diff.ID, err)
	}

	for _, task := range tasks {
		if w.diffGate != nil {
			if err := w.diffGate.WaitIfNeeded(ctx); err != nil {
				return fmt.Errorf("backpressure wait for diff queue: %w", err)
			}
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode diff task: %w", err)
		}
		if err := w.diffQueue.Push(ctx, task.JobID, payload); err != nil {
			return fmt.Errorf("failed to enqueue diff task %s: %w", task.JobID, err)
		}
	}
	return nil
}

// buildDiffTasks enumerates the union of current and previous section
// ordinals and classifies each as an addition, removal, or update
// based on which side has a section at that ordinal.
func buildDiffTasks(accession, diffID, currentFilingID, previousFilingID string, current, previous []*models.Section) []models.DiffTask {
	currentByOrdinal := make(map[int]*models.Section, len(current))
	for _, s := range current {
		currentByOrdinal[s.Ordinal] = s
	}
	previousByOrdinal := make(map[int]*models.Section, len(previous))
	for _, s := range previous {
		previousByOrdinal[s.Ordinal] = s
	}

	ordinals := make(map[int]struct{}, len(current)+len(previous))
	for o := range currentByOrdinal {
		ordinals[o] = struct{}{}
	}
	for o := range previousByOrdinal {
		ordinals[o] = struct{}{}
	}

	var tasks []models.DiffTask
	for o := range ordinals {
		cur := currentByOrdinal[o]
		prev := previousByOrdinal[o]

		var changeKind models.DiffChangeKind
		var title, curSectionID, prevSectionID string
		switch {
		case cur != nil && prev != nil:
			changeKind = models.DiffChangeUpdate
			title = cur.Title
			curSectionID, prevSectionID = cur.ID, prev.ID
		case cur != nil:
			changeKind = models.DiffChangeAddition
			title = cur.Title
			curSectionID = cur.ID
		case prev != nil:
			changeKind = models.DiffChangeRemoval
			title = prev.Title
			prevSectionID = prev.ID
		}

		tasks = append(tasks, models.DiffTask{
			JobID:             fmt.Sprintf("%s:diff:%d:%s", accession, o, changeKind),
			DiffID:            diffID,
			CurrentFilingID:   currentFilingID,
			PreviousFilingID:  previousFilingID,
			CurrentSectionID:  curSectionID,
			PreviousSectionID: prevSectionID,
			Ordinal:           o,
			Title:             title,
			ChangeKind:        changeKind,
		})
	}
	return tasks
}
