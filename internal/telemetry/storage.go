package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

const storageScopeName = "github.com/jotworks/jot/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in jot.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner        storage.Storage
	tracer       trace.Tracer
	ops          metric.Int64Counter
	dur          metric.Float64Histogram
	errs         metric.Int64Counter
	entityGauge  metric.Int64Gauge
	pendingGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("jot.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("jot.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("jot.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	entityGauge, _ := m.Int64Gauge("jot.entity.count",
		metric.WithDescription("Current number of entities by type (snapshot from GetStatistics)"),
	)
	pendingGauge, _ := m.Int64Gauge("jot.review.pending",
		metric.WithDescription("Current number of pending review items"),
	)
	return &InstrumentedStorage{
		inner:        s,
		tracer:       Tracer(storageScopeName),
		ops:          ops,
		dur:          dur,
		errs:         errs,
		entityGauge:  entityGauge,
		pendingGauge: pendingGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Notes ────────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateNote(ctx context.Context, note *types.RawNote) error {
	attrs := []attribute.KeyValue{attribute.String("jot.note.source", string(note.Source))}
	ctx, span, t := s.op(ctx, "CreateNote", attrs...)
	err := s.inner.CreateNote(ctx, note)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.note.id", id)}
	ctx, span, t := s.op(ctx, "GetNote", attrs...)
	v, err := s.inner.GetNote(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetNoteByExternalID(ctx context.Context, source types.NoteSource, externalID string) (*types.RawNote, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.note.source", string(source))}
	ctx, span, t := s.op(ctx, "GetNoteByExternalID", attrs...)
	v, err := s.inner.GetNoteByExternalID(ctx, source, externalID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.RawNote, error) {
	ctx, span, t := s.op(ctx, "ListNotes")
	v, err := s.inner.ListNotes(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("jot.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Entities ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.entity.id", id)}
	ctx, span, t := s.op(ctx, "GetEntity", attrs...)
	v, err := s.inner.GetEntity(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListEntities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	ctx, span, t := s.op(ctx, "ListEntities")
	v, err := s.inner.ListEntities(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("jot.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListRecentEntities(ctx context.Context, limit int, exclude []string) ([]*types.Entity, error) {
	attrs := []attribute.KeyValue{attribute.Int("jot.limit", limit)}
	ctx, span, t := s.op(ctx, "ListRecentEntities", attrs...)
	v, err := s.inner.ListRecentEntities(ctx, limit, exclude)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetEntityTags(ctx context.Context, entityID string) ([]string, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "GetEntityTags", attrs...)
	v, err := s.inner.GetEntityTags(ctx, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListTags(ctx context.Context) ([]types.TagCount, error) {
	ctx, span, t := s.op(ctx, "ListTags")
	v, err := s.inner.ListTags(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetEntityEvents(ctx context.Context, entityID string, limit int) ([]*types.EntityEvent, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "GetEntityEvents", attrs...)
	v, err := s.inner.GetEntityEvents(ctx, entityID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetNoteEntities(ctx context.Context, noteID string) ([]*types.Entity, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.note.id", noteID)}
	ctx, span, t := s.op(ctx, "GetNoteEntities", attrs...)
	v, err := s.inner.GetNoteEntities(ctx, noteID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "GetRelationships", attrs...)
	v, err := s.inner.GetRelationships(ctx, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Projects, epics, users ───────────────────────────────────────────────────

func (s *InstrumentedStorage) GetProject(ctx context.Context, id string) (*types.Project, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.project.id", id)}
	ctx, span, t := s.op(ctx, "GetProject", attrs...)
	v, err := s.inner.GetProject(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	ctx, span, t := s.op(ctx, "GetProjectByName")
	v, err := s.inner.GetProjectByName(ctx, name)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListProjects(ctx context.Context, includeArchived bool) ([]*types.Project, error) {
	ctx, span, t := s.op(ctx, "ListProjects")
	v, err := s.inner.ListProjects(ctx, includeArchived)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.epic.id", id)}
	ctx, span, t := s.op(ctx, "GetEpic", attrs...)
	v, err := s.inner.GetEpic(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListEpics(ctx context.Context, projectID string) ([]*types.Epic, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.project.id", projectID)}
	ctx, span, t := s.op(ctx, "ListEpics", attrs...)
	v, err := s.inner.ListEpics(ctx, projectID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetUser(ctx context.Context, id string) (*types.User, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.user.id", id)}
	ctx, span, t := s.op(ctx, "GetUser", attrs...)
	v, err := s.inner.GetUser(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListUsers(ctx context.Context) ([]*types.User, error) {
	ctx, span, t := s.op(ctx, "ListUsers")
	v, err := s.inner.ListUsers(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Review queue ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.review.id", id)}
	ctx, span, t := s.op(ctx, "GetReviewItem", attrs...)
	v, err := s.inner.GetReviewItem(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListReviewItems(ctx context.Context, filter types.ReviewFilter) ([]*types.ReviewItem, error) {
	ctx, span, t := s.op(ctx, "ListReviewItems")
	v, err := s.inner.ListReviewItems(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("jot.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Aggregates ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetProjectStats(ctx context.Context, projectID string) (*types.ProjectStats, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.project.id", projectID)}
	ctx, span, t := s.op(ctx, "GetProjectStats", attrs...)
	v, err := s.inner.GetProjectStats(ctx, projectID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	ctx, span, t := s.op(ctx, "GetStatistics")
	v, err := s.inner.GetStatistics(ctx)
	s.done(ctx, span, t, err)
	if err == nil && v != nil {
		// Snapshot current entity counts by type plus the review backlog.
		typeAttr := func(name string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("type", name))
		}
		s.entityGauge.Record(ctx, int64(v.Tasks), typeAttr("task"))
		s.entityGauge.Record(ctx, int64(v.Decisions), typeAttr("decision"))
		s.entityGauge.Record(ctx, int64(v.Insights), typeAttr("insight"))
		s.pendingGauge.Record(ctx, int64(v.PendingReviews))
	}
	return v, err
}

// ── Configuration ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) SetConfig(ctx context.Context, key, value string) error {
	attrs := []attribute.KeyValue{attribute.String("jot.config.key", key)}
	ctx, span, t := s.op(ctx, "SetConfig", attrs...)
	err := s.inner.SetConfig(ctx, key, value)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetConfig(ctx context.Context, key string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("jot.config.key", key)}
	ctx, span, t := s.op(ctx, "GetConfig", attrs...)
	v, err := s.inner.GetConfig(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
