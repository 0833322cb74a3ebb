// Package mongo provides a run.Store and runlog.Store backend over MongoDB,
// for multi-process deployments that need a shared, horizontally-accessible
// store rather than the single-node sqlite backend.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
)

const (
	defaultRunsCollection   = "workflow_runs"
	defaultEventsCollection = "workflow_events"
	defaultTimeout          = 5 * time.Second
)

// Config configures the Mongo-backed store.
type Config struct {
	Client           *mongodriver.Client
	Database         string
	RunsCollection   string
	EventsCollection string
	Timeout          time.Duration
	// Clock overrides the source of event CreatedAt timestamps, letting
	// tests control them deterministically. Defaults to time.Now.
	Clock func() time.Time
}

// Store is a Mongo-backed run.Store and runlog.Store pair.
type Store struct {
	client  *mongodriver.Client
	runs    *mongodriver.Collection
	events  *mongodriver.Collection
	timeout time.Duration
	clock   func() time.Time
}

// New builds a Store from an already-connected *mongo.Client, ensuring the
// indexes each collection needs exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	runsColl := cfg.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	eventsColl := cfg.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	db := cfg.Client.Database(cfg.Database)
	s := &Store{
		client:  cfg.Client,
		runs:    db.Collection(runsColl),
		events:  db.Collection(eventsColl),
		timeout: timeout,
		clock:   clock,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create event index: %w", err)
	}
	return nil
}

// Ping reports whether the underlying connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Runs returns the run.Store view of s.
func (s *Store) Runs() run.Store { return runStore{s} }

// Events returns the runlog.Store view of s.
func (s *Store) Events() runlog.Store { return eventStore{s} }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type runStore struct{ s *Store }

// runDocument is the bson shape a run.Run is persisted as. "_id" is the
// run's own RunID: runs are looked up and updated exclusively by RunID, so
// there's no reason to mint a separate ObjectID for them the way events do.
type runDocument struct {
	ID               string            `bson:"_id"`
	WorkflowName     string            `bson:"workflow_name"`
	Status           string            `bson:"status"`
	Input            []byte            `bson:"input,omitempty"`
	Output           []byte            `bson:"output,omitempty"`
	ErrorMessage     string            `bson:"error_message,omitempty"`
	ErrorStack       string            `bson:"error_stack,omitempty"`
	ExecutionContext map[string]string `bson:"execution_context,omitempty"`
	SpecVersion      int               `bson:"spec_version"`
	CreatedAt        time.Time         `bson:"created_at"`
	StartedAt        time.Time         `bson:"started_at,omitempty"`
	CompletedAt      time.Time         `bson:"completed_at,omitempty"`
	ExpiredAt        time.Time         `bson:"expired_at,omitempty"`
}

func fromRun(r *run.Run) runDocument {
	doc := runDocument{
		ID:               r.RunID,
		WorkflowName:     r.WorkflowName,
		Status:           string(r.Status),
		ExecutionContext: r.ExecutionContext,
		SpecVersion:      r.SpecVersion,
		CreatedAt:        r.CreatedAt.UTC(),
		StartedAt:        r.StartedAt.UTC(),
		CompletedAt:      r.CompletedAt.UTC(),
		ExpiredAt:        r.ExpiredAt.UTC(),
	}
	if len(r.Input) > 0 {
		doc.Input = append([]byte(nil), r.Input...)
	}
	if len(r.Output) > 0 {
		doc.Output = append([]byte(nil), r.Output...)
	}
	if r.Error != nil {
		doc.ErrorMessage = r.Error.Message
		doc.ErrorStack = r.Error.Stack
	}
	return doc
}

func (doc runDocument) toRun() *run.Run {
	r := &run.Run{
		RunID:            doc.ID,
		WorkflowName:     doc.WorkflowName,
		Status:           run.Status(doc.Status),
		ExecutionContext: doc.ExecutionContext,
		SpecVersion:      doc.SpecVersion,
		CreatedAt:        doc.CreatedAt,
		StartedAt:        doc.StartedAt,
		CompletedAt:      doc.CompletedAt,
		ExpiredAt:        doc.ExpiredAt,
	}
	if len(doc.Input) > 0 {
		r.Input = append([]byte(nil), doc.Input...)
	}
	if len(doc.Output) > 0 {
		r.Output = append([]byte(nil), doc.Output...)
	}
	if doc.ErrorMessage != "" {
		r.Error = &run.Failure{Message: doc.ErrorMessage, Stack: doc.ErrorStack}
	}
	return r
}

func (rs runStore) Create(ctx context.Context, r *run.Run) error {
	ctx, cancel := rs.s.withTimeout(ctx)
	defer cancel()
	_, err := rs.s.runs.InsertOne(ctx, fromRun(r))
	if mongodriver.IsDuplicateKeyError(err) {
		return run.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("mongo: create run %s: %w", r.RunID, err)
	}
	return nil
}

func (rs runStore) Get(ctx context.Context, runID string) (*run.Run, error) {
	ctx, cancel := rs.s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := rs.s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: get run %s: %w", runID, err)
	}
	return doc.toRun(), nil
}

// Update loads runID, applies patch, and writes the full document back.
// Mongo has no notion of the queue's single-active-consumer guarantee
// run.Store relies on (spec.md §5), so this is a plain read-modify-write
// rather than an atomic findAndModify; it is safe here only because the
// queue already serializes all writers to a given runID.
func (rs runStore) Update(ctx context.Context, runID string, patch func(*run.Run)) (*run.Run, error) {
	r, err := rs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	patch(r)

	ctx, cancel := rs.s.withTimeout(ctx)
	defer cancel()
	_, err = rs.s.runs.ReplaceOne(ctx, bson.M{"_id": runID}, fromRun(r))
	if err != nil {
		return nil, fmt.Errorf("mongo: update run %s: %w", runID, err)
	}
	return r, nil
}

type eventStore struct{ s *Store }

type eventDocument struct {
	ID            bson.ObjectID `bson:"_id,omitempty"`
	RunID         string        `bson:"run_id"`
	EventType     string        `bson:"event_type"`
	CorrelationID string        `bson:"correlation_id,omitempty"`
	SpecVersion   int           `bson:"spec_version"`
	EventData     []byte        `bson:"event_data,omitempty"`
	CreatedAt     time.Time     `bson:"created_at"`
}

func (es eventStore) Append(ctx context.Context, e *runlog.Event) error {
	ctx, cancel := es.s.withTimeout(ctx)
	defer cancel()
	doc := eventDocument{
		RunID:         e.RunID,
		EventType:     string(e.EventType),
		CorrelationID: e.CorrelationID,
		SpecVersion:   e.SpecVersion,
		CreatedAt:     es.s.clock().UTC(),
	}
	if len(e.EventData) > 0 {
		doc.EventData = append([]byte(nil), e.EventData...)
	}
	res, err := es.s.events.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongo: append event for run %s: %w", e.RunID, err)
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("mongo: unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	e.CreatedAt = doc.CreatedAt
	return nil
}

// AppendAndTransition implements runlog.Store. It runs the event insert and
// the run update inside one driver-managed session transaction (requires a
// replica set or sharded cluster, as Mongo transactions do) so a crash
// between the two writes can never duplicate the event or leave the run
// stuck mid-transition.
func (es eventStore) AppendAndTransition(ctx context.Context, e *runlog.Event, runID string, mutate func(*run.Run)) (*run.Run, error) {
	ctx, cancel := es.s.withTimeout(ctx)
	defer cancel()

	session, err := es.s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo: append-and-transition: start session for run %s: %w", runID, err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		doc := eventDocument{
			RunID:         e.RunID,
			EventType:     string(e.EventType),
			CorrelationID: e.CorrelationID,
			SpecVersion:   e.SpecVersion,
			CreatedAt:     es.s.clock().UTC(),
		}
		if len(e.EventData) > 0 {
			doc.EventData = append([]byte(nil), e.EventData...)
		}
		res, err := es.s.events.InsertOne(sessCtx, doc)
		if err != nil {
			return nil, fmt.Errorf("mongo: append-and-transition: insert event for run %s: %w", runID, err)
		}
		oid, ok := res.InsertedID.(bson.ObjectID)
		if !ok {
			return nil, fmt.Errorf("mongo: unexpected inserted id type %T", res.InsertedID)
		}
		e.ID = oid.Hex()
		e.CreatedAt = doc.CreatedAt

		var runDoc runDocument
		if err := es.s.runs.FindOne(sessCtx, bson.M{"_id": runID}).Decode(&runDoc); err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return nil, run.ErrNotFound
			}
			return nil, fmt.Errorf("mongo: append-and-transition: load run %s: %w", runID, err)
		}
		rec := runDoc.toRun()
		mutate(rec)

		if _, err := es.s.runs.ReplaceOne(sessCtx, bson.M{"_id": runID}, fromRun(rec)); err != nil {
			return nil, fmt.Errorf("mongo: append-and-transition: update run %s: %w", runID, err)
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	rec, _ := result.(*run.Run)
	return rec, nil
}

func (es eventStore) List(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("mongo: malformed cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	effectiveLimit := limit
	if effectiveLimit > 0 {
		findOpts.SetLimit(int64(effectiveLimit + 1))
	}

	ctx, cancel := es.s.withTimeout(ctx)
	defer cancel()
	cur, err := es.s.events.Find(ctx, filter, findOpts)
	if err != nil {
		return runlog.Page{}, fmt.Errorf("mongo: list events for run %s: %w", runID, err)
	}
	defer cur.Close(ctx)

	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return runlog.Page{}, fmt.Errorf("mongo: decode events for run %s: %w", runID, err)
	}

	var page runlog.Page
	truncated := effectiveLimit > 0 && len(docs) > effectiveLimit
	if truncated {
		docs = docs[:effectiveLimit]
	}
	for _, doc := range docs {
		ev := &runlog.Event{
			ID:            doc.ID.Hex(),
			RunID:         doc.RunID,
			EventType:     runlog.EventType(doc.EventType),
			CorrelationID: doc.CorrelationID,
			SpecVersion:   doc.SpecVersion,
			CreatedAt:     doc.CreatedAt,
		}
		if len(doc.EventData) > 0 {
			ev.EventData = append([]byte(nil), doc.EventData...)
		}
		page.Events = append(page.Events, ev)
	}
	if truncated {
		page.NextCursor = page.Events[len(page.Events)-1].ID
	}
	return page, nil
}

func (es eventStore) All(ctx context.Context, runID string) ([]*runlog.Event, error) {
	var out []*runlog.Event
	cursor := ""
	for {
		page, err := es.List(ctx, runID, cursor, 500)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
