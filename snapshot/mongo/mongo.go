// Package mongo implements snapshot.Store backed by MongoDB, for durable
// cross-restart persistence of run snapshots.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/stepflow/stepflow/snapshot"
)

const (
	defaultCollection = "workflow_snapshots"
	defaultOpTimeout   = 5 * time.Second
)

// Options configures the Mongo-backed snapshot Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements snapshot.Store against a MongoDB collection, one document
// per (workflowId, runId) pair, keyed by a compound unique index.
type Store struct {
	client  *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB, ensuring the collection's indexes
// exist before returning.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("snapshot/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("snapshot/mongo: database is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collectionName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{client: opts.Client, coll: coll, timeout: timeout}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Name identifies this client for a health.Pinger-style registry.
func (s *Store) Name() string { return "snapshot-mongo" }

// Ping verifies connectivity to MongoDB.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

type document struct {
	WorkflowID string `bson:"workflow_id"`
	RunID      string `bson:"run_id"`
	Sequence   int64  `bson:"sequence"`
	Snapshot   bson.Raw `bson:"snapshot"`
}

// Persist upserts s, skipping the write if the stored document already has
// a greater Sequence (idempotent, last-writer-wins; an equal Sequence
// overwrites).
func (s *Store) Persist(ctx context.Context, snap *snapshot.Snapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := bson.Marshal(snap)
	if err != nil {
		return err
	}
	filter := bson.M{
		"workflow_id": snap.WorkflowID,
		"run_id":      snap.RunID,
		"sequence":    bson.M{"$lte": snap.Sequence},
	}
	update := bson.M{
		"$set": document{
			WorkflowID: snap.WorkflowID,
			RunID:      snap.RunID,
			Sequence:   snap.Sequence,
			Snapshot:   raw,
		},
	}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongodriver.IsDuplicateKeyError(err) {
		// Another writer already persisted a newer sequence; the
		// upsert filter excluded this document, which is the expected
		// last-writer-wins outcome, not a failure.
		return nil
	}
	return err
}

// Load retrieves the snapshot for workflowID/runID, or snapshot.ErrNotFound.
func (s *Store) Load(ctx context.Context, workflowID, runID string) (*snapshot.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc document
	err := s.coll.FindOne(ctx, bson.M{"workflow_id": workflowID, "run_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot.Snapshot
	if err := bson.Unmarshal(doc.Snapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns snapshots for workflowID matching filter, most recently
// updated first, plus the total count before pagination.
func (s *Store) List(ctx context.Context, workflowID string, filter snapshot.ListFilter) ([]*snapshot.Snapshot, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := bson.M{"workflow_id": workflowID}
	if filter.ResourceID != "" {
		query["snapshot.resourceid"] = filter.ResourceID
	}
	if filter.Status != "" {
		query["snapshot.status"] = string(filter.Status)
	}

	total, err := s.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "snapshot.timestamp", Value: -1}})
	if filter.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(filter.Offset))
	}

	cur, err := s.coll.Find(ctx, query, findOpts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var out []*snapshot.Snapshot
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		var snap snapshot.Snapshot
		if err := bson.Unmarshal(doc.Snapshot, &snap); err != nil {
			return nil, 0, err
		}
		out = append(out, &snap)
	}
	if err := cur.Err(); err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

// ClearAll deletes every snapshot for workflowID. Test utility per §4.2.
func (s *Store) ClearAll(ctx context.Context, workflowID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"workflow_id": workflowID})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
