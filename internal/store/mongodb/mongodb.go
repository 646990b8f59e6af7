// Package mongodb provides a durable job store backed by MongoDB.  Jobs
// survive orchestrator restarts, which is what lets cleanup resume for
// resources a crashed process left behind.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

const (
	collectionName     = "jobs"
	createIndexTimeout = 10 * time.Second
	// maxUpdateAttempts bounds optimistic-concurrency retries in Update.
	maxUpdateAttempts = 10
)

// Compile-time check.
var _ store.Store = (*Store)(nil)

// document is the stored form of a job.  Active mirrors !State.IsTerminal()
// so a partial unique index can enforce one active job per kind and name.
// Version increments on every write.
type document struct {
	job.Job `bson:",inline"`
	Active  bool  `bson:"active"`
	Version int64 `bson:"version"`
}

// Store is a store.Store over a single MongoDB collection.
type Store struct {
	collection *mongo.Collection
	clock      clock.PassiveClock
}

// Connect opens a client for uri and returns the named database.  The
// client favors consistency over speed.
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*mongo.Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(
		connectCtx,
		options.Client().
			ApplyURI(uri).
			SetWriteConcern(writeconcern.Majority()).
			SetReadConcern(readconcern.Majority()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	return client.Database(database), nil
}

// New returns a store over database's jobs collection, creating its
// indexes.  A nil clock uses the real clock.
func New(ctx context.Context, database *mongo.Database, c clock.PassiveClock) (*Store, error) {
	if c == nil {
		c = clock.RealClock{}
	}

	ctx, cancel := context.WithTimeout(ctx, createIndexTimeout)
	defer cancel()

	collection := database.Collection(collectionName)
	if _, err := collection.Indexes().CreateMany(
		ctx,
		[]mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			// At most one active job per kind and name.
			{
				Keys: bson.D{{Key: "kind", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"active": true}),
			},
			{
				Keys: bson.D{{Key: "kind", Value: 1}, {Key: "state", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "created_at", Value: 1}},
			},
		},
	); err != nil {
		return nil, fmt.Errorf("adding indexes to %s collection: %w", collectionName, err)
	}

	return &Store{collection: collection, clock: c}, nil
}

// Ping checks that the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}

func (s *Store) Create(ctx context.Context, j job.Job) error {
	if j.ID == "" {
		return job.NewValidationError("job id is required")
	}
	now := s.clock.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	doc := document{Job: j, Active: j.Active(), Version: 1}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.alreadyInProgress(ctx, j)
		}
		return fmt.Errorf("inserting job %q: %w", j.ID, err)
	}
	return nil
}

// alreadyInProgress resolves which job blocked an insert.
func (s *Store) alreadyInProgress(ctx context.Context, j job.Job) error {
	aip := &job.AlreadyInProgressError{Kind: j.Kind, Name: j.Name}
	var existing document
	err := s.collection.FindOne(ctx, bson.M{"kind": j.Kind, "name": j.Name, "active": true}).Decode(&existing)
	if err == nil {
		aip.ID = existing.ID
	}
	return aip
}

func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	return doc.Job, nil
}

func (s *Store) get(ctx context.Context, id string) (document, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, &job.NotFoundError{Type: "job", ID: id}
	}
	if err != nil {
		return doc, fmt.Errorf("finding job %q: %w", id, err)
	}
	return doc, nil
}

// Update reads the job, applies mutate and writes it back only if no other
// writer bumped the version in between, retrying otherwise.
func (s *Store) Update(ctx context.Context, id string, mutate func(*job.Job) error) (job.Job, error) {
	for range maxUpdateAttempts {
		before, err := s.get(ctx, id)
		if err != nil {
			return job.Job{}, err
		}

		after := before.Job.Clone()
		if err := mutate(&after); err != nil {
			return before.Job, err
		}
		if err := store.CheckUpdate(before.Job, after); err != nil {
			return before.Job, err
		}
		after.UpdatedAt = s.clock.Now()

		next := document{Job: after, Active: after.Active(), Version: before.Version + 1}
		res, err := s.collection.ReplaceOne(ctx, bson.M{"id": id, "version": before.Version}, next)
		if err != nil {
			return before.Job, fmt.Errorf("replacing job %q: %w", id, err)
		}
		if res.MatchedCount == 1 {
			return after, nil
		}
		if err := ctx.Err(); err != nil {
			return before.Job, err
		}
	}
	return job.Job{}, fmt.Errorf("updating job %q: too many concurrent modifications", id)
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]job.Job, error) {
	criteria := bson.M{}
	if f.Kind != "" {
		criteria["kind"] = f.Kind
	}
	if f.Name != "" {
		criteria["name"] = f.Name
	}
	if len(f.States) > 0 {
		criteria["state"] = bson.M{"$in": f.States}
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	cur, err := s.collection.Find(ctx, criteria, findOptions)
	if err != nil {
		return nil, fmt.Errorf("finding jobs: %w", err)
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding jobs: %w", err)
	}

	out := make([]job.Job, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Job)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	doc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := store.CheckDelete(doc.Job); err != nil {
		return err
	}
	res, err := s.collection.DeleteOne(ctx, bson.M{"id": id, "version": doc.Version})
	if err != nil {
		return fmt.Errorf("deleting job %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("deleting job %q: modified concurrently", id)
	}
	return nil
}
