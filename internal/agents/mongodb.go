package agents

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	agentsCollection   = "agents"
	statusActive       = "active"
	createIndexTimeout = 10 * time.Second
)

// Mongo reads the roster from the agents collection.  Documents carry an
// id, an image and a status; only status "active" is listed.
type Mongo struct {
	collection *mongo.Collection
}

// Compile-time check.
var _ Repository = (*Mongo)(nil)

// NewMongo returns a repository over database's agents collection.
func NewMongo(ctx context.Context, database *mongo.Database) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, createIndexTimeout)
	defer cancel()

	collection := database.Collection(agentsCollection)
	if _, err := collection.Indexes().CreateMany(
		ctx,
		[]mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "status", Value: 1}},
			},
		},
	); err != nil {
		return nil, fmt.Errorf("adding indexes to %s collection: %w", agentsCollection, err)
	}
	return &Mongo{collection: collection}, nil
}

func (m *Mongo) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	cur, err := m.collection.Find(
		ctx,
		bson.M{"status": statusActive, "image": bson.M{"$ne": ""}},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("finding active agents: %w", err)
	}
	out := []Agent{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding agents: %w", err)
	}
	return out, nil
}

// Upsert registers or updates an agent.  It is used by tooling and tests;
// the orchestrator itself never writes the roster.
func (m *Mongo) Upsert(ctx context.Context, a Agent, active bool) error {
	status := "inactive"
	if active {
		status = statusActive
	}
	_, err := m.collection.UpdateOne(
		ctx,
		bson.M{"id": a.ID},
		bson.M{"$set": bson.M{"id": a.ID, "image": a.Image, "status": status}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upserting agent %q: %w", a.ID, err)
	}
	return nil
}
