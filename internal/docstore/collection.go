package docstore

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ais_pipeline/internal/ais"
)

// Collection wraps a MongoDB collection of vessel observations.
type Collection struct {
	coll *mongo.Collection
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.coll.Name()
}

// InsertMany inserts docs in one ordered bulk write and returns the assigned _id values.
func (c *Collection) InsertMany(ctx context.Context, docs []any) ([]any, error) {
	res, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return nil, errors.Wrapf(err, "insert into %s", c.Name())
	}
	return res.InsertedIDs, nil
}

// Exists reports whether the collection has been created.
func (c *Collection) Exists(ctx context.Context) (bool, error) {
	names, err := c.coll.Database().ListCollectionNames(ctx, bson.D{{Key: "name", Value: c.Name()}})
	if err != nil {
		return false, errors.Wrap(err, "list collections")
	}
	return len(names) > 0, nil
}

// Drop removes the collection.
func (c *Collection) Drop(ctx context.Context) error {
	return errors.Wrapf(c.coll.Drop(ctx), "drop %s", c.Name())
}

// CreateIndexes creates one ascending index per field.
func (c *Collection) CreateIndexes(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, len(fields))
	for i, f := range fields {
		models[i] = mongo.IndexModel{Keys: bson.D{{Key: f, Value: 1}}}
	}
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return errors.Wrapf(err, "create indexes on %s", c.Name())
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, bson.D{})
	return n, errors.Wrapf(err, "count %s", c.Name())
}

// LowCountPipeline groups observations by vessel and keeps vessels with fewer
// than threshold observations.
func LowCountPipeline(threshold int) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + ais.FieldMMSI},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$match", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$lt", Value: threshold}}},
		}}},
	}
}

// MissingSensorFilter matches observations where any sensor field is null,
// absent or NaN.
func MissingSensorFilter() bson.D {
	clauses := make(bson.A, len(ais.SensorFields))
	for i, f := range ais.SensorFields {
		clauses[i] = bson.D{{Key: f, Value: bson.D{{Key: "$in", Value: bson.A{nil, math.NaN()}}}}}
	}
	return bson.D{{Key: "$or", Value: clauses}}
}

// ExcludingFilter matches observations whose vessel is not in excluded.
func ExcludingFilter(excluded []int64) bson.D {
	if excluded == nil {
		excluded = []int64{}
	}
	return bson.D{{Key: ais.FieldMMSI, Value: bson.D{{Key: "$nin", Value: excluded}}}}
}

// EntitySort orders observations by vessel then time, ascending.
func EntitySort() bson.D {
	return bson.D{{Key: ais.FieldMMSI, Value: 1}, {Key: ais.FieldTimestamp, Value: 1}}
}

// LowCountEntities returns vessels with fewer than threshold observations.
func (c *Collection) LowCountEntities(ctx context.Context, threshold int) ([]int64, error) {
	cur, err := c.coll.Aggregate(ctx, LowCountPipeline(threshold), options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate low-count vessels in %s", c.Name())
	}
	defer cur.Close(ctx)

	var out []int64
	for cur.Next(ctx) {
		var row struct {
			ID    any `bson:"_id"`
			Count int `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, errors.Wrap(err, "decode group")
		}
		id, err := toInt64(row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, errors.Wrap(cur.Err(), "iterate groups")
}

// EntitiesWithMissingSensor returns vessels having at least one observation
// with a missing sensor reading.
func (c *Collection) EntitiesWithMissingSensor(ctx context.Context) ([]int64, error) {
	values, err := c.coll.Distinct(ctx, ais.FieldMMSI, MissingSensorFilter())
	if err != nil {
		return nil, errors.Wrapf(err, "distinct vessels with missing sensors in %s", c.Name())
	}
	out := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// FindExcluding streams observations of vessels not in excluded, batchSize
// documents per round trip.
func (c *Collection) FindExcluding(ctx context.Context, excluded []int64, batchSize int32) (*mongo.Cursor, error) {
	opts := options.Find()
	if batchSize > 0 {
		opts.SetBatchSize(batchSize)
	}
	cur, err := c.coll.Find(ctx, ExcludingFilter(excluded), opts)
	return cur, errors.Wrapf(err, "find in %s", c.Name())
}

// FindSorted streams every observation ordered by vessel then time.
func (c *Collection) FindSorted(ctx context.Context, batchSize int32) (*mongo.Cursor, error) {
	opts := options.Find().SetSort(EntitySort()).SetAllowDiskUse(true)
	if batchSize > 0 {
		opts.SetBatchSize(batchSize)
	}
	cur, err := c.coll.Find(ctx, bson.D{}, opts)
	return cur, errors.Wrapf(err, "sorted find in %s", c.Name())
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int64(n), nil
		}
	}
	return 0, errors.Errorf("unexpected vessel key %v (%T)", v, v)
}
