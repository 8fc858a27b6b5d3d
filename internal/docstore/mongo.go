// Package docstore wraps the MongoDB cluster holding the raw and processed
// vessel collections.
package docstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"ais_pipeline/internal/batch"
)

// Config holds MongoDB connection settings.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

// DefaultConfig returns the settings of a local mongos router.
func DefaultConfig() Config {
	return Config{
		URI:            "mongodb://0.0.0.0:27017/",
		Database:       "sharded_cluster",
		ConnectTimeout: 10 * time.Second,
		MaxPoolSize:    16,
	}
}

// Client is a connection to one database of the cluster.
type Client struct {
	client   *mongo.Client
	database string
}

// Open connects to MongoDB and pings the primary.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}

	// Test the connection.
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}

	return &Client{client: client, database: cfg.Database}, nil
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// DatabaseName returns the configured database name.
func (c *Client) DatabaseName() string {
	return c.database
}

func (c *Client) db() *mongo.Database {
	return c.client.Database(c.database)
}

// Collection returns a handle on the named collection.
func (c *Client) Collection(name string) *Collection {
	return &Collection{coll: c.db().Collection(name)}
}

// Inserter returns the named collection as a bulk insert target.
func (c *Client) Inserter(name string) batch.Inserter {
	return c.Collection(name)
}

// DatabaseExists reports whether the configured database is listed by the server.
func (c *Client) DatabaseExists(ctx context.Context) (bool, error) {
	names, err := c.client.ListDatabaseNames(ctx, bson.D{{Key: "name", Value: c.database}})
	if err != nil {
		return false, errors.Wrap(err, "list databases")
	}
	return len(names) > 0, nil
}

// DropDatabase drops the configured database and every collection in it.
func (c *Client) DropDatabase(ctx context.Context) error {
	return errors.Wrapf(c.db().Drop(ctx), "drop database %s", c.database)
}

// EnableSharding enables sharding on the configured database.
func (c *Client) EnableSharding(ctx context.Context) error {
	cmd := bson.D{{Key: "enableSharding", Value: c.database}}
	err := c.client.Database("admin").RunCommand(ctx, cmd).Err()
	return errors.Wrapf(err, "enable sharding on %s", c.database)
}

// ShardCollection declares an ascending range shard key on a collection.
func (c *Client) ShardCollection(ctx context.Context, collection, key string) error {
	cmd := bson.D{
		{Key: "shardCollection", Value: c.database + "." + collection},
		{Key: "key", Value: bson.D{{Key: key, Value: 1}}},
	}
	err := c.client.Database("admin").RunCommand(ctx, cmd).Err()
	return errors.Wrapf(err, "shard collection %s.%s on %s", c.database, collection, key)
}

// CreateIndexes creates one ascending single-field index per field.
func (c *Client) CreateIndexes(ctx context.Context, collection string, fields ...string) error {
	return c.Collection(collection).CreateIndexes(ctx, fields...)
}

// CollectionExists reports whether the named collection exists.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	names, err := c.db().ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, errors.Wrap(err, "list collections")
	}
	return len(names) > 0, nil
}
