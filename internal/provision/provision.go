// Package provision resets the target database and shards the raw collection
// before ingestion starts.
package provision

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrProvisioning wraps every provisioning failure. Ingestion must not start
// after it is returned.
var ErrProvisioning = errors.New("provisioning failed")

// Admin is the subset of cluster administration the provisioner needs.
type Admin interface {
	DatabaseName() string
	DatabaseExists(ctx context.Context) (bool, error)
	DropDatabase(ctx context.Context) error
	EnableSharding(ctx context.Context) error
	ShardCollection(ctx context.Context, collection, key string) error
	CreateIndexes(ctx context.Context, collection string, fields ...string) error
}

// Config selects the collection to shard and its indexes.
type Config struct {
	RawCollection string
	ShardKey      string
	Indexes       []string
	// SkipSharding leaves out enableSharding/shardCollection, for standalone
	// development servers that do not run behind mongos.
	SkipSharding bool
}

// Provisioner performs the destructive reset of the target database.
type Provisioner struct {
	admin Admin
	cfg   Config
}

func New(admin Admin, cfg Config) *Provisioner {
	return &Provisioner{admin: admin, cfg: cfg}
}

// Report describes what Provision did.
type Report struct {
	Dropped bool
	Sharded bool
}

// Provision drops the database if it exists, enables sharding, declares the
// shard key on the raw collection and creates its indexes. It destroys any
// data in the database.
func (p *Provisioner) Provision(ctx context.Context) (Report, error) {
	var rep Report
	db := p.admin.DatabaseName()
	logger := log.WithField("database", db)

	exists, err := p.admin.DatabaseExists(ctx)
	if err != nil {
		return rep, fail(err, "check database")
	}
	if exists {
		if err := p.admin.DropDatabase(ctx); err != nil {
			return rep, fail(err, "drop database")
		}
		rep.Dropped = true
		logger.Warn("Dropped existing database")
	}

	if p.cfg.SkipSharding {
		logger.Warn("Sharding disabled by configuration; raw collection will not be sharded")
	} else {
		if err := p.admin.EnableSharding(ctx); err != nil {
			return rep, fail(err, "enable sharding")
		}
		if err := p.admin.ShardCollection(ctx, p.cfg.RawCollection, p.cfg.ShardKey); err != nil {
			return rep, fail(err, "shard collection")
		}
		rep.Sharded = true
		logger.WithField("collection", p.cfg.RawCollection).
			WithField("key", p.cfg.ShardKey).
			Info("Sharded raw collection")
	}

	if err := p.admin.CreateIndexes(ctx, p.cfg.RawCollection, p.cfg.Indexes...); err != nil {
		return rep, fail(err, "create raw indexes")
	}
	return rep, nil
}

// Error records the provisioning step that failed. errors.Is(err, ErrProvisioning) holds for it.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return ErrProvisioning.Error() + ": " + e.Step + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrProvisioning
}

func fail(err error, step string) error {
	return &Error{Step: step, Err: err}
}
