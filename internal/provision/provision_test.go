package provision

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmin struct {
	exists  bool
	failOn  string
	calls   []string
	sharded map[string]string
	indexes map[string][]string
}

func newFakeAdmin(exists bool) *fakeAdmin {
	return &fakeAdmin{exists: exists, sharded: map[string]string{}, indexes: map[string][]string{}}
}

func (f *fakeAdmin) step(name string) error {
	f.calls = append(f.calls, name)
	if f.failOn == name {
		return errors.New(name + " refused")
	}
	return nil
}

func (f *fakeAdmin) DatabaseName() string { return "sharded_cluster" }

func (f *fakeAdmin) DatabaseExists(context.Context) (bool, error) {
	return f.exists, f.step("exists")
}

func (f *fakeAdmin) DropDatabase(context.Context) error {
	if err := f.step("drop"); err != nil {
		return err
	}
	f.exists = false
	return nil
}

func (f *fakeAdmin) EnableSharding(context.Context) error { return f.step("enable") }

func (f *fakeAdmin) ShardCollection(_ context.Context, collection, key string) error {
	if err := f.step("shard"); err != nil {
		return err
	}
	f.sharded[collection] = key
	return nil
}

func (f *fakeAdmin) CreateIndexes(_ context.Context, collection string, fields ...string) error {
	if err := f.step("index"); err != nil {
		return err
	}
	f.indexes[collection] = fields
	return nil
}

var testConfig = Config{
	RawCollection: "raw_vessels",
	ShardKey:      "mmsi",
	Indexes:       []string{"mmsi", "rot", "sog", "cog", "heading"},
}

func TestProvision_DropsExistingDatabase(t *testing.T) {
	admin := newFakeAdmin(true)
	rep, err := New(admin, testConfig).Provision(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Dropped)
	assert.True(t, rep.Sharded)
	assert.Equal(t, []string{"exists", "drop", "enable", "shard", "index"}, admin.calls)
	assert.Equal(t, "mmsi", admin.sharded["raw_vessels"])
	assert.Equal(t, testConfig.Indexes, admin.indexes["raw_vessels"])
}

func TestProvision_FreshCluster(t *testing.T) {
	admin := newFakeAdmin(false)
	rep, err := New(admin, testConfig).Provision(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Dropped)
	assert.Equal(t, []string{"exists", "enable", "shard", "index"}, admin.calls)
}

func TestProvision_Idempotent(t *testing.T) {
	admin := newFakeAdmin(true)
	p := New(admin, testConfig)
	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	admin.exists = true // the database reappears once data is written
	admin.calls = nil
	_, err = p.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"exists", "drop", "enable", "shard", "index"}, admin.calls)
}

func TestProvision_FailuresAreFatal(t *testing.T) {
	for _, step := range []string{"exists", "drop", "enable", "shard", "index"} {
		t.Run(step, func(t *testing.T) {
			admin := newFakeAdmin(true)
			admin.failOn = step

			_, err := New(admin, testConfig).Provision(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProvisioning)
			assert.Equal(t, step, admin.calls[len(admin.calls)-1], "no step may run after a failure")

			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Contains(t, perr.Err.Error(), "refused")
		})
	}
}

func TestProvision_SkipSharding(t *testing.T) {
	admin := newFakeAdmin(false)
	cfg := testConfig
	cfg.SkipSharding = true

	rep, err := New(admin, cfg).Provision(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Sharded)
	assert.Equal(t, []string{"exists", "index"}, admin.calls)
}
