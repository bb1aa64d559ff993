package tide

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/tide_errors"
)

func testEnv(t *testing.T) *storageEnv {
	t.Helper()
	env, err := openStorageEnv("idx-test", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestSchemaVersionMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	env, err := openStorageEnv(path, false)
	require.NoError(t, err)

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], SchemaVersion+1)
	require.NoError(t, env.db.Set(keySchema, be[:], &indexWriteOptions))
	require.NoError(t, env.Close())

	_, err = openStorageEnv(path, false)
	assert.ErrorIs(t, err, tide_errors.ErrSchemaVersionMismatch)
}

func TestEtagRoundtrip(t *testing.T) {
	env := testEnv(t)
	storage := newIndexStorage(env)
	pool := newIndexContextPool(env)

	ctx, release := pool.AllocateOperationContext()
	defer release()

	ctx.OpenWriteTransaction()
	require.NoError(t, storage.WriteLastMappedEtag(ctx, "Users", 42))
	require.NoError(t, storage.WriteLastProcessedTombstoneEtag(ctx, "Users", 17))
	require.NoError(t, ctx.Commit())

	ctx.OpenReadTransaction()
	assert.Equal(t, uint64(42), storage.ReadLastMappedEtag(ctx, "Users"))
	assert.Equal(t, uint64(42), storage.ReadLastMappedEtag(ctx, "users"))
	assert.Equal(t, uint64(17), storage.ReadLastProcessedTombstoneEtag(ctx, "USERS"))
	assert.Equal(t, uint64(0), storage.ReadLastMappedEtag(ctx, "Orders"))
}

func TestUncommittedWritesAreDiscarded(t *testing.T) {
	env := testEnv(t)
	storage := newIndexStorage(env)
	pool := newIndexContextPool(env)

	ctx, release := pool.AllocateOperationContext()
	ctx.OpenWriteTransaction()
	require.NoError(t, storage.WriteLastMappedEtag(ctx, "Users", 42))
	release() // dropped, not committed

	ctx, release = pool.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	assert.Equal(t, uint64(0), storage.ReadLastMappedEtag(ctx, "Users"))
}

func TestPriorityAndLockRoundtrip(t *testing.T) {
	env := testEnv(t)
	storage := newIndexStorage(env)
	pool := newIndexContextPool(env)

	ctx, release := pool.AllocateOperationContext()
	defer release()

	ctx.OpenReadTransaction()
	assert.Equal(t, PriorityNormal, storage.ReadPriority(ctx))
	assert.Equal(t, LockModeUnlock, storage.ReadLock(ctx))
	ctx.Reset()

	ctx.OpenWriteTransaction()
	require.NoError(t, storage.WritePriority(ctx, PriorityIdle|PriorityForced))
	require.NoError(t, storage.WriteLock(ctx, LockModeLockedError))
	require.NoError(t, ctx.Commit())

	ctx.OpenReadTransaction()
	assert.Equal(t, PriorityIdle|PriorityForced, storage.ReadPriority(ctx))
	assert.Equal(t, LockModeLockedError, storage.ReadLock(ctx))
}

func TestUpdateStatsAccumulates(t *testing.T) {
	env := testEnv(t)
	storage := newIndexStorage(env)
	pool := newIndexContextPool(env)

	start := time.Now()
	for i := 0; i < 3; i++ {
		ctx, release := pool.AllocateOperationContext()
		ctx.OpenWriteTransaction()
		require.NoError(t, storage.UpdateStats(ctx, start, time.Second, &BatchStats{
			MapAttempts:         10,
			MapSuccesses:        9,
			MapErrors:           1,
			TombstonesProcessed: 2,
			AnalyzerErrors:      1,
		}))
		require.NoError(t, ctx.Commit())
		release()
	}

	ctx, release := pool.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	stats, err := storage.ReadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.IndexingBatches)
	assert.Equal(t, uint64(30), stats.MapAttempts)
	assert.Equal(t, uint64(27), stats.MapSuccesses)
	assert.Equal(t, uint64(3), stats.MapErrors)
	assert.Equal(t, uint64(6), stats.TombstonesProcessed)
	assert.Equal(t, uint64(3), stats.AnalyzerErrors)
	assert.Equal(t, start.Add(time.Second).Unix(), stats.LastIndexingTime.Unix())
}

func TestErrorRingIsBounded(t *testing.T) {
	env := testEnv(t)
	storage := newIndexStorage(env)
	pool := newIndexContextPool(env)

	for seq := uint64(1); seq <= errorsRingSize+10; seq++ {
		ctx, release := pool.AllocateOperationContext()
		ctx.OpenWriteTransaction()
		require.NoError(t, storage.RecordError(ctx, seq, "Write", fmt.Errorf("failure %d", seq)))
		require.NoError(t, ctx.Commit())
		release()
	}

	ctx, release := pool.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	errs, err := storage.ReadErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, errorsRingSize)
	// chronological: the oldest surviving entry first
	assert.Equal(t, "failure 11", errs[0].Message)
	assert.Equal(t, fmt.Sprintf("failure %d", errorsRingSize+10), errs[len(errs)-1].Message)

	assert.Equal(t, uint64(errorsRingSize+10), storage.lastErrorSeq())
}

func TestDefinitionRoundtrip(t *testing.T) {
	env := testEnv(t)
	storage := newIndexStorage(env)
	pool := newIndexContextPool(env)

	def := &AutoMapDefinition{
		IndexName: "Auto/Users/ByNameAndCity",
		For:       []string{"Users"},
		Fields:    []string{"name", "city"},
	}

	ctx, release := pool.AllocateOperationContext()
	defer release()
	ctx.OpenWriteTransaction()
	require.NoError(t, storage.WriteDefinition(ctx, def))
	require.NoError(t, ctx.Commit())

	typ, err := storage.readIndexType(env.db)
	require.NoError(t, err)
	assert.Equal(t, IndexTypeAutoMap, typ)

	ctx.OpenReadTransaction()
	got, err := storage.ReadDefinition(ctx)
	require.NoError(t, err)
	assert.Equal(t, def.Name(), got.Name())
	assert.Equal(t, def.StableHash(), got.StableHash())
}

func TestDefinitionStableHash(t *testing.T) {
	def := &AutoMapDefinition{IndexName: "Auto/Users", For: []string{"Users"}, Fields: []string{"name"}}
	same := &AutoMapDefinition{IndexName: "Auto/Users", For: []string{"users"}, Fields: []string{"NAME"}}
	other := &AutoMapDefinition{IndexName: "Auto/Users", For: []string{"Users"}, Fields: []string{"city"}}

	assert.Equal(t, def.StableHash(), same.StableHash(), "hash folds case")
	assert.NotEqual(t, def.StableHash(), other.StableHash())
}
