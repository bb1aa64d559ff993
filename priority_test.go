package tide

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/notify"
)

func TestPriorityFlags(t *testing.T) {
	p := PriorityIdle | PriorityForced
	assert.True(t, p.HasFlag(PriorityIdle))
	assert.True(t, p.HasFlag(PriorityForced))
	assert.False(t, p.HasFlag(PriorityError))
	assert.Equal(t, PriorityIdle, p.Base())
	assert.Equal(t, "Idle,Forced", p.String())
	assert.Equal(t, "Normal", PriorityNormal.String())
}

func TestLockModeString(t *testing.T) {
	assert.Equal(t, "Unlock", LockModeUnlock.String())
	assert.Equal(t, "SideBySide", LockModeSideBySide.String())
}

type changeCollector struct {
	lock sync.Mutex
	got  []notify.IndexChangeType
}

func (cc *changeCollector) add(t notify.IndexChangeType) {
	cc.lock.Lock()
	cc.got = append(cc.got, t)
	cc.lock.Unlock()
}

func (cc *changeCollector) snapshot() []notify.IndexChangeType {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	out := make([]notify.IndexChangeType, len(cc.got))
	copy(out, cc.got)
	return out
}

func collectIndexChanges(t *testing.T, db *DB, name string) *changeCollector {
	t.Helper()
	cc := &changeCollector{}
	sub := db.Bus().SubscribeIndexes(func(ic notify.IndexChange) {
		if ic.Name == name && ic.Type != notify.BatchCompleted {
			cc.add(ic.Type)
		}
	})
	t.Cleanup(func() { _ = sub.Close() })
	return cc
}

func settle() { time.Sleep(100 * time.Millisecond) }

func TestSetPriorityTransitions(t *testing.T) {
	db := newTestDB(t)
	idx := newStoppedIndex(t, db, usersDefinition())
	changes := collectIndexChanges(t, db, idx.Name())

	require.NoError(t, idx.SetPriority(PriorityIdle))
	require.NoError(t, idx.SetPriority(PriorityIdle), "same priority is a no-op")
	settle()
	assert.Equal(t, []notify.IndexChangeType{notify.IndexDemotedToIdle}, changes.snapshot())

	require.NoError(t, idx.SetPriority(PriorityNormal))
	settle()
	got := changes.snapshot()
	assert.Equal(t, notify.IndexPromotedFromIdle, got[len(got)-1])

	require.NoError(t, idx.SetPriority(PriorityDisabled))
	settle()
	got = changes.snapshot()
	assert.Equal(t, notify.IndexDemotedToDisabled, got[len(got)-1])

	// Disabled -> Normal has no notification
	before := len(got)
	require.NoError(t, idx.SetPriority(PriorityNormal))
	require.NoError(t, idx.SetPriority(PriorityError))
	settle()
	got = changes.snapshot()
	assert.Equal(t, before+1, len(got))
	assert.Equal(t, notify.IndexMarkedAsErrored, got[len(got)-1])
}

func TestSetPriorityPersists(t *testing.T) {
	db := newTestDB(t)
	idx := newStoppedIndex(t, db, usersDefinition())

	require.NoError(t, idx.SetPriority(PriorityIdle|PriorityForced))

	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	assert.Equal(t, PriorityIdle|PriorityForced, idx.storage.ReadPriority(ctx))
}

func TestSetLockPersists(t *testing.T) {
	db := newTestDB(t)
	idx := newStoppedIndex(t, db, usersDefinition())

	assert.Equal(t, LockModeUnlock, idx.GetLockMode())
	require.NoError(t, idx.SetLock(LockModeLockedIgnore))
	require.NoError(t, idx.SetLock(LockModeLockedIgnore), "same mode is a no-op")
	assert.Equal(t, LockModeLockedIgnore, idx.GetLockMode())

	ctx, release := idx.contexts.AllocateOperationContext()
	defer release()
	ctx.OpenReadTransaction()
	assert.Equal(t, LockModeLockedIgnore, idx.storage.ReadLock(ctx))
}
