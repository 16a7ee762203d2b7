package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlane/fundlane/pkg/model"
)

var testCtx = context.TODO()

func openBadger(t *testing.T) *Badger {
	t.Helper()

	db, err := NewBadger(&Config{Dir: t.TempDir()})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	return db
}

func TestNewBadger(t *testing.T) {
	dir := t.TempDir()

	db, err := NewBadger(&Config{Dir: dir})
	require.NoError(t, err)

	err = db.Close()
	assert.NoError(t, err)
}

func TestBadger_Version(t *testing.T) {
	db := openBadger(t)

	ver, err := db.Version()
	assert.NoError(t, err)
	assert.Equal(t, CurrentVersion, ver)
}

func TestBadger_CreateDuplicate(t *testing.T) {
	db := openBadger(t)

	err := db.Create(testCtx, "pledge:1", map[string]string{"email": "a@x"}, 0)
	assert.NoError(t, err)

	err = db.Create(testCtx, "pledge:1", map[string]string{"email": "b@x"}, 0)
	assert.Equal(t, model.ErrAlreadyExists, err)
}

func TestBadger_PutGet(t *testing.T) {
	db := openBadger(t)

	in := map[string]int{"claimed": 3}
	err := db.Put(testCtx, "tier-inventory:zine", in, 0)
	require.NoError(t, err)

	out := map[string]int{}
	err = db.Get(testCtx, "tier-inventory:zine", &out)
	assert.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBadger_GetMissing(t *testing.T) {
	db := openBadger(t)

	var out string
	err := db.Get(testCtx, "missing", &out)
	assert.Equal(t, model.ErrNotFound, err)
}

func TestBadger_Delete(t *testing.T) {
	db := openBadger(t)

	require.NoError(t, db.Put(testCtx, "stats:zine", 1, 0))
	require.NoError(t, db.Delete(testCtx, "stats:zine"))

	var out int
	err := db.Get(testCtx, "stats:zine", &out)
	assert.Equal(t, model.ErrNotFound, err)

	// Deleting a missing key is not an error
	assert.NoError(t, db.Delete(testCtx, "stats:zine"))
}

func TestBadger_Walk(t *testing.T) {
	db := openBadger(t)

	require.NoError(t, db.Put(testCtx, "pledge:1", "a", 0))
	require.NoError(t, db.Put(testCtx, "pledge:2", "b", 0))
	require.NoError(t, db.Put(testCtx, "stats:zine", "c", 0))

	var keys []string
	err := db.Walk(testCtx, "pledge:", func(key string, data []byte) error {
		keys = append(keys, key)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"pledge:1", "pledge:2"}, keys)
}

func TestBadger_TTL(t *testing.T) {
	db := openBadger(t)

	err := db.Put(testCtx, "stripe-event:evt_1", true, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	var out bool
	err = db.Get(testCtx, "stripe-event:evt_1", &out)
	assert.Equal(t, model.ErrNotFound, err)
}

func TestBadger_Incr(t *testing.T) {
	db := openBadger(t)

	for i := int64(1); i <= 3; i++ {
		count, err := db.Incr(testCtx, "rate:checkout:1.2.3.4:100", time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, i, count)
	}
}
