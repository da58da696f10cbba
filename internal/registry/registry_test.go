package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fulanowo/maim-message/pkg/errors"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func rec(uuid, user, platform string) Record {
	return Record{
		UUID:          uuid,
		UserID:        user,
		Platform:      platform,
		APIKey:        user,
		EstablishedAt: time.Now(),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(zap.NewNop())
	c := &fakeConn{}

	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), c))

	targets := r.Lookup("u1", "wechat")
	require.Len(t, targets, 1)
	assert.Equal(t, "c1", targets[0].Record.UUID)
	assert.Same(t, c, targets[0].Conn.(*fakeConn))

	assert.Empty(t, r.Lookup("u1", "qq"))
	assert.Empty(t, r.Lookup("u2", "wechat"))

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
}

func TestRegisterDuplicateUUID(t *testing.T) {
	r := New(zap.NewNop())

	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))
	err := r.Register(rec("c1", "u2", "qq"), &fakeConn{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateConnection))

	// The failed insert must not disturb the original entry.
	targets := r.Lookup("u1", "wechat")
	require.Len(t, targets, 1)
	assert.Empty(t, r.Lookup("u2", "qq"))
}

func TestDuplicateUserPlatformPair(t *testing.T) {
	r := New(zap.NewNop())

	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c2", "u1", "wechat"), &fakeConn{}))

	targets := r.Lookup("u1", "wechat")
	assert.Len(t, targets, 2)
	assert.Equal(t, Stats{Users: 1, Connections: 2}, r.Stats())
}

func TestUnregisterPrunesEmptyBuckets(t *testing.T) {
	r := New(zap.NewNop())

	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c2", "u1", "qq"), &fakeConn{}))

	got, ok := r.Unregister("c1")
	require.True(t, ok)
	assert.Equal(t, "wechat", got.Platform)

	// The wechat bucket is gone but the user survives through qq.
	assert.Empty(t, r.Lookup("u1", "wechat"))
	assert.Len(t, r.Lookup("u1", "qq"), 1)
	assert.Equal(t, Stats{Users: 1, Connections: 1}, r.Stats())

	_, ok = r.Unregister("c2")
	require.True(t, ok)
	assert.Equal(t, Stats{Users: 0, Connections: 0}, r.Stats())

	_, ok = r.Unregister("c2")
	assert.False(t, ok, "second removal of the same uuid is a no-op")
}

func TestLookupSnapshotIsolation(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))

	targets := r.Lookup("u1", "wechat")
	require.Len(t, targets, 1)

	_, ok := r.Unregister("c1")
	require.True(t, ok)

	// The snapshot taken before the removal is still intact.
	assert.Equal(t, "c1", targets[0].Record.UUID)
	require.NoError(t, targets[0].Conn.WriteFrame([]byte("late frame")))
}

func TestLookupUser(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c2", "u1", "qq"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c3", "u2", "wechat"), &fakeConn{}))

	targets := r.LookupUser("u1")
	require.Len(t, targets, 2)
	for _, tg := range targets {
		assert.Equal(t, "u1", tg.Record.UserID)
	}
	assert.Empty(t, r.LookupUser("u3"))
}

func TestSnapshotAll(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c2", "u1", "qq"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c3", "u2", "wechat"), &fakeConn{}))

	assert.Len(t, r.SnapshotAll(""), 3)
	assert.Len(t, r.SnapshotAll("wechat"), 2)
	assert.Len(t, r.SnapshotAll("telegram"), 0)
}

func TestTotals(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Register(rec("c1", "u1", "wechat"), &fakeConn{}))
	require.NoError(t, r.Register(rec("c2", "u1", "wechat"), &fakeConn{}))
	r.Unregister("c1")

	assert.Equal(t, int64(2), r.TotalRegistered())
	assert.Equal(t, int64(1), r.TotalUnregistered())
}

func TestConcurrentChurn(t *testing.T) {
	r := New(zap.NewNop())

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				uuid := fmt.Sprintf("c-%d-%d", w, i)
				user := fmt.Sprintf("u-%d", w%3)
				if err := r.Register(rec(uuid, user, "wechat"), &fakeConn{}); err != nil {
					t.Error(err)
					return
				}
				r.Lookup(user, "wechat")
				if _, ok := r.Unregister(uuid); !ok {
					t.Errorf("uuid %s vanished", uuid)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, Stats{Users: 0, Connections: 0}, r.Stats())
	assert.Equal(t, int64(workers*perWorker), r.TotalRegistered())
	assert.Equal(t, r.TotalRegistered(), r.TotalUnregistered())
}
