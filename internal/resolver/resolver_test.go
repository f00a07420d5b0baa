package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-cache/internal/db"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/nextbus/nextbustest"
	"transit-cache/internal/router"
)

type recordingNotifier struct {
	mu    sync.Mutex
	addrs []string
}

func (n *recordingNotifier) Notify(addr router.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addrs = append(n.addrs, addr.String())
}

func (n *recordingNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.addrs...)
}

func newStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func newResolver(t *testing.T, memo int) (*Resolver, *db.Store, *nextbustest.Feed, *recordingNotifier) {
	t.Helper()
	store := newStore(t)
	feed := nextbustest.New()
	n := &recordingNotifier{}
	r, err := New(store, feed, memo, n, nil)
	require.NoError(t, err)
	return r, store, feed, n
}

func count(t *testing.T, store *db.Store, level nextbus.Level, sc nextbus.Scope) int {
	t.Helper()
	n, err := store.Count(context.Background(), level, sc)
	require.NoError(t, err)
	return n
}

var route506 = nextbus.Scope{Agency: "ttc", Route: "506"}

func TestEnsureFillsOnlyRequestedChain(t *testing.T) {
	ctx := context.Background()
	r, store, feed, _ := newResolver(t, 128)

	require.NoError(t, r.Ensure(ctx, nextbus.LevelDirection, route506))

	assert.Equal(t, 1, feed.Calls("agencies"))
	assert.Equal(t, 1, feed.Calls("routes:ttc"))
	assert.Equal(t, 1, feed.Calls("config:ttc/506"))
	assert.Equal(t, 3, feed.TotalCalls())

	route, err := store.Route(ctx, "ttc", "506")
	require.NoError(t, err)
	require.NotNil(t, route)

	assert.Equal(t, 2, count(t, store, nextbus.LevelDirection, route506))
	for _, tag := range []string{"506_0_506", "506_1_506"} {
		d, err := store.Direction(ctx, nextbus.Scope{Agency: "ttc", Route: "506", Direction: tag})
		require.NoError(t, err)
		require.NotNil(t, d, tag)
		assert.Equal(t, route.ID, d.RouteID)
	}

	assert.Equal(t, 0, count(t, store, nextbus.LevelRoute, nextbus.Scope{Agency: "sf-muni"}))
	assert.Equal(t, 0, count(t, store, nextbus.LevelDirection, nextbus.Scope{Agency: "ttc", Route: "501"}))
	// stop 1000 is shared by both directions
	assert.Equal(t, 3, count(t, store, nextbus.LevelStop, nextbus.Scope{Agency: "ttc"}))
}

func TestEnsureSkipsCachedLevels(t *testing.T) {
	for _, memo := range []int{0, 128} {
		ctx := context.Background()
		r, _, feed, _ := newResolver(t, memo)

		require.NoError(t, r.Ensure(ctx, nextbus.LevelRoute, route506))
		feed.ResetCalls()

		require.NoError(t, r.Ensure(ctx, nextbus.LevelDirection, route506))
		assert.Equal(t, 1, feed.Calls("config:ttc/506"), "memo=%d", memo)
		assert.Equal(t, 1, feed.TotalCalls(), "memo=%d", memo)

		feed.ResetCalls()
		require.NoError(t, r.Ensure(ctx, nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "506", Direction: "506_0_506"}))
		assert.Zero(t, feed.TotalCalls(), "memo=%d", memo)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, store, feed, _ := newResolver(t, 0)
	stop := nextbus.Scope{Agency: "ttc", Route: "506", Direction: "506_1_506", Stop: "1000"}

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Ensure(ctx, nextbus.LevelStop, stop))
	}

	assert.Equal(t, 1, count(t, store, nextbus.LevelAgency, nextbus.Scope{Agency: "ttc"}))
	assert.Equal(t, 1, count(t, store, nextbus.LevelRoute, route506))
	assert.Equal(t, 1, count(t, store, nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Stop: "1000"}))
	assert.Equal(t, 1, count(t, store, nextbus.LevelStop, stop))
	assert.Equal(t, 3, feed.TotalCalls())
}

func TestEnsureRemoteFailureLeavesLevelEmpty(t *testing.T) {
	ctx := context.Background()
	r, store, feed, n := newResolver(t, 128)
	feed.Fail("config:ttc/506", errors.New("connection reset"))

	err := r.Ensure(ctx, nextbus.LevelDirection, route506)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)

	assert.Equal(t, 0, count(t, store, nextbus.LevelDirection, route506))
	assert.Equal(t, 0, count(t, store, nextbus.LevelStop, nextbus.Scope{Agency: "ttc"}))
	// earlier steps committed on their own
	assert.Equal(t, 2, count(t, store, nextbus.LevelRoute, nextbus.Scope{Agency: "ttc"}))
	assert.NotContains(t, n.got(), "agencies/ttc/routes/506/directions")

	feed.Fail("config:ttc/506", nil)
	require.NoError(t, r.Ensure(ctx, nextbus.LevelDirection, route506))
	assert.Equal(t, 2, count(t, store, nextbus.LevelDirection, route506))
	assert.Equal(t, 2, feed.Calls("config:ttc/506"))
	assert.Equal(t, 1, feed.Calls("routes:ttc"))
}

func TestEnsurePersistenceFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	r, store, feed, _ := newResolver(t, 128)
	feed.SetConfig("ttc", "506", []nextbus.Direction{
		{Tag: "506_0_506", Name: "East", Stops: []nextbus.Stop{{Tag: "5292"}, {Tag: "1000"}}},
		{Tag: "", Name: "West", Stops: []nextbus.Stop{{Tag: "5293"}}},
	})

	err := r.Ensure(ctx, nextbus.LevelDirection, route506)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRemote)

	assert.Equal(t, 0, count(t, store, nextbus.LevelDirection, route506))
	assert.Equal(t, 0, count(t, store, nextbus.LevelStop, nextbus.Scope{Agency: "ttc"}))
}

func TestEnsureUnknownTagsStopCascade(t *testing.T) {
	ctx := context.Background()
	r, store, feed, _ := newResolver(t, 128)

	require.NoError(t, r.Ensure(ctx, nextbus.LevelDirection, nextbus.Scope{Agency: "nope", Route: "1"}))
	assert.Equal(t, 1, feed.Calls("agencies"))
	assert.Equal(t, 1, feed.TotalCalls())
	assert.Equal(t, 2, count(t, store, nextbus.LevelAgency, nextbus.Scope{}))

	require.NoError(t, r.Ensure(ctx, nextbus.LevelStop, nextbus.Scope{Agency: "ttc", Route: "999"}))
	assert.Equal(t, 1, feed.Calls("routes:ttc"))
	assert.Zero(t, feed.Calls("config:ttc/999"))
}

func TestEnsureNotifiesFilledCollections(t *testing.T) {
	ctx := context.Background()
	r, _, _, n := newResolver(t, 128)

	require.NoError(t, r.Ensure(ctx, nextbus.LevelDirection, route506))
	assert.Equal(t, []string{
		"agencies",
		"agencies/ttc/routes",
		"agencies/ttc/routes/506/directions",
		"agencies/ttc/routes/506/stops",
		"agencies/ttc/routes/506/directions/506_0_506/stops",
		"agencies/ttc/routes/506/directions/506_1_506/stops",
	}, n.got())

	require.NoError(t, r.Ensure(ctx, nextbus.LevelDirection, route506))
	assert.Len(t, n.got(), 6)
}

func TestEnsureConcurrentFirstAccess(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newResolver(t, 128)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Ensure(ctx, nextbus.LevelStop, route506)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 2, count(t, store, nextbus.LevelAgency, nextbus.Scope{}))
	assert.Equal(t, 2, count(t, store, nextbus.LevelRoute, nextbus.Scope{Agency: "ttc"}))
	assert.Equal(t, 2, count(t, store, nextbus.LevelDirection, route506))
	assert.Equal(t, 3, count(t, store, nextbus.LevelStop, route506))
}

func TestEnsureSharedFetchOutlivesFirstCaller(t *testing.T) {
	r, store, feed, _ := newResolver(t, 128)
	require.NoError(t, r.Ensure(context.Background(), nextbus.LevelRoute, route506))
	release := feed.Hold("config:ttc/506")
	defer release()

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- r.Ensure(first, nextbus.LevelDirection, route506) }()
	require.Eventually(t, func() bool { return feed.Calls("config:ttc/506") == 1 }, 2*time.Second, 5*time.Millisecond)

	second, cancelSecond := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSecond()
	secondErr := make(chan error, 1)
	go func() { secondErr <- r.Ensure(second, nextbus.LevelDirection, route506) }()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	release()
	require.NoError(t, <-secondErr)
	assert.NoError(t, second.Err())
	assert.Equal(t, 1, feed.Calls("config:ttc/506"))
	assert.Equal(t, 2, count(t, store, nextbus.LevelDirection, route506))
}
