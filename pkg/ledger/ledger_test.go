package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/brandstreet/internal/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.New("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBrand(t *testing.T, s store.Store, key string, bes float64, at time.Time) *store.Brand {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertBrands(ctx, []store.Brand{{
		ExternalKey: key,
		Name:        key,
		BESScore:    bes,
		LastUpdated: at,
	}}))
	b, err := s.GetBrandByKey(ctx, key)
	require.NoError(t, err)
	return b
}

func openAccount(t *testing.T, e *Engine, name string, points int64) Session {
	t.Helper()
	p, err := e.OpenAccount(context.Background(), name, points, "Rookie")
	require.NoError(t, err)
	return NewSession(p)
}

func balance(t *testing.T, s store.Store, sess Session) int64 {
	t.Helper()
	p, err := s.GetProfile(context.Background(), sess.UserID)
	require.NoError(t, err)
	return p.PointsBalance
}

func TestStake(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	ctx := context.Background()
	brand := seedBrand(t, s, "zomato", 62.5, time.Now())
	sess := openAccount(t, e, "asha", 10000)

	r, err := e.Stake(ctx, sess, brand.ID, 1000, "hype")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), r.Balance)
	assert.Equal(t, int64(1000), r.Entry.AmountStaked)
	assert.Equal(t, 62.5, r.Entry.EntryBES)
	assert.Equal(t, "Hype", r.Entry.ThesisTag)
	assert.Equal(t, store.StatusActive, r.Entry.Status)
	assert.NotZero(t, r.Entry.ID)

	assert.Equal(t, int64(9000), balance(t, s, sess))
	got, err := s.ListEntries(ctx, sess.UserID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.Entry.ID, got[0].ID)
}

func TestStakeRejectionsLeaveNoTrace(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	ctx := context.Background()
	brand := seedBrand(t, s, "nykaa", 50, time.Now())
	sess := openAccount(t, e, "ravi", 1000)

	_, err := e.Stake(ctx, sess, brand.ID, 0, "Hype")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Stake(ctx, sess, brand.ID, -5, "Hype")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.Stake(ctx, sess, brand.ID, 100, "Greed")
	assert.ErrorIs(t, err, ErrUnknownThesis)

	_, err = e.Stake(ctx, sess, brand.ID, 1001, "Trust")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, IsRejection(err))

	_, err = e.Stake(ctx, sess, brand.ID+100, 10, "Trust")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, IsRejection(err))

	assert.Equal(t, int64(1000), balance(t, s, sess))
	got, err := s.ListEntries(ctx, sess.UserID, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStakeWholeBalance(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	brand := seedBrand(t, s, "boat", 40, time.Now())
	sess := openAccount(t, e, "meera", 500)

	r, err := e.Stake(context.Background(), sess, brand.ID, 500, "Value")
	require.NoError(t, err)
	assert.Zero(t, r.Balance)
}

func TestLiquidateReturnsPrincipal(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	ctx := context.Background()
	now := time.Now()
	brand := seedBrand(t, s, "zomato", 50, now)
	sess := openAccount(t, e, "asha", 10000)

	first, err := e.Stake(ctx, sess, brand.ID, 1000, "Hype")
	require.NoError(t, err)
	second, err := e.Stake(ctx, sess, brand.ID, 500, "Quality")
	require.NoError(t, err)

	// The score moving does not change a principal-only payout.
	seedBrand(t, s, "zomato", 80, now.Add(time.Hour))

	r, err := e.Liquidate(ctx, sess, brand.ID, 1200)
	require.NoError(t, err)
	assert.Equal(t, int64(-1200), r.Entry.AmountStaked)
	assert.Equal(t, CashOut, r.Entry.ThesisTag)
	assert.Equal(t, store.StatusClosed, r.Entry.Status)
	assert.Equal(t, int64(1200), r.Entry.SettledPoints)
	assert.Equal(t, 80.0, r.Entry.EntryBES)
	assert.Equal(t, []int64{first.Entry.ID}, r.Closed)
	assert.Equal(t, int64(9700), r.Balance)
	assert.Equal(t, int64(9700), balance(t, s, sess))

	got, err := s.ListEntries(ctx, sess.UserID, brand.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1000), got[0].AmountStaked, "stake amounts are never rewritten")
	assert.Equal(t, store.StatusClosed, got[0].Status)
	assert.Equal(t, int64(500), got[1].AmountStaked)
	assert.Equal(t, store.StatusActive, got[1].Status)

	_, err = e.Liquidate(ctx, sess, brand.ID, 301)
	assert.ErrorIs(t, err, ErrExceedsHoldings)
	assert.Equal(t, int64(9700), balance(t, s, sess))

	r, err = e.Liquidate(ctx, sess, brand.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.Entry.ID}, r.Closed)
	assert.Equal(t, int64(10000), r.Balance)

	_, err = e.Liquidate(ctx, sess, brand.ID, 1)
	assert.ErrorIs(t, err, ErrNoHoldings)
}

func TestLiquidateNoHoldings(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	brand := seedBrand(t, s, "zomato", 50, time.Now())
	sess := openAccount(t, e, "asha", 100)

	_, err := e.Liquidate(context.Background(), sess, brand.ID, 10)
	assert.ErrorIs(t, err, ErrNoHoldings)

	_, err = e.Liquidate(context.Background(), sess, brand.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLiquidateRealizesPnL(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{RealizePnL: true})
	ctx := context.Background()
	now := time.Now()
	brand := seedBrand(t, s, "zomato", 50, now)
	sess := openAccount(t, e, "asha", 10000)
	assert.True(t, e.RealizesPnL())

	_, err := e.Stake(ctx, sess, brand.ID, 1000, "Hype")
	require.NoError(t, err)
	seedBrand(t, s, "zomato", 75, now.Add(time.Hour))

	r, err := e.Liquidate(ctx, sess, brand.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), r.Entry.SettledPoints)
	assert.Equal(t, int64(10500), r.Balance)
}

func TestConcurrentStakesCannotDoubleSpend(t *testing.T) {
	s := newTestStore(t)
	// Two engines share the store, so the in-process lock alone cannot
	// serialize them.
	engines := []*Engine{New(s, Options{}), New(s, Options{})}
	brand := seedBrand(t, s, "zomato", 50, time.Now())
	sess := openAccount(t, engines[0], "asha", 1000)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, poor int
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engines[i%2].Stake(context.Background(), sess, brand.ID, 600, "Hype")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				poor++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, poor)
	assert.Equal(t, int64(400), balance(t, s, sess))
}

// conflictStore replays a stake against in-memory state, failing the
// balance write a fixed number of times.
type conflictStore struct {
	store.Store
	conflicts int
	fail      error
	attempts  int
}

func (c *conflictStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	c.attempts++
	return fn(&fakeTx{parent: c})
}

type fakeTx struct {
	parent *conflictStore
}

func (f *fakeTx) GetProfile(context.Context, string) (*store.Profile, error) {
	return &store.Profile{ID: "u1", Username: "asha", PointsBalance: 1000, Version: 3}, nil
}

func (f *fakeTx) GetBrand(_ context.Context, id int64) (*store.Brand, error) {
	return &store.Brand{ID: id, BESScore: 50}, nil
}

func (f *fakeTx) ListEntries(context.Context, string, int64) ([]store.Entry, error) {
	return nil, nil
}

func (f *fakeTx) InsertEntry(_ context.Context, e *store.Entry) error {
	if f.parent.fail != nil {
		return f.parent.fail
	}
	e.ID = 7
	return nil
}

func (f *fakeTx) CloseEntries(context.Context, []int64) error { return nil }

func (f *fakeTx) UpdateBalance(context.Context, string, int64, int64) error {
	if f.parent.conflicts > 0 {
		f.parent.conflicts--
		return store.ErrVersionConflict
	}
	return nil
}

func TestUserLocksAreBounded(t *testing.T) {
	e := New(nil, Options{})
	assert.Same(t, e.userLock("user-1"), e.userLock("user-1"))

	seen := make(map[*sync.Mutex]bool)
	for i := range 10 * lockStripes {
		seen[e.userLock(fmt.Sprintf("user-%d", i))] = true
	}
	assert.LessOrEqual(t, len(seen), lockStripes)
}

func TestStakeRetriesVersionConflicts(t *testing.T) {
	cs := &conflictStore{conflicts: 2}
	e := New(cs, Options{})

	r, err := e.Stake(context.Background(), Session{UserID: "u1", Username: "asha"}, 1, 100, "Trust")
	require.NoError(t, err)
	assert.Equal(t, int64(900), r.Balance)
	assert.Equal(t, 3, cs.attempts)
}

func TestStakeGivesUpAfterMaxAttempts(t *testing.T) {
	cs := &conflictStore{conflicts: 10}
	e := New(cs, Options{MaxAttempts: 2})

	_, err := e.Stake(context.Background(), Session{UserID: "u1"}, 1, 100, "Trust")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Equal(t, 2, cs.attempts)
}

func TestStakePersistenceFailure(t *testing.T) {
	cs := &conflictStore{fail: errors.New("disk I/O error")}
	e := New(cs, Options{})

	_, err := e.Stake(context.Background(), Session{UserID: "u1"}, 1, 100, "Trust")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, IsRejection(err))
	assert.Equal(t, 1, cs.attempts)
}

func TestOpenAccount(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	ctx := context.Background()

	p, err := e.OpenAccount(ctx, "  kabir ", 2500, "Rookie")
	require.NoError(t, err)
	assert.Equal(t, "kabir", p.Username)
	assert.Len(t, p.ID, 36)

	got, err := s.GetProfileByUsername(ctx, "kabir")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.PointsBalance)

	_, err = e.OpenAccount(ctx, "kabir", 10, "Rookie")
	assert.Error(t, err, "usernames are unique")

	_, err = e.OpenAccount(ctx, " ", 10, "Rookie")
	assert.Error(t, err)
}

func TestPortfolio(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	ctx := context.Background()
	now := time.Now()
	zomato := seedBrand(t, s, "zomato", 50, now)
	nykaa := seedBrand(t, s, "nykaa", 40, now)
	sess := openAccount(t, e, "asha", 10000)

	_, err := e.Stake(ctx, sess, zomato.ID, 1000, "Hype")
	require.NoError(t, err)
	_, err = e.Stake(ctx, sess, zomato.ID, 500, "Trust")
	require.NoError(t, err)
	_, err = e.Stake(ctx, sess, nykaa.ID, 200, "Value")
	require.NoError(t, err)
	_, err = e.Liquidate(ctx, sess, zomato.ID, 1100)
	require.NoError(t, err)

	seedBrand(t, s, "zomato", 75, now.Add(time.Hour))

	pf, err := e.Portfolio(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-1700+1100), pf.Balance)
	assert.Equal(t, int64(600), pf.TotalOpen)
	require.Len(t, pf.Positions, 2)

	z := pf.Positions[0]
	assert.Equal(t, "zomato", z.ExternalKey)
	assert.Equal(t, int64(500), z.Staked)
	assert.Equal(t, int64(400), z.Open)
	assert.Equal(t, 75.0, z.CurrentBES)
	assert.Equal(t, 50.0, z.PnLPercent)

	n := pf.Positions[1]
	assert.Equal(t, "nykaa", n.ExternalKey)
	assert.Equal(t, int64(200), n.Open)
	assert.Equal(t, 0.0, n.PnLPercent)

	assert.Equal(t, 800.0, pf.MarkValue)
}

func TestLeaderboardAndBrands(t *testing.T) {
	s := newTestStore(t)
	e := New(s, Options{})
	ctx := context.Background()
	seedBrand(t, s, "zomato", 50, time.Now())
	seedBrand(t, s, "nykaa", 70, time.Now())
	openAccount(t, e, "asha", 300)
	openAccount(t, e, "ravi", 900)
	openAccount(t, e, "meera", 900)

	top, err := e.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "meera", top[0].Username)
	assert.Equal(t, "ravi", top[1].Username)

	brands, err := e.Brands(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, brands, 2)
	assert.Equal(t, "nykaa", brands[0].ExternalKey)
}
