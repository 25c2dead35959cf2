package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btc_explorer/model"
	"github.com/btc_explorer/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("connection refused")

type memUsage struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newMemUsage() *memUsage {
	return &memUsage{counts: make(map[string]int)}
}

func (m *memUsage) Count(_ context.Context, wallet, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[wallet+"|"+date], nil
}

func (m *memUsage) Increment(_ context.Context, wallet, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[wallet+"|"+date]++
	return m.counts[wallet+"|"+date], nil
}

func (m *memUsage) ConsumeIfBelow(_ context.Context, wallet, date string, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, false, m.err
	}
	key := wallet + "|" + date
	if m.counts[key] >= limit {
		return 0, false, nil
	}
	m.counts[key]++
	return m.counts[key], true, nil
}

func (m *memUsage) History(_ context.Context, wallet string, page, size int) ([]*model.DailyUsage, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	var list []*model.DailyUsage
	for key, n := range m.counts {
		if w, date, _ := strings.Cut(key, "|"); w == wallet {
			list = append(list, &model.DailyUsage{WalletAddress: w, Date: date, RequestCount: n})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Date > list[j].Date })
	total := int64(len(list))
	start := (page - 1) * size
	if start >= len(list) {
		return nil, total, nil
	}
	return list[start:min(start+size, len(list))], total, nil
}

type memUnlimited struct {
	mu     sync.Mutex
	byAddr map[string]*model.UnlimitedAccess
	proofs map[string]string
	err    error
}

func newMemUnlimited() *memUnlimited {
	return &memUnlimited{
		byAddr: make(map[string]*model.UnlimitedAccess),
		proofs: make(map[string]string),
	}
}

func (m *memUnlimited) FindByWallet(_ context.Context, wallet string) (*model.UnlimitedAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.byAddr[wallet]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memUnlimited) Insert(_ context.Context, rec *model.UnlimitedAccess) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.byAddr[rec.WalletAddress]; ok {
		return false, nil
	}
	if _, ok := m.proofs[rec.ProofReference]; ok {
		return false, nil
	}
	cp := *rec
	m.byAddr[rec.WalletAddress] = &cp
	m.proofs[rec.ProofReference] = rec.WalletAddress
	return true, nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestAccess(t *testing.T, allowAnonymous bool) (*AccessService, *memUsage, *memUnlimited, *fixedClock) {
	t.Helper()
	usage, unlimited := newMemUsage(), newMemUnlimited()
	clock := &fixedClock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	svc := NewAccessService(usage, unlimited, AccessOptions{
		AllowAnonymous: allowAnonymous,
		StoreTimeout:   time.Second,
		Now:            clock.Now,
	})
	return svc, usage, unlimited, clock
}

const testWallet = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

func TestCheckAccess_FreshWallet(t *testing.T) {
	svc, _, _, _ := newTestAccess(t, true)

	status, err := svc.CheckAccess(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, AccessStatus{HasAccess: true, DailyLimit: DailyFreeLimit, UsedToday: 0}, status)
	assert.Equal(t, DailyFreeLimit, status.Remaining())
}

func TestCheckAccess_Anonymous(t *testing.T) {
	tests := []struct {
		name      string
		allow     bool
		hasAccess bool
	}{
		{"allowed", true, true},
		{"denied", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, usage, _, _ := newTestAccess(t, tt.allow)

			status, err := svc.CheckAccess(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, tt.hasAccess, status.HasAccess)
			assert.Equal(t, DailyFreeLimit, status.DailyLimit)
			assert.Zero(t, status.UsedToday)

			svc.RecordUsage(context.Background(), "")
			assert.Empty(t, usage.counts, "anonymous usage must not be recorded")
		})
	}
}

func TestRecordUsage_LimitBoundary(t *testing.T) {
	svc, _, _, _ := newTestAccess(t, true)
	ctx := context.Background()

	for i := 0; i < 99; i++ {
		svc.RecordUsage(ctx, testWallet)
	}
	status, err := svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.True(t, status.HasAccess)
	assert.Equal(t, 99, status.UsedToday)
	assert.Equal(t, 1, status.Remaining())

	svc.RecordUsage(ctx, testWallet)
	status, err = svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, status.HasAccess)
	assert.Equal(t, 100, status.UsedToday)
	assert.Zero(t, status.Remaining())

	svc.RecordUsage(ctx, testWallet)
	status, err = svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, status.HasAccess)
	assert.Equal(t, 101, status.UsedToday)
	assert.Zero(t, status.Remaining())
}

func TestRecordUsage_CaseInsensitiveWallet(t *testing.T) {
	svc, usage, _, _ := newTestAccess(t, true)
	ctx := context.Background()

	svc.RecordUsage(ctx, testWallet)
	svc.RecordUsage(ctx, NormalizeWallet(testWallet))

	status, err := svc.CheckAccess(ctx, "0XABCDEF0123456789ABCDEF0123456789ABCDEF01")
	require.NoError(t, err)
	assert.Equal(t, 2, status.UsedToday)
	assert.Len(t, usage.counts, 1)
}

func TestCheckAccess_ResetsOnNextUTCDay(t *testing.T) {
	svc, _, _, clock := newTestAccess(t, true)
	ctx := context.Background()

	clock.Set(time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC))
	for i := 0; i < DailyFreeLimit; i++ {
		svc.RecordUsage(ctx, testWallet)
	}
	status, err := svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, status.HasAccess)

	// 01:00 in UTC+2 on the 15th is still the 14th in UTC
	clock.Set(time.Date(2025, 3, 15, 1, 0, 0, 0, time.FixedZone("EET", 2*3600)))
	status, err = svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, status.HasAccess)

	clock.Set(time.Date(2025, 3, 15, 0, 0, 1, 0, time.UTC))
	status, err = svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.True(t, status.HasAccess)
	assert.Zero(t, status.UsedToday)
}

func TestCheckAccess_FailsOpen(t *testing.T) {
	svc, usage, unlimited, _ := newTestAccess(t, true)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		svc.RecordUsage(ctx, testWallet)
	}

	usage.err = errStoreDown
	unlimited.err = errStoreDown

	status, err := svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, AccessStatus{HasAccess: true, DailyLimit: DailyFreeLimit}, status)

	status, err = svc.Consume(ctx, testWallet)
	require.NoError(t, err)
	assert.True(t, status.HasAccess)

	assert.NotPanics(t, func() { svc.RecordUsage(ctx, testWallet) })

	rec, err := svc.UnlimitedRecord(ctx, testWallet)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCheckAccess_CancelledContextIsNotFailOpen(t *testing.T) {
	svc, _, unlimited, _ := newTestAccess(t, true)
	unlimited.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.CheckAccess(ctx, testWallet)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = svc.Consume(ctx, testWallet)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsume_StopsAtLimit(t *testing.T) {
	svc, usage, _, _ := newTestAccess(t, true)
	ctx := context.Background()

	for i := 1; i <= DailyFreeLimit; i++ {
		status, err := svc.Consume(ctx, testWallet)
		require.NoError(t, err)
		require.True(t, status.HasAccess, "request %d", i)
		assert.Equal(t, i, status.UsedToday)
	}

	status, err := svc.Consume(ctx, testWallet)
	require.NoError(t, err)
	assert.False(t, status.HasAccess)
	assert.Equal(t, DailyFreeLimit, status.UsedToday)
	assert.Equal(t, DailyFreeLimit, usage.counts[NormalizeWallet(testWallet)+"|2025-03-14"], "denied requests are not counted")
}

func TestConsume_Concurrent(t *testing.T) {
	svc, _, _, _ := newTestAccess(t, true)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := svc.Consume(ctx, testWallet)
			if err == nil && status.HasAccess {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, DailyFreeLimit, granted)
}

func TestConsume_Anonymous(t *testing.T) {
	svc, _, _, _ := newTestAccess(t, false)
	_, err := svc.Consume(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrAnonymousDenied)

	svc, _, _, _ = newTestAccess(t, true)
	status, err := svc.Consume(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, status.HasAccess)
}

func TestGrantUnlimited(t *testing.T) {
	svc, usage, _, _ := newTestAccess(t, true)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		svc.RecordUsage(ctx, testWallet)
	}

	res, err := svc.GrantUnlimited(ctx, testWallet, "0xproof1", "base", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.False(t, res.AlreadyHad)
	require.NotNil(t, res.Record)
	assert.Equal(t, NormalizeWallet(testWallet), res.Record.WalletAddress)
	assert.Equal(t, "base", res.Record.ChainName)

	status, err := svc.CheckAccess(ctx, testWallet)
	require.NoError(t, err)
	assert.True(t, status.HasAccess)
	assert.True(t, status.IsUnlimited)
	assert.Equal(t, UnlimitedDailyLimit, status.DailyLimit)
	assert.Equal(t, UnlimitedDailyLimit, status.Remaining())
	assert.Equal(t, 150, status.UsedToday)

	// unlimited wallets are not counted by Consume
	before := usage.counts[NormalizeWallet(testWallet)+"|2025-03-14"]
	status, err = svc.Consume(ctx, testWallet)
	require.NoError(t, err)
	assert.True(t, status.IsUnlimited)
	assert.Equal(t, before, usage.counts[NormalizeWallet(testWallet)+"|2025-03-14"])
}

func TestGrantUnlimited_Idempotent(t *testing.T) {
	svc, _, unlimited, _ := newTestAccess(t, true)
	ctx := context.Background()

	first, err := svc.GrantUnlimited(ctx, testWallet, "0xproof1", "ethereum", decimal.NewFromInt(10))
	require.NoError(t, err)

	second, err := svc.GrantUnlimited(ctx, testWallet, "0xproof2", "polygon", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, second.Granted)
	assert.True(t, second.AlreadyHad)
	assert.Equal(t, first.Record.ProofReference, second.Record.ProofReference)
	assert.Equal(t, first.Record.ActivatedAt, second.Record.ActivatedAt)
	assert.Len(t, unlimited.byAddr, 1)
}

func TestGrantUnlimited_ConcurrentSameWallet(t *testing.T) {
	svc, _, unlimited, _ := newTestAccess(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GrantUnlimited(ctx, testWallet, fmt.Sprintf("sig-%d", i), "ethereum", decimal.Zero)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, unlimited.byAddr, 1)
}

func TestGrantUnlimited_ProofReuse(t *testing.T) {
	svc, _, _, _ := newTestAccess(t, true)
	ctx := context.Background()

	_, err := svc.GrantUnlimited(ctx, "walletA", "0xshared", "base", decimal.NewFromInt(10))
	require.NoError(t, err)

	_, err = svc.GrantUnlimited(ctx, "walletB", "0xshared", "base", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrProofAlreadyUsed)

	status, err := svc.CheckAccess(ctx, "walletB")
	require.NoError(t, err)
	assert.False(t, status.IsUnlimited)
}

func TestGrantUnlimited_FailsClosed(t *testing.T) {
	svc, _, unlimited, _ := newTestAccess(t, true)
	unlimited.err = errStoreDown

	_, err := svc.GrantUnlimited(context.Background(), testWallet, "0xproof", "base", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, errStoreDown)

	_, err = svc.GrantUnlimited(context.Background(), "", "0xproof", "base", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestParseMessageTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		message string
		want    time.Time
		err     error
	}{
		{"unix seconds", "Sign in\nTimestamp: 1741953600", want, nil},
		{"unix millis", "Sign in\nTimestamp: 1741953600000", want, nil},
		{"rfc3339", "Sign in\ntimestamp: 2025-03-14T14:00:00+02:00\nNonce: 1", want, nil},
		{"missing", "Sign in\nNonce: 1", time.Time{}, ErrMissingTimestamp},
		{"garbage", "Timestamp: yesterday", time.Time{}, ErrMissingTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessageTimestamp(tt.message)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestCheckMessageFreshness(t *testing.T) {
	svc, _, _, clock := newTestAccess(t, true)
	now := clock.Now()
	msg := func(ts time.Time) string {
		return fmt.Sprintf("Verify wallet\nTimestamp: %d", ts.Unix())
	}

	assert.NoError(t, svc.CheckMessageFreshness(msg(now)))
	assert.NoError(t, svc.CheckMessageFreshness(msg(now.Add(-4*time.Minute))))
	assert.NoError(t, svc.CheckMessageFreshness(msg(now.Add(30*time.Second))))
	assert.ErrorIs(t, svc.CheckMessageFreshness(msg(now.Add(-6*time.Minute))), ErrStaleMessage)
	assert.ErrorIs(t, svc.CheckMessageFreshness(msg(now.Add(2*time.Minute))), ErrStaleMessage)
	assert.ErrorIs(t, svc.CheckMessageFreshness("no timestamp"), ErrMissingTimestamp)
}

func TestAccessStatus_Remaining(t *testing.T) {
	tests := []struct {
		status AccessStatus
		want   int
	}{
		{AccessStatus{DailyLimit: 100, UsedToday: 0}, 100},
		{AccessStatus{DailyLimit: 100, UsedToday: 99}, 1},
		{AccessStatus{DailyLimit: 100, UsedToday: 130}, 0},
		{AccessStatus{IsUnlimited: true, DailyLimit: -1, UsedToday: 500}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Remaining())
	}
}

func TestUsageHistory(t *testing.T) {
	svc, _, _, clock := newTestAccess(t, true)
	ctx := context.Background()

	for day := 10; day <= 12; day++ {
		clock.Set(time.Date(2025, 3, day, 8, 0, 0, 0, time.UTC))
		for i := 0; i < day; i++ {
			svc.RecordUsage(ctx, testWallet)
		}
	}

	list, total, err := svc.UsageHistory(ctx, testWallet, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, list, 3)
	assert.Equal(t, "2025-03-12", list[0].Date)
	assert.Equal(t, 12, list[0].RequestCount)

	list, _, err = svc.UsageHistory(ctx, testWallet, 2, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2025-03-10", list[0].Date)

	_, _, err = svc.UsageHistory(ctx, "", 1, 10)
	assert.ErrorIs(t, err, ErrAnonymousDenied)
}

func TestUsageHistory_StoreErrorIsReturned(t *testing.T) {
	svc, usage, _, _ := newTestAccess(t, true)
	usage.err = errStoreDown

	_, _, err := svc.UsageHistory(context.Background(), testWallet, 1, 10)
	assert.ErrorIs(t, err, errStoreDown)
}
