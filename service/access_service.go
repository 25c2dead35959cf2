package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/btc_explorer/logger"
	"github.com/btc_explorer/model"
	"github.com/btc_explorer/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// DailyFreeLimit is the number of metered requests a wallet without
	// unlimited access may make per UTC day.
	DailyFreeLimit = 100
	// UnlimitedDailyLimit marks an AccessStatus with no daily limit.
	UnlimitedDailyLimit = -1

	SignatureMaxAge    = 5 * time.Minute
	signatureMaxFuture = time.Minute

	usageDateLayout = "2006-01-02"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingTimestamp = errors.New("message has no timestamp")
	ErrStaleMessage     = errors.New("message timestamp outside the accepted window")
	ErrAnonymousDenied  = errors.New("wallet address required")
	ErrProofAlreadyUsed = errors.New("proof already used by another wallet")
	ErrInvalidGrant     = errors.New("wallet address and proof reference are required")
)

var timestampLine = regexp.MustCompile(`(?im)^\s*timestamp\s*:\s*(\S+)\s*$`)

type AccessStatus struct {
	HasAccess   bool `json:"hasAccess"`
	IsUnlimited bool `json:"isUnlimited"`
	DailyLimit  int  `json:"dailyLimit"`
	UsedToday   int  `json:"usedToday"`
}

// Remaining is the number of requests left today, or -1 when unlimited.
func (s AccessStatus) Remaining() int {
	if s.IsUnlimited {
		return UnlimitedDailyLimit
	}
	if left := s.DailyLimit - s.UsedToday; left > 0 {
		return left
	}
	return 0
}

type GrantResult struct {
	Granted    bool
	AlreadyHad bool
	Record     *model.UnlimitedAccess
}

type UsageStore interface {
	Count(ctx context.Context, wallet, date string) (int, error)
	Increment(ctx context.Context, wallet, date string) (int, error)
	ConsumeIfBelow(ctx context.Context, wallet, date string, limit int) (int, bool, error)
	History(ctx context.Context, wallet string, page, size int) ([]*model.DailyUsage, int64, error)
}

type UnlimitedStore interface {
	FindByWallet(ctx context.Context, wallet string) (*model.UnlimitedAccess, error)
	Insert(ctx context.Context, rec *model.UnlimitedAccess) (bool, error)
}

type AccessOptions struct {
	AllowAnonymous bool
	StoreTimeout   time.Duration
	Now            func() time.Time
}

// AccessService decides whether a wallet may call metered endpoints and
// promotes wallets to unlimited access. It holds no per-wallet state; all
// consistency comes from the stores' atomic statements.
//
// Read paths fail open: a store error grants default free-tier access.
// Grants fail closed: a store error is returned to the caller.
type AccessService struct {
	usage          UsageStore
	unlimited      UnlimitedStore
	allowAnonymous bool
	storeTimeout   time.Duration
	now            func() time.Time
}

func NewAccessService(usage UsageStore, unlimited UnlimitedStore, opts AccessOptions) *AccessService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &AccessService{
		usage:          usage,
		unlimited:      unlimited,
		allowAnonymous: opts.AllowAnonymous,
		storeTimeout:   opts.StoreTimeout,
		now:            opts.Now,
	}
}

// NormalizeWallet is the storage key of a wallet address.
func NormalizeWallet(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// UsageDate is the UTC calendar day key for t.
func UsageDate(t time.Time) string {
	return t.UTC().Format(usageDateLayout)
}

func (s *AccessService) today() string {
	return UsageDate(s.now())
}

func freeStatus(used int) AccessStatus {
	return AccessStatus{
		HasAccess:  used < DailyFreeLimit,
		DailyLimit: DailyFreeLimit,
		UsedToday:  used,
	}
}

func unlimitedStatus(used int) AccessStatus {
	return AccessStatus{
		HasAccess:   true,
		IsUnlimited: true,
		DailyLimit:  UnlimitedDailyLimit,
		UsedToday:   used,
	}
}

func (s *AccessService) anonymousStatus() AccessStatus {
	status := freeStatus(0)
	status.HasAccess = s.allowAnonymous
	return status
}

// failOpen grants default free access after a store failure. A cancelled
// caller is not a store failure and gets its context error back.
func (s *AccessService) failOpen(ctx context.Context, op, wallet string, err error) (AccessStatus, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return AccessStatus{}, ctxErr
	}
	logger.Warn("access: store unavailable, failing open",
		zap.String("op", op),
		zap.String("wallet", wallet),
		zap.Error(err),
	)
	return freeStatus(0), nil
}

func (s *AccessService) findUnlimited(ctx context.Context, wallet string) (*model.UnlimitedAccess, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.unlimited.FindByWallet(ctx, wallet)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// CheckAccess reports the wallet's access without consuming a request.
func (s *AccessService) CheckAccess(ctx context.Context, walletAddress string) (AccessStatus, error) {
	wallet := NormalizeWallet(walletAddress)
	if wallet == "" {
		return s.anonymousStatus(), nil
	}

	rec, err := s.findUnlimited(ctx, wallet)
	if err != nil {
		return s.failOpen(ctx, "check access", wallet, err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	used, err := s.usage.Count(storeCtx, wallet, s.today())
	if err != nil {
		if rec != nil {
			return unlimitedStatus(0), nil
		}
		return s.failOpen(ctx, "check access", wallet, err)
	}
	if rec != nil {
		return unlimitedStatus(used), nil
	}
	return freeStatus(used), nil
}

// RecordUsage adds one request to today's counter. Empty wallets and store
// failures are ignored; a cancelled context skips the write.
func (s *AccessService) RecordUsage(ctx context.Context, walletAddress string) {
	wallet := NormalizeWallet(walletAddress)
	if wallet == "" || ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if _, err := s.usage.Increment(ctx, wallet, s.today()); err != nil {
		logger.Warn("access: record usage failed", zap.String("wallet", wallet), zap.Error(err))
	}
}

// Consume checks and counts one metered request as a single atomic store
// operation. Unlimited wallets are not counted. Denied requests are not
// counted either.
func (s *AccessService) Consume(ctx context.Context, walletAddress string) (AccessStatus, error) {
	wallet := NormalizeWallet(walletAddress)
	if wallet == "" {
		if !s.allowAnonymous {
			return s.anonymousStatus(), ErrAnonymousDenied
		}
		return s.anonymousStatus(), nil
	}

	rec, err := s.findUnlimited(ctx, wallet)
	if err != nil {
		return s.failOpen(ctx, "consume", wallet, err)
	}
	if rec != nil {
		return unlimitedStatus(0), nil
	}
	if err := ctx.Err(); err != nil {
		return AccessStatus{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	used, ok, err := s.usage.ConsumeIfBelow(storeCtx, wallet, s.today(), DailyFreeLimit)
	if err != nil {
		return s.failOpen(ctx, "consume", wallet, err)
	}
	if !ok {
		logger.Info("access: daily limit reached", zap.String("wallet", wallet))
		return AccessStatus{HasAccess: false, DailyLimit: DailyFreeLimit, UsedToday: DailyFreeLimit}, nil
	}
	return AccessStatus{HasAccess: true, DailyLimit: DailyFreeLimit, UsedToday: used}, nil
}

const (
	defaultHistoryPageSize = 30
	maxHistoryPageSize     = 100
)

// UsageHistory pages through the wallet's daily counters, newest first.
// Unlike the access checks it does not fail open.
func (s *AccessService) UsageHistory(ctx context.Context, walletAddress string, page, size int) ([]*model.DailyUsage, int64, error) {
	wallet := NormalizeWallet(walletAddress)
	if wallet == "" {
		return nil, 0, ErrAnonymousDenied
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultHistoryPageSize
	}
	if size > maxHistoryPageSize {
		size = maxHistoryPageSize
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	list, total, err := s.usage.History(ctx, wallet, page, size)
	if err != nil {
		return nil, 0, fmt.Errorf("usage history: %w", err)
	}
	return list, total, nil
}

// UnlimitedRecord returns the wallet's unlimited record or nil. Store
// failures are logged and reported as no record.
func (s *AccessService) UnlimitedRecord(ctx context.Context, walletAddress string) (*model.UnlimitedAccess, error) {
	wallet := NormalizeWallet(walletAddress)
	if wallet == "" {
		return nil, nil
	}
	rec, err := s.findUnlimited(ctx, wallet)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("access: unlimited lookup failed", zap.String("wallet", wallet), zap.Error(err))
		return nil, nil
	}
	return rec, nil
}

// GrantUnlimited promotes wallet to unlimited access. A wallet that already
// has access is reported with AlreadyHad and nothing is written.
func (s *AccessService) GrantUnlimited(ctx context.Context, walletAddress, proofReference, chain string, amountUSD decimal.Decimal) (GrantResult, error) {
	wallet := NormalizeWallet(walletAddress)
	proofReference = strings.TrimSpace(proofReference)
	if wallet == "" || proofReference == "" {
		return GrantResult{}, ErrInvalidGrant
	}

	existing, err := s.findUnlimited(ctx, wallet)
	if err != nil {
		return GrantResult{}, fmt.Errorf("lookup unlimited access: %w", err)
	}
	if existing != nil {
		return GrantResult{Granted: true, AlreadyHad: true, Record: existing}, nil
	}
	if err := ctx.Err(); err != nil {
		return GrantResult{}, err
	}

	rec := &model.UnlimitedAccess{
		WalletAddress:  wallet,
		ChainName:      chain,
		ProofReference: proofReference,
		AmountUSD:      amountUSD,
		ActivatedAt:    s.now().UTC(),
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	created, err := s.unlimited.Insert(storeCtx, rec)
	if err != nil {
		return GrantResult{}, fmt.Errorf("insert unlimited access: %w", err)
	}
	if !created {
		// lost a race with the same wallet, or the proof belongs to another one
		existing, err := s.findUnlimited(ctx, wallet)
		if err != nil {
			return GrantResult{}, fmt.Errorf("lookup unlimited access: %w", err)
		}
		if existing == nil {
			return GrantResult{}, ErrProofAlreadyUsed
		}
		return GrantResult{Granted: true, AlreadyHad: true, Record: existing}, nil
	}

	logger.Info("access: unlimited access granted",
		zap.String("wallet", wallet),
		zap.String("chain", chain),
		zap.String("proof", proofReference),
	)
	return GrantResult{Granted: true, Record: rec}, nil
}

// ParseMessageTimestamp extracts the "Timestamp: ..." line of a signed
// message. Unix seconds, unix milliseconds and RFC 3339 are accepted.
func ParseMessageTimestamp(message string) (time.Time, error) {
	m := timestampLine.FindStringSubmatch(message)
	if m == nil {
		return time.Time{}, ErrMissingTimestamp
	}
	raw := m[1]
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, ErrMissingTimestamp
}

// CheckMessageFreshness rejects signed messages older than SignatureMaxAge
// or dated in the future beyond a small clock skew.
func (s *AccessService) CheckMessageFreshness(message string) error {
	ts, err := ParseMessageTimestamp(message)
	if err != nil {
		return err
	}
	age := s.now().Sub(ts)
	if age > SignatureMaxAge || age < -signatureMaxFuture {
		return ErrStaleMessage
	}
	return nil
}

// AuthenticateMessage verifies that address signed a fresh message.
func (s *AccessService) AuthenticateMessage(address, message, signature string) error {
	if err := s.CheckMessageFreshness(message); err != nil {
		return err
	}
	if !VerifySignature(address, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}
