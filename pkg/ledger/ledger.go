// Package ledger settles stakes and liquidations against player balances.
//
// Every operation runs as one store transaction: the ledger append and the
// balance write either both land or neither does. Balance writes are guarded
// by the profile's version, and calls for the same user are serialized in
// process, so a balance check can never be raced into a double spend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elonfeng/brandstreet/internal/metrics"
	"github.com/elonfeng/brandstreet/internal/store"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrUnknownThesis     = errors.New("unknown thesis")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoHoldings        = errors.New("no holdings")
	ErrExceedsHoldings   = errors.New("amount exceeds holdings")
	ErrPersistence       = errors.New("persistence error")
)

// CashOut tags liquidation entries.
const CashOut = "CASH_OUT"

// Theses are the directional theses a stake can carry.
var Theses = []string{"Hype", "Quality", "Trust", "Value"}

// Session identifies the user a call acts for. It is built per request and
// passed explicitly; there is no process-wide current user.
type Session struct {
	UserID   string
	Username string
}

// NewSession returns the session for profile p.
func NewSession(p *store.Profile) Session {
	return Session{UserID: p.ID, Username: p.Username}
}

// Options configures the engine.
type Options struct {
	// RealizePnL pays liquidations at the current score. When false a
	// liquidation returns principal 1:1 and P&L stays display-only.
	RealizePnL bool
	// MaxAttempts bounds transaction replays after a version conflict.
	MaxAttempts int
	Now         func() time.Time
}

// Engine records stakes and liquidations.
type Engine struct {
	store       store.Store
	realizePnL  bool
	maxAttempts int
	now         func() time.Time
	locks       [lockStripes]sync.Mutex
}

// New creates a ledger engine over s.
func New(s store.Store, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:       s,
		realizePnL:  opts.RealizePnL,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
}

// RealizesPnL reports the settlement policy.
func (e *Engine) RealizesPnL() bool { return e.realizePnL }

// Receipt describes the effect of a successful operation.
type Receipt struct {
	Entry   store.Entry `json:"entry"`
	Balance int64       `json:"balance"`
	Closed  []int64     `json:"closed,omitempty"`
}

// OpenAccount creates a profile with a starting balance.
func (e *Engine) OpenAccount(ctx context.Context, username string, points int64, rank string) (*store.Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if points < 0 {
		return nil, ErrInvalidAmount
	}
	p := &store.Profile{
		ID:            uuid.NewString(),
		Username:      username,
		PointsBalance: points,
		RankTitle:     rank,
		CreatedAt:     e.now(),
	}
	if err := e.store.CreateProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Stake commits amount points from the session's balance to brandID.
func (e *Engine) Stake(ctx context.Context, s Session, brandID, amount int64, thesis string) (*Receipt, error) {
	if amount <= 0 {
		return nil, e.reject("stake", ErrInvalidAmount)
	}
	tag, ok := canonicalThesis(thesis)
	if !ok {
		return nil, e.reject("stake", fmt.Errorf("%w %q", ErrUnknownThesis, thesis))
	}

	var receipt *Receipt
	err := e.run(ctx, "stake", s, func(tx store.Tx) error {
		p, err := tx.GetProfile(ctx, s.UserID)
		if err != nil {
			return err
		}
		b, err := tx.GetBrand(ctx, brandID)
		if err != nil {
			return err
		}
		if p.PointsBalance < amount {
			return fmt.Errorf("%w: balance %d, stake %d", ErrInsufficientFunds, p.PointsBalance, amount)
		}

		entry := store.Entry{
			UserID:       p.ID,
			BrandID:      b.ID,
			AmountStaked: amount,
			EntryBES:     b.BESScore,
			ThesisTag:    tag,
			Status:       store.StatusActive,
			CreatedAt:    e.now(),
		}
		if err := tx.InsertEntry(ctx, &entry); err != nil {
			return err
		}
		balance := p.PointsBalance - amount
		if err := tx.UpdateBalance(ctx, p.ID, balance, p.Version); err != nil {
			return err
		}
		receipt = &Receipt{Entry: entry, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user", s.Username).Int64("brand", brandID).Int64("amount", amount).
		Float64("entry_bes", receipt.Entry.EntryBES).Str("thesis", tag).Msg("stake recorded")
	return receipt, nil
}

// Liquidate closes amount points of the session's open holdings in brandID.
// Stakes are consumed oldest first; a stake fully consumed is marked CLOSED.
func (e *Engine) Liquidate(ctx context.Context, s Session, brandID, amount int64) (*Receipt, error) {
	if amount <= 0 {
		return nil, e.reject("liquidate", ErrInvalidAmount)
	}

	var receipt *Receipt
	err := e.run(ctx, "liquidate", s, func(tx store.Tx) error {
		p, err := tx.GetProfile(ctx, s.UserID)
		if err != nil {
			return err
		}
		b, err := tx.GetBrand(ctx, brandID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, p.ID, b.ID)
		if err != nil {
			return err
		}

		fifo := newBook(entries)
		held := fifo.holdings()
		if held <= 0 {
			return fmt.Errorf("%w in brand %d", ErrNoHoldings, b.ID)
		}
		if amount > held {
			return fmt.Errorf("%w: holding %d, liquidating %d", ErrExceedsHoldings, held, amount)
		}

		consumed, closed := fifo.consume(amount)
		payout := amount
		if e.realizePnL {
			payout = realizedPayout(consumed, b.BESScore)
		}

		entry := store.Entry{
			UserID:        p.ID,
			BrandID:       b.ID,
			AmountStaked:  -amount,
			EntryBES:      b.BESScore,
			ThesisTag:     CashOut,
			Status:        store.StatusClosed,
			SettledPoints: payout,
			CreatedAt:     e.now(),
		}
		if err := tx.InsertEntry(ctx, &entry); err != nil {
			return err
		}
		if err := tx.CloseEntries(ctx, closed); err != nil {
			return err
		}
		balance := p.PointsBalance + payout
		if err := tx.UpdateBalance(ctx, p.ID, balance, p.Version); err != nil {
			return err
		}
		receipt = &Receipt{Entry: entry, Balance: balance, Closed: closed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user", s.Username).Int64("brand", brandID).Int64("amount", amount).
		Int64("settled", receipt.Entry.SettledPoints).Ints64("closed", receipt.Closed).
		Msg("liquidation recorded")
	return receipt, nil
}

// run executes fn as one transaction for the session's user, replaying it
// on version conflicts. Precondition and not-found errors are returned as is;
// anything else is reported as ErrPersistence after the transaction rolled back.
func (e *Engine) run(ctx context.Context, op string, s Session, fn func(tx store.Tx) error) error {
	mu := e.userLock(s.UserID)
	mu.Lock()
	defer mu.Unlock()

	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = e.store.InTx(ctx, fn)
		if !errors.Is(err, store.ErrVersionConflict) {
			break
		}
		metrics.LedgerRetries.WithLabelValues(op).Inc()
		log.Warn().Str("op", op).Str("user", s.Username).Int("attempt", attempt).Msg("balance changed underneath, retrying")
	}

	switch {
	case err == nil:
		metrics.LedgerOps.WithLabelValues(op, "ok").Inc()
		return nil
	case isRejection(err), errors.Is(err, store.ErrNotFound):
		return e.reject(op, err)
	default:
		metrics.LedgerOps.WithLabelValues(op, "error").Inc()
		log.Error().Err(err).Str("op", op).Str("user", s.Username).Msg("ledger transaction failed")
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
}

func (e *Engine) reject(op string, err error) error {
	metrics.LedgerOps.WithLabelValues(op, "rejected").Inc()
	return err
}

// lockStripes bounds the per-user locks. Users that share a stripe
// serialize against each other, which only costs throughput.
const lockStripes = 64

func (e *Engine) userLock(userID string) *sync.Mutex {
	return &e.locks[xxhash.Sum64String(userID)%lockStripes]
}

// IsRejection reports whether err is a precondition failure that left no trace.
func IsRejection(err error) bool {
	return isRejection(err)
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownThesis) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNoHoldings) ||
		errors.Is(err, ErrExceedsHoldings)
}

func canonicalThesis(thesis string) (string, bool) {
	for _, t := range Theses {
		if strings.EqualFold(strings.TrimSpace(thesis), t) {
			return t, true
		}
	}
	return "", false
}
