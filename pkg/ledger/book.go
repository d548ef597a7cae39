package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/elonfeng/brandstreet/internal/store"
	"github.com/elonfeng/brandstreet/pkg/trend"
)

// lot is the still-open part of one stake.
type lot struct {
	entry store.Entry
	open  int64
}

// slice is a piece of a lot consumed by a liquidation.
type slice struct {
	amount   int64
	entryBES float64
}

// book replays one user's entries for one brand. Liquidations consume stakes
// first in, first out, so the open part of every stake follows from the
// append-only rows alone.
type book struct {
	lots []lot
}

func newBook(entries []store.Entry) *book {
	var liquidated int64
	b := &book{}
	for _, e := range entries {
		if e.AmountStaked < 0 {
			liquidated += -e.AmountStaked
			continue
		}
		b.lots = append(b.lots, lot{entry: e, open: e.AmountStaked})
	}
	for i := range b.lots {
		if liquidated == 0 {
			break
		}
		take := min(b.lots[i].open, liquidated)
		b.lots[i].open -= take
		liquidated -= take
	}
	return b
}

// holdings is the open amount across all stakes.
func (b *book) holdings() int64 {
	var total int64
	for _, l := range b.lots {
		total += l.open
	}
	return total
}

// consume takes amount from the oldest open lots. It returns the consumed
// slices and the ids of ACTIVE stakes left with nothing open.
func (b *book) consume(amount int64) ([]slice, []int64) {
	var (
		slices []slice
		closed []int64
	)
	for i := range b.lots {
		l := &b.lots[i]
		if amount > 0 && l.open > 0 {
			take := min(l.open, amount)
			l.open -= take
			amount -= take
			slices = append(slices, slice{amount: take, entryBES: l.entry.EntryBES})
		}
		if l.open == 0 && l.entry.Status == store.StatusActive {
			closed = append(closed, l.entry.ID)
		}
	}
	return slices, closed
}

// realizedPayout values each slice at current/entry, falling back to
// principal where the entry score is not positive. The total is rounded to
// whole points and never negative.
func realizedPayout(slices []slice, currentBES float64) int64 {
	total := decimal.Zero
	current := decimal.NewFromFloat(currentBES)
	for _, s := range slices {
		amt := decimal.NewFromInt(s.amount)
		if s.entryBES <= 0 {
			total = total.Add(amt)
			continue
		}
		total = total.Add(amt.Mul(current).Div(decimal.NewFromFloat(s.entryBES)))
	}
	if total.IsNegative() {
		return 0
	}
	return total.Round(0).IntPart()
}

// UnrealizedPnL is the percentage move of a position from its entry score.
// It is display-only and never feeds settlement.
func UnrealizedPnL(entryBES, currentBES float64) float64 {
	if entryBES == 0 {
		return 0
	}
	return trend.Round2((currentBES - entryBES) / entryBES * 100)
}
