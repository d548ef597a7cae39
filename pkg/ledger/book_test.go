package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/elonfeng/brandstreet/internal/store"
)

func entries(amounts ...int64) []store.Entry {
	out := make([]store.Entry, len(amounts))
	for i, a := range amounts {
		status := store.StatusActive
		if a < 0 {
			status = store.StatusClosed
		}
		out[i] = store.Entry{ID: int64(i + 1), AmountStaked: a, EntryBES: 50, Status: status}
	}
	return out
}

func TestBookReplaysLiquidationsFIFO(t *testing.T) {
	b := newBook(entries(1000, 500, -1200, 300))

	assert.Equal(t, int64(600), b.holdings())
	assert.Equal(t, int64(0), b.lots[0].open)
	assert.Equal(t, int64(300), b.lots[1].open)
	assert.Equal(t, int64(300), b.lots[2].open)
}

func TestBookConsume(t *testing.T) {
	b := newBook(entries(1000, 500, 300))

	slices, closed := b.consume(1200)
	assert.Equal(t, []slice{{amount: 1000, entryBES: 50}, {amount: 200, entryBES: 50}}, slices)
	assert.Equal(t, []int64{1}, closed)
	assert.Equal(t, int64(600), b.holdings())

	slices, closed = b.consume(600)
	assert.Len(t, slices, 2)
	assert.Equal(t, []int64{1, 2, 3}, closed, "already drained ACTIVE stakes are reported too")
	assert.Zero(t, b.holdings())
}

func TestBookIgnoresClosedStakesWhenClosing(t *testing.T) {
	es := entries(100, -100, 50)
	es[0].Status = store.StatusClosed

	_, closed := newBook(es).consume(50)
	assert.Equal(t, []int64{3}, closed)
}

func TestRealizedPayout(t *testing.T) {
	tests := []struct {
		name    string
		slices  []slice
		current float64
		want    int64
	}{
		{"gain", []slice{{amount: 1000, entryBES: 50}}, 75, 1500},
		{"loss", []slice{{amount: 1000, entryBES: 50}}, 25, 500},
		{"mixed entries", []slice{{amount: 100, entryBES: 40}, {amount: 100, entryBES: 80}}, 60, 225},
		{"rounds half away from zero", []slice{{amount: 1, entryBES: 2}}, 1, 1},
		{"non-positive entry pays principal", []slice{{amount: 300, entryBES: 0}}, 90, 300},
		{"negative score floors at zero", []slice{{amount: 1000, entryBES: 50}}, -10, 0},
		{"nothing consumed", nil, 70, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, realizedPayout(tt.slices, tt.current))
		})
	}
}

func TestUnrealizedPnL(t *testing.T) {
	assert.Equal(t, 50.0, UnrealizedPnL(50, 75))
	assert.Equal(t, -33.33, UnrealizedPnL(60, 40))
	assert.Equal(t, 0.0, UnrealizedPnL(0, 75))
	assert.Equal(t, 0.0, UnrealizedPnL(42.5, 42.5))
}
