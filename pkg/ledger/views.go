package ledger

import (
	"context"
	"time"

	"github.com/elonfeng/brandstreet/internal/store"
	"github.com/elonfeng/brandstreet/pkg/trend"
)

// Position is an open stake as shown in a portfolio.
type Position struct {
	EntryID     int64     `json:"entry_id"`
	BrandID     int64     `json:"brand_id"`
	BrandName   string    `json:"brand_name"`
	ExternalKey string    `json:"external_key"`
	Thesis      string    `json:"thesis"`
	Staked      int64     `json:"staked"`
	Open        int64     `json:"open"`
	EntryBES    float64   `json:"entry_bes"`
	CurrentBES  float64   `json:"current_bes"`
	PnLPercent  float64   `json:"pnl_percent"`
	CreatedAt   time.Time `json:"created_at"`
}

// Portfolio is a user's balance and open positions.
type Portfolio struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Balance   int64      `json:"balance"`
	RankTitle string     `json:"rank_title"`
	Positions []Position `json:"positions"`
	TotalOpen int64      `json:"total_open"`
	// MarkValue prices open positions at the current score; display only.
	MarkValue  float64 `json:"mark_value"`
	RealizePnL bool    `json:"realize_pnl"`
}

// Portfolio returns the session user's open positions with unrealized P&L.
func (e *Engine) Portfolio(ctx context.Context, s Session) (*Portfolio, error) {
	p, err := e.store.GetProfile(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListPortfolio(ctx, s.UserID)
	if err != nil {
		return nil, err
	}

	out := &Portfolio{
		UserID:     p.ID,
		Username:   p.Username,
		Balance:    p.PointsBalance,
		RankTitle:  p.RankTitle,
		Positions:  []Position{},
		RealizePnL: e.realizePnL,
	}

	// Rows arrive grouped by brand, oldest first.
	var mark float64
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].BrandID == rows[start].BrandID {
			end++
		}
		group := rows[start:end]
		entries := make([]store.Entry, len(group))
		for i, r := range group {
			entries[i] = r.Entry
		}

		brand := group[0]
		for _, l := range newBook(entries).lots {
			if l.open <= 0 {
				continue
			}
			out.Positions = append(out.Positions, Position{
				EntryID:     l.entry.ID,
				BrandID:     brand.BrandID,
				BrandName:   brand.BrandName,
				ExternalKey: brand.ExternalKey,
				Thesis:      l.entry.ThesisTag,
				Staked:      l.entry.AmountStaked,
				Open:        l.open,
				EntryBES:    l.entry.EntryBES,
				CurrentBES:  brand.CurrentBES,
				PnLPercent:  UnrealizedPnL(l.entry.EntryBES, brand.CurrentBES),
				CreatedAt:   l.entry.CreatedAt,
			})
			out.TotalOpen += l.open
			mark += float64(l.open) * (1 + UnrealizedPnL(l.entry.EntryBES, brand.CurrentBES)/100)
		}
		start = end
	}
	out.MarkValue = trend.Round2(mark)
	return out, nil
}

// Leaderboard returns the top n profiles by balance.
func (e *Engine) Leaderboard(ctx context.Context, n int) ([]store.Profile, error) {
	return e.store.ListProfiles(ctx, n)
}

// Brands returns brands by score, best first.
func (e *Engine) Brands(ctx context.Context, sector string, limit int) ([]store.Brand, error) {
	return e.store.ListBrands(ctx, store.BrandListOpts{Sector: sector, Limit: limit})
}
