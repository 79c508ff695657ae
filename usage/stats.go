package usage

import (
	"math/big"
	"strings"
	"time"
)

// Window is a rolling count and revenue total.
type Window struct {
	Count   int    `json:"count"`
	Revenue string `json:"revenue"`
}

// Stats aggregates every retained record. Amounts are base-unit integers
// rendered as decimal strings.
type Stats struct {
	TotalPayments int               `json:"totalPayments"`
	TotalRevenue  string            `json:"totalRevenue"`
	RevenueByTool map[string]string `json:"revenueByTool"`
	CountByTool   map[string]int    `json:"countByTool"`
	UniquePayers  int               `json:"uniquePayers"`
	Last24h       Window            `json:"last24h"`
	Last7d        Window            `json:"last7d"`
	Last30d       Window            `json:"last30d"`
}

type windowAcc struct {
	cutoff  time.Time
	count   int
	revenue *big.Int
}

func (w *windowAcc) add(ts time.Time, amount *big.Int) {
	if ts.Before(w.cutoff) {
		return
	}
	w.count++
	w.revenue.Add(w.revenue, amount)
}

func (w *windowAcc) window() Window {
	return Window{Count: w.count, Revenue: w.revenue.String()}
}

// Stats scans every retained record once. Cost is linear in the number of
// records, which capacity bounds.
func (t *Tracker) Stats() Stats {
	now := t.now()
	day := newWindowAcc(now.Add(-24 * time.Hour))
	week := newWindowAcc(now.Add(-7 * 24 * time.Hour))
	month := newWindowAcc(now.Add(-30 * 24 * time.Hour))

	total := new(big.Int)
	byTool := make(map[string]*big.Int)
	countByTool := make(map[string]int)
	payers := make(map[string]struct{})

	t.mu.RLock()
	count := len(t.records)
	for _, r := range t.records {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			amount = new(big.Int)
		}

		total.Add(total, amount)
		if _, ok := byTool[r.Tool]; !ok {
			byTool[r.Tool] = new(big.Int)
		}
		byTool[r.Tool].Add(byTool[r.Tool], amount)
		countByTool[r.Tool]++
		payers[strings.ToLower(r.Payer)] = struct{}{}

		day.add(r.Timestamp, amount)
		week.add(r.Timestamp, amount)
		month.add(r.Timestamp, amount)
	}
	t.mu.RUnlock()

	revenueByTool := make(map[string]string, len(byTool))
	for tool, sum := range byTool {
		revenueByTool[tool] = sum.String()
	}

	return Stats{
		TotalPayments: count,
		TotalRevenue:  total.String(),
		RevenueByTool: revenueByTool,
		CountByTool:   countByTool,
		UniquePayers:  len(payers),
		Last24h:       day.window(),
		Last7d:        week.window(),
		Last30d:       month.window(),
	}
}

func newWindowAcc(cutoff time.Time) *windowAcc {
	return &windowAcc{cutoff: cutoff, revenue: new(big.Int)}
}
