package newsapi

import (
	"sync"
	"time"
)

// Budget tracks a shared requests-per-day allowance. Adapter instances
// hitting the same quota-limited API share one Budget; Take is safe for
// concurrent use. The counter rolls over at UTC midnight.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
	day   time.Time
	now   func() time.Time
}

func NewBudget(dailyLimit int) *Budget {
	return &Budget{
		limit: dailyLimit,
		now:   time.Now,
	}
}

// Take consumes one request from today's allowance. It reports false when
// the budget is exhausted, in which case the caller stops paginating and
// returns a partial result.
func (b *Budget) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.now().UTC().Truncate(24 * time.Hour)
	if !b.day.Equal(today) {
		b.day = today
		b.used = 0
	}

	if b.limit > 0 && b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Remaining reports how many requests are left today.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.now().UTC().Truncate(24 * time.Hour)
	if !b.day.Equal(today) {
		return b.limit
	}
	if b.limit <= 0 {
		return -1
	}
	return b.limit - b.used
}
