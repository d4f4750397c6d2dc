// Package cache holds the lock-free symbol cache the feed handler writes
// into and any number of readers can snapshot concurrently via a seqlock.
package cache

import (
	"sync/atomic"
	"unsafe"

	"github.com/huandu/skiplist"
)

// MaxSymbols bounds the cache's fixed symbol table, matching the protocol's
// 16-bit symbol ID space as constrained by the exchange's configured size.
const MaxSymbols = 500

// MarketState is the snapshot-able per-symbol state. It is small enough to
// copy by value on every read.
type MarketState struct {
	BestBid            float64
	BestAsk            float64
	BidQuantity        uint32
	AskQuantity        uint32
	LastTradedPrice    float64
	LastTradedQuantity uint32
	LastUpdateTime     uint64
	UpdateCount        uint64
	OpeningPrice       float64
}

const entrySize = 128

type symbolEntry struct {
	sequence atomic.Uint64 // odd = write in progress, even = valid
	state    MarketState
	_        [entrySize - 8 - int(unsafe.Sizeof(MarketState{}))]byte
}

func init() {
	if unsafe.Sizeof(symbolEntry{}) != entrySize {
		panic("cache: symbolEntry size drifted from its cache-line budget")
	}
}

// SymbolCache is a single-writer, many-reader lock-free cache of per-symbol
// market state. The writer side is intended to be driven by exactly one
// goroutine (the feed handler's parse loop); readers call Snapshot from any
// goroutine without blocking the writer.
type SymbolCache struct {
	numSymbols int
	entries    [MaxSymbols]symbolEntry
}

// New constructs a cache sized for numSymbols (capped at MaxSymbols).
func New(numSymbols int) *SymbolCache {
	if numSymbols > MaxSymbols {
		numSymbols = MaxSymbols
	}
	if numSymbols <= 0 {
		numSymbols = MaxSymbols
	}
	return &SymbolCache{numSymbols: numSymbols}
}

func (c *SymbolCache) beginWrite(symbolID uint16) *symbolEntry {
	e := &c.entries[symbolID]
	seq := e.sequence.Load()
	e.sequence.Store(seq + 1)
	return e
}

func (e *symbolEntry) endWrite() {
	seq := e.sequence.Load()
	e.sequence.Store(seq + 1)
}

// UpdateQuote applies a best-bid/ask update for symbolID.
func (c *SymbolCache) UpdateQuote(symbolID uint16, bidPrice float64, bidQty uint32, askPrice float64, askQty uint32, timestamp uint64) {
	if int(symbolID) >= c.numSymbols {
		return
	}
	e := c.beginWrite(symbolID)
	s := &e.state
	s.BestBid = bidPrice
	s.BidQuantity = bidQty
	s.BestAsk = askPrice
	s.AskQuantity = askQty
	s.LastUpdateTime = timestamp
	s.UpdateCount++
	if s.OpeningPrice == 0.0 {
		s.OpeningPrice = (bidPrice + askPrice) / 2.0
	}
	e.endWrite()
}

// UpdateTrade records a trade print for symbolID.
func (c *SymbolCache) UpdateTrade(symbolID uint16, price float64, quantity uint32, timestamp uint64) {
	if int(symbolID) >= c.numSymbols {
		return
	}
	e := c.beginWrite(symbolID)
	s := &e.state
	s.LastTradedPrice = price
	s.LastTradedQuantity = quantity
	s.LastUpdateTime = timestamp
	s.UpdateCount++
	if s.OpeningPrice == 0.0 {
		s.OpeningPrice = price
	}
	e.endWrite()
}

// UpdateBid updates only the bid side of the book for symbolID.
func (c *SymbolCache) UpdateBid(symbolID uint16, price float64, quantity uint32, timestamp uint64) {
	if int(symbolID) >= c.numSymbols {
		return
	}
	e := c.beginWrite(symbolID)
	s := &e.state
	s.BestBid = price
	s.BidQuantity = quantity
	s.LastUpdateTime = timestamp
	s.UpdateCount++
	e.endWrite()
}

// UpdateAsk updates only the ask side of the book for symbolID.
func (c *SymbolCache) UpdateAsk(symbolID uint16, price float64, quantity uint32, timestamp uint64) {
	if int(symbolID) >= c.numSymbols {
		return
	}
	e := c.beginWrite(symbolID)
	s := &e.state
	s.BestAsk = price
	s.AskQuantity = quantity
	s.LastUpdateTime = timestamp
	s.UpdateCount++
	e.endWrite()
}

// Snapshot returns a torn-free copy of the current state for symbolID,
// retrying the read while a write is in progress or raced past it.
func (c *SymbolCache) Snapshot(symbolID uint16) MarketState {
	if int(symbolID) >= c.numSymbols {
		return MarketState{}
	}
	e := &c.entries[symbolID]

	for {
		seq1 := e.sequence.Load()
		for seq1&1 == 1 {
			seq1 = e.sequence.Load()
		}
		snapshot := e.state
		seq2 := e.sequence.Load()
		if seq1 == seq2 {
			return snapshot
		}
	}
}

type rankedSymbol struct {
	id          uint16
	updateCount uint64
}

// GetTopSymbols returns count symbols ordered by update count descending
// (ties by ascending ID), skipping any symbol that has never been updated.
// When fewer than count symbols have been updated, the remaining slots are
// filled with ID 0 and a zero MarketState.
func (c *SymbolCache) GetTopSymbols(count int) ([]uint16, []MarketState) {
	sl := skiplist.New(skiplist.GreaterThanFunc(func(a, b interface{}) int {
		ra, rb := a.(rankedSymbol), b.(rankedSymbol)
		if ra.updateCount != rb.updateCount {
			if ra.updateCount > rb.updateCount {
				return -1
			}
			return 1
		}
		if ra.id < rb.id {
			return -1
		}
		if ra.id > rb.id {
			return 1
		}
		return 0
	}))

	for i := 0; i < c.numSymbols; i++ {
		state := c.Snapshot(uint16(i))
		if state.UpdateCount > 0 {
			sl.Set(rankedSymbol{id: uint16(i), updateCount: state.UpdateCount}, struct{}{})
		}
	}

	ids := make([]uint16, 0, count)
	states := make([]MarketState, 0, count)
	for el := sl.Front(); el != nil && len(ids) < count; el = el.Next() {
		rs := el.Key().(rankedSymbol)
		ids = append(ids, rs.id)
		states = append(states, c.Snapshot(rs.id))
	}
	for len(ids) < count {
		ids = append(ids, 0)
		states = append(states, MarketState{})
	}
	return ids, states
}

// TotalUpdates sums UpdateCount across every symbol.
func (c *SymbolCache) TotalUpdates() uint64 {
	var total uint64
	for i := 0; i < c.numSymbols; i++ {
		total += c.Snapshot(uint16(i)).UpdateCount
	}
	return total
}

// Reset clears every entry back to its zero state.
func (c *SymbolCache) Reset() {
	for i := range c.entries {
		c.entries[i].sequence.Store(0)
		c.entries[i].state = MarketState{}
	}
}

// NumSymbols reports the configured symbol table size.
func (c *SymbolCache) NumSymbols() int { return c.numSymbols }
