// Package generator synthesizes a quote/trade/heartbeat stream per symbol
// using a Geometric Brownian Motion price walk.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyber-systems/marketfeed/protocol"
)

// MarketCondition biases the drift term applied to every symbol's GBM walk.
type MarketCondition int

const (
	Neutral MarketCondition = iota
	Bullish
	Bearish
)

func driftFor(c MarketCondition) float64 {
	switch c {
	case Bullish:
		return 0.05
	case Bearish:
		return -0.05
	default:
		return 0.0
	}
}

// symbolState holds the per-symbol GBM parameters and last-known quote.
type symbolState struct {
	price         float64
	bidPrice      float64
	askPrice      float64
	volatility    float64
	drift         float64
	bidQuantity   uint32
	askQuantity   uint32
	lastTradeQty  uint32
}

// Generator produces wire-ready messages for a fixed universe of symbols.
// It is not safe for concurrent use; the exchange reactor drives it from its
// single loop goroutine.
type Generator struct {
	symbols    []symbolState
	sequence   uint32
	dt         float64
	condition  MarketCondition
	rng        *rand.Rand
	hasSpare   bool
	spare      float64
}

// New constructs a Generator for numSymbols, seeded from src.
func New(numSymbols int, src rand.Source) *Generator {
	g := &Generator{
		symbols: make([]symbolState, numSymbols),
		dt:      0.001,
		rng:     rand.New(src),
	}
	g.Reset()
	return g
}

// Reset reinitializes every symbol's price, volatility, and spread, and
// zeroes the sequence counter.
func (g *Generator) Reset() {
	g.sequence = 0
	for i := range g.symbols {
		s := &g.symbols[i]
		s.price = 100.0 + g.rng.Float64()*4900.0
		s.volatility = 0.01 + g.rng.Float64()*0.05
		s.drift = 0.0
		g.updateSpread(s)
		s.bidQuantity = uint32(100 + g.rng.Intn(9901))
		s.askQuantity = uint32(100 + g.rng.Intn(9901))
		s.lastTradeQty = 0
	}
}

// SetMarketCondition rewrites every symbol's drift term to match condition.
func (g *Generator) SetMarketCondition(c MarketCondition) {
	g.condition = c
	drift := driftFor(c)
	for i := range g.symbols {
		g.symbols[i].drift = drift
	}
}

// SetTimeStep overrides the GBM time step (default 0.001, i.e. 1ms).
func (g *Generator) SetTimeStep(dt float64) { g.dt = dt }

// NumSymbols reports the configured symbol universe size.
func (g *Generator) NumSymbols() int { return len(g.symbols) }

// CurrentSequence reports the last sequence number assigned.
func (g *Generator) CurrentSequence() uint32 { return g.sequence }

func (g *Generator) generateNormal() float64 {
	if g.hasSpare {
		g.hasSpare = false
		return g.spare
	}

	var u1, u2 float64
	for {
		u1 = g.rng.Float64()
		u2 = g.rng.Float64()
		if u1 > 0.0 {
			break
		}
	}

	mag := math.Sqrt(-2.0 * math.Log(u1))
	z0 := mag * math.Cos(2.0*math.Pi*u2)
	z1 := mag * math.Sin(2.0*math.Pi*u2)

	g.spare = z1
	g.hasSpare = true
	return z0
}

func round2(v float64) float64 {
	d := decimal.NewFromFloat(v).Round(2)
	f, _ := d.Float64()
	return f
}

func (g *Generator) updatePrice(s *symbolState) {
	dW := g.generateNormal() * math.Sqrt(g.dt)
	driftTerm := s.drift * s.price * g.dt
	volTerm := s.volatility * s.price * dW

	s.price += driftTerm + volTerm
	s.price = math.Max(1.0, math.Min(s.price, 100000.0))

	g.updateSpread(s)
}

func (g *Generator) updateSpread(s *symbolState) {
	spreadPct := 0.0005 + g.rng.Float64()*0.0015
	halfSpread := s.price * spreadPct / 2.0

	s.bidPrice = round2(s.price - halfSpread)
	s.askPrice = round2(s.price + halfSpread)
}

func timestampNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// GenerateTick advances a randomly chosen symbol's GBM state by one step and
// returns the resulting wire message along with the symbol it targeted.
func (g *Generator) GenerateTick() (msg []byte, symbolID uint16) {
	symbolID = uint16(g.rng.Intn(len(g.symbols)))
	return g.GenerateTickForSymbol(symbolID), symbolID
}

// GenerateTickForSymbol advances symbolID's GBM state by one step and
// returns the resulting quote or trade message (70%/30% split).
func (g *Generator) GenerateTickForSymbol(symbolID uint16) []byte {
	if int(symbolID) >= len(g.symbols) {
		return nil
	}
	s := &g.symbols[symbolID]
	g.updatePrice(s)

	g.sequence++
	header := protocol.Header{
		SequenceNumber: g.sequence,
		TimestampNanos: timestampNs(),
		SymbolID:       symbolID,
	}

	if g.rng.Float64() < 0.3 {
		tradeOffset := (g.rng.Float64() - 0.5) * (s.askPrice - s.bidPrice)
		price := round2(s.price + tradeOffset)
		qty := uint32(100 + g.rng.Float64()*9900)
		s.lastTradeQty = qty

		return protocol.EncodeTrade(header, protocol.TradePayload{
			Price:    price,
			Quantity: qty,
		})
	}

	bidChange := g.rng.Intn(1001) - 500
	askChange := g.rng.Intn(1001) - 500
	s.bidQuantity = clampQty(int64(s.bidQuantity) + int64(bidChange))
	s.askQuantity = clampQty(int64(s.askQuantity) + int64(askChange))

	return protocol.EncodeQuote(header, protocol.QuotePayload{
		BidPrice:    s.bidPrice,
		BidQuantity: s.bidQuantity,
		AskPrice:    s.askPrice,
		AskQuantity: s.askQuantity,
	})
}

func clampQty(v int64) uint32 {
	if v < 100 {
		return 100
	}
	return uint32(v)
}

// GenerateHeartbeat produces a symbol_id=0 heartbeat message and advances
// the sequence counter, matching the cadence ticks consume it at.
func (g *Generator) GenerateHeartbeat() []byte {
	g.sequence++
	return protocol.EncodeHeartbeat(protocol.Header{
		SequenceNumber: g.sequence,
		TimestampNanos: timestampNs(),
	})
}

// SymbolState exposes a read-only copy of a symbol's generator state, for
// diagnostics and tests.
type SymbolState struct {
	Price       float64
	BidPrice    float64
	AskPrice    float64
	Volatility  float64
	Drift       float64
	BidQuantity uint32
	AskQuantity uint32
}

func (g *Generator) SymbolStateOf(symbolID uint16) SymbolState {
	if int(symbolID) >= len(g.symbols) {
		return SymbolState{}
	}
	s := g.symbols[symbolID]
	return SymbolState{
		Price: s.price, BidPrice: s.bidPrice, AskPrice: s.askPrice,
		Volatility: s.volatility, Drift: s.drift,
		BidQuantity: s.bidQuantity, AskQuantity: s.askQuantity,
	}
}
