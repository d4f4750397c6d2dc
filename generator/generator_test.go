package generator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyber-systems/marketfeed/protocol"
)

func TestGenerateTickProducesQuoteOrTrade(t *testing.T) {
	g := New(10, rand.NewSource(1))
	msg, symbolID := g.GenerateTick()
	require.NotEmpty(t, msg)
	assert.Less(t, symbolID, uint16(10))

	h := protocol.DecodeHeader(msg)
	assert.Contains(t, []protocol.MessageType{protocol.Trade, protocol.Quote}, h.MessageType)
}

func TestQuoteSpreadIsPositive(t *testing.T) {
	g := New(1, rand.NewSource(42))
	for i := 0; i < 200; i++ {
		msg := g.GenerateTickForSymbol(0)
		h := protocol.DecodeHeader(msg)
		if h.MessageType != protocol.Quote {
			continue
		}
		q := protocol.DecodeQuotePayload(msg[protocol.HeaderSize:])
		price := g.SymbolStateOf(0).Price
		assert.Greater(t, q.AskPrice, q.BidPrice)
		diff := q.AskPrice - q.BidPrice
		// ask-bid is price*spreadPct with spreadPct in [0.0005, 0.002], give
		// or take a cent of rounding on each side.
		assert.InDelta(t, price*0.00125, diff, price*0.00075+0.01)
	}
}

func TestGBMPriceStaysWithinBounds(t *testing.T) {
	g := New(1, rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		g.GenerateTickForSymbol(0)
	}
	s := g.SymbolStateOf(0)
	assert.GreaterOrEqual(t, s.Price, 1.0)
	assert.LessOrEqual(t, s.Price, 100000.0)
}

func TestHeartbeatAdvancesSequenceAndUsesSymbolZero(t *testing.T) {
	g := New(5, rand.NewSource(3))
	before := g.CurrentSequence()
	hb := g.GenerateHeartbeat()
	h := protocol.DecodeHeader(hb)
	assert.Equal(t, protocol.Heartbeat, h.MessageType)
	assert.EqualValues(t, 0, h.SymbolID)
	assert.Equal(t, before+1, h.SequenceNumber)
}

func TestMarketConditionSetsDrift(t *testing.T) {
	g := New(3, rand.NewSource(9))
	g.SetMarketCondition(Bullish)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0.05, g.SymbolStateOf(uint16(i)).Drift)
	}
	g.SetMarketCondition(Bearish)
	assert.Equal(t, -0.05, g.SymbolStateOf(0).Drift)
}

func TestGBMStdDevApproximatesSigmaSqrtDt(t *testing.T) {
	g := New(1, rand.NewSource(123))
	g.SetTimeStep(0.001)
	startPrice := g.SymbolStateOf(0).Price
	sigma := g.SymbolStateOf(0).Volatility

	returns := make([]float64, 0, 5000)
	prev := startPrice
	for i := 0; i < 5000; i++ {
		g.GenerateTickForSymbol(0)
		cur := g.SymbolStateOf(0).Price
		if prev > 0 {
			returns = append(returns, math.Log(cur/prev))
		}
		prev = cur
	}

	var sum, sumSq float64
	for _, r := range returns {
		sum += r
		sumSq += r * r
	}
	n := float64(len(returns))
	mean := sum / n
	variance := sumSq/n - mean*mean
	stdDev := math.Sqrt(variance)

	expected := sigma * math.Sqrt(0.001)
	assert.InDelta(t, expected, stdDev, expected*0.5)
}
