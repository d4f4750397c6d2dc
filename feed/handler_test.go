package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyber-systems/marketfeed/cache"
	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/latency"
	"github.com/kyber-systems/marketfeed/protocol"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	c := cache.New(10)
	lat := latency.New()
	bus := eventbus.NewRingBuffer(16, eventbus.HandlerFunc(func(eventbus.Event) {}))
	bus.Start()
	dump := &MemoryDumpSink{}
	h := New(DefaultConfig(), c, lat, bus, dump)
	return h
}

func TestStateStringValues(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "terminated", Terminated.String())
}

func TestNewHandlerStartsDisconnected(t *testing.T) {
	h := newTestHandler(t)
	assert.Equal(t, Disconnected, h.State())
}

func TestOnTradeWithPastTimestampUpdatesCache(t *testing.T) {
	h := newTestHandler(t)

	pastNs := uint64(time.Now().Add(-time.Millisecond).UnixNano())
	h.onTrade(protocol.Header{SymbolID: 3, TimestampNanos: pastNs}, protocol.TradePayload{Price: 101.5, Quantity: 10})

	state := h.MarketState(3)
	assert.Equal(t, 101.5, state.LastTradedPrice)
	assert.EqualValues(t, 10, state.LastTradedQuantity)
	assert.EqualValues(t, 1, state.UpdateCount)
}

func TestRecordLatencySkipsFutureTimestamps(t *testing.T) {
	h := newTestHandler(t)

	futureNs := uint64(time.Now().Add(time.Hour).UnixNano())
	h.recordLatency(futureNs)

	stats := h.lat.Stats()
	assert.EqualValues(t, 0, stats.SampleCount)
}

func TestRecordLatencyRecordsPastTimestamps(t *testing.T) {
	h := newTestHandler(t)

	pastNs := uint64(time.Now().Add(-5 * time.Millisecond).UnixNano())
	h.recordLatency(pastNs)

	stats := h.lat.Stats()
	assert.EqualValues(t, 1, stats.SampleCount)
}

func TestOnQuoteUpdatesBothSidesOfBook(t *testing.T) {
	h := newTestHandler(t)

	pastNs := uint64(time.Now().Add(-time.Millisecond).UnixNano())
	h.onQuote(protocol.Header{SymbolID: 1, TimestampNanos: pastNs}, protocol.QuotePayload{
		BidPrice: 99.5, BidQuantity: 100, AskPrice: 100.5, AskQuantity: 200,
	})

	state := h.MarketState(1)
	assert.Equal(t, 99.5, state.BestBid)
	assert.Equal(t, 100.5, state.BestAsk)
}

func TestOnSequenceGapPublishesEvent(t *testing.T) {
	h := newTestHandler(t)
	// The bus's handler discards events, so the publish is observed through
	// the producer sequence: the first publish claims sequence 0.
	h.onSequenceGap(5, 9)
	assert.EqualValues(t, 0, h.bus.ProducerSequence())
}

func TestParserCallbacksFeedDecodedTradeIntoCache(t *testing.T) {
	h := newTestHandler(t)

	pastNs := uint64(time.Now().Add(-time.Millisecond).UnixNano())
	frame := protocol.EncodeTrade(protocol.Header{SequenceNumber: 0, TimestampNanos: pastNs, SymbolID: 2}, protocol.TradePayload{Price: 50, Quantity: 7})

	h.parser.Append(frame)
	n := h.parser.ParseMessages()
	require.Equal(t, 1, n)

	state := h.MarketState(2)
	assert.Equal(t, 50.0, state.LastTradedPrice)
}

func TestReconnectFailsAfterMaxRetriesWithUnreachableHost(t *testing.T) {
	h := newTestHandler(t)
	h.cfg.Host = "203.0.113.1" // TEST-NET-3, guaranteed unreachable/non-routed
	h.cfg.ConnectTimeout = 50 * time.Millisecond
	h.reconnectCount = maxRetryCount

	err := h.reconnect()
	assert.Error(t, err)
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.EqualValues(t, 9876, cfg.Port)
	assert.True(t, cfg.AutoReconnect)
}
