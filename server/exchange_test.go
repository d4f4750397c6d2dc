package server

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/generator"
)

func newTestExchange(t *testing.T) *Exchange {
	t.Helper()
	gen := generator.New(10, rand.NewSource(1))
	bus := eventbus.NewRingBuffer(16, eventbus.HandlerFunc(func(eventbus.Event) {}))
	bus.Start()
	t.Cleanup(func() {
		_ = bus
	})
	return New(Config{Port: 0, NumSymbols: 10, TickRate: 1000}, gen, bus)
}

func TestSetTickRateClamps(t *testing.T) {
	e := newTestExchange(t)

	e.SetTickRate(0)
	assert.EqualValues(t, minTickRate, e.cfg.TickRate)

	e.SetTickRate(1_000_000)
	assert.EqualValues(t, maxTickRate, e.cfg.TickRate)

	e.SetTickRate(500)
	assert.EqualValues(t, 500, e.cfg.TickRate)
}

func TestEnableFaultInjectionResetsCounter(t *testing.T) {
	e := newTestExchange(t)
	e.faultSkipCounter = 42

	e.EnableFaultInjection(true)
	assert.True(t, e.cfg.FaultInjection)
	assert.EqualValues(t, 0, e.faultSkipCounter)
}

func TestGenerateAndBroadcastTickWithNoClientsIsNoop(t *testing.T) {
	e := newTestExchange(t)
	e.generateAndBroadcastTick()
	assert.EqualValues(t, 0, e.MessagesSent())
}
