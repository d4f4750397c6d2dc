package server

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/generator"
	"github.com/kyber-systems/marketfeed/protocol"
	"github.com/kyber-systems/marketfeed/sockutil"
)

var logger = slog.Default()

// SetLogger overrides the package-level logger, the way every other
// component in this module lets its caller swap in a configured *slog.Logger.
func SetLogger(l *slog.Logger) { logger = l }

const (
	minTickRate = 1
	maxTickRate = 500_000
)

// Config configures an Exchange before it starts.
type Config struct {
	Port             uint16
	NumSymbols       int
	TickRate         uint32
	MarketCondition  generator.MarketCondition
	FaultInjection   bool
	SlowThreshold    int
}

// Exchange is the single-reactor TCP server: one goroutine owns the epoll
// loop, accepts connections, parses subscription requests, and paces tick
// generation and broadcast. Nothing else may block it.
type Exchange struct {
	cfg Config

	listenFd int
	poller   *sockutil.Poller

	tickGen *generator.Generator
	clients *ClientManager
	bus     *eventbus.RingBuffer

	faultSkipCounter uint64

	messagesSent atomic.Uint64
	bytesSent    atomic.Uint64

	running atomic.Bool
}

// New constructs an Exchange from cfg. tickGen must already be sized for
// cfg.NumSymbols.
func New(cfg Config, tickGen *generator.Generator, bus *eventbus.RingBuffer) *Exchange {
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = slowConsumerThreshold
	}
	cm := NewClientManager()
	cm.SetSlowThreshold(cfg.SlowThreshold)
	cm.SetEventBus(bus)

	tickGen.SetMarketCondition(cfg.MarketCondition)

	return &Exchange{
		cfg:     cfg,
		tickGen: tickGen,
		clients: cm,
		bus:     bus,
	}
}

// Start binds the listening socket and epoll instance. Run must be called
// afterward to actually drive the loop.
func (e *Exchange) Start() error {
	fd, err := sockutil.ListenTCP(e.cfg.Port)
	if err != nil {
		return err
	}
	e.listenFd = fd

	poller, err := sockutil.NewPoller()
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := poller.AddReadEdgeTriggered(fd, false); err != nil {
		poller.Close()
		unix.Close(fd)
		return err
	}
	e.poller = poller

	e.running.Store(true)
	logger.Info("exchange started", "port", e.cfg.Port, "symbols", e.tickGen.NumSymbols(), "tick_rate", e.cfg.TickRate)
	return nil
}

// Stop signals Run's loop to exit after its current iteration.
func (e *Exchange) Stop() {
	e.running.Store(false)
}

// Run drives the reactor until Stop is called. It owns pacing ticks to
// cfg.TickRate (catching up by generating up to 100 ticks per iteration when
// behind, and only while at least one client is connected) and sending a
// heartbeat to every client at least once a second.
func (e *Exchange) Run() error {
	if !e.running.Load() {
		if err := e.Start(); err != nil {
			return err
		}
	}

	rate := e.cfg.TickRate
	if rate < minTickRate {
		rate = minTickRate
	}
	if rate > maxTickRate {
		rate = maxTickRate
	}
	tickInterval := time.Second / time.Duration(rate)

	lastTick := time.Now()
	lastHeartbeat := lastTick

	for e.running.Load() {
		events, err := e.poller.Wait(64, 1)
		if err != nil {
			return err
		}

		for _, ev := range events {
			fd := int(ev.Fd)
			if fd == e.listenFd {
				e.handleNewConnections()
				continue
			}
			e.handleClientEvent(fd, ev)
		}

		now := time.Now()
		if elapsed := now.Sub(lastTick); elapsed >= tickInterval {
			ticksToGenerate := int(elapsed / tickInterval)
			if ticksToGenerate > 100 {
				ticksToGenerate = 100
			}
			for i := 0; i < ticksToGenerate && e.clients.ClientCount() > 0; i++ {
				e.generateAndBroadcastTick()
			}
			lastTick = now
		}

		if now.Sub(lastHeartbeat) >= time.Second {
			e.sendHeartbeat()
			lastHeartbeat = now
		}
	}

	return nil
}

func (e *Exchange) handleNewConnections() {
	err := sockutil.AcceptAll(e.listenFd, func(fd int, addr string, port uint16) {
		if err := e.poller.AddReadEdgeTriggered(fd, true); err != nil {
			unix.Close(fd)
			return
		}
		e.clients.AddClient(fd, addr, port)
		e.bus.Publish(eventbus.Event{
			Kind:     eventbus.ClientConnected,
			ClientID: e.clients.ClientID(fd),
			Address:  fmt.Sprintf("%s:%d", addr, port),
		})
	})
	if err != nil {
		logger.Warn("accept failed", "error", err)
	}
}

func (e *Exchange) handleClientEvent(fd int, ev sockutil.ReadyEvent) {
	if ev.Error || ev.Hangup {
		e.disconnect(fd, "connection error")
		return
	}
	if ev.Read {
		e.processSubscription(fd)
	}
}

func (e *Exchange) processSubscription(fd int) {
	buf := make([]byte, 1024)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			e.disconnect(fd, "read failed")
		}
		return
	}
	if n == 0 {
		e.disconnect(fd, "read failed")
		return
	}

	ids, ok := protocol.DecodeSubscription(buf[:n])
	if !ok {
		return
	}
	e.clients.HandleSubscription(fd, ids)
	logger.Debug("client subscribed", "fd", fd, "symbols", len(ids))
}

func (e *Exchange) generateAndBroadcastTick() {
	if e.cfg.FaultInjection {
		e.faultSkipCounter++
		if e.faultSkipCounter%100 == 0 {
			// Generate-and-discard one tick: the sequence number it
			// consumed is never broadcast, producing a gap downstream.
			_, symbolID := e.tickGen.GenerateTick()
			e.bus.Publish(eventbus.Event{Kind: eventbus.FaultInjected, SymbolID: symbolID})
		}
	}

	msg, symbolID := e.tickGen.GenerateTick()
	sent := e.clients.Broadcast(msg, symbolID)
	e.messagesSent.Add(uint64(sent))
	e.bytesSent.Add(uint64(sent) * uint64(len(msg)))
}

func (e *Exchange) sendHeartbeat() {
	msg := e.tickGen.GenerateHeartbeat()
	for _, fd := range e.clients.AllClientFDs() {
		e.clients.SendToClient(fd, msg)
	}
}

func (e *Exchange) disconnect(fd int, reason string) {
	id := e.clients.ClientID(fd)
	addr, port, _ := e.clients.ClientAddress(fd)

	e.poller.Remove(fd)
	e.clients.RemoveClient(fd)
	unix.Close(fd)

	e.bus.Publish(eventbus.Event{
		Kind:     eventbus.ClientDisconnected,
		ClientID: id,
		Address:  fmt.Sprintf("%s:%d", addr, port),
		Reason:   reason,
	})
}

// SetTickRate clamps and stores a new tick rate. Run reads the rate once,
// when it starts; a loop that is already running keeps its original pacing.
func (e *Exchange) SetTickRate(ticksPerSecond uint32) {
	if ticksPerSecond < minTickRate {
		ticksPerSecond = minTickRate
	}
	if ticksPerSecond > maxTickRate {
		ticksPerSecond = maxTickRate
	}
	e.cfg.TickRate = ticksPerSecond
}

// EnableFaultInjection toggles the every-100th-tick gap-inducing behavior.
func (e *Exchange) EnableFaultInjection(enable bool) {
	e.cfg.FaultInjection = enable
	e.faultSkipCounter = 0
}

func (e *Exchange) ClientCount() int          { return e.clients.ClientCount() }
func (e *Exchange) MessagesSent() uint64      { return e.messagesSent.Load() }
func (e *Exchange) BytesSent() uint64         { return e.bytesSent.Load() }
func (e *Exchange) Clients() *ClientManager   { return e.clients }
