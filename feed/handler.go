// Package feed implements the feed handler: a single-reactor TCP client
// that connects to the exchange simulator, parses its message stream into
// the symbol cache, tracks latency, and reconnects with backoff on failure.
package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kyber-systems/marketfeed/cache"
	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/latency"
	"github.com/kyber-systems/marketfeed/parser"
	"github.com/kyber-systems/marketfeed/protocol"
	"github.com/kyber-systems/marketfeed/sockutil"
)

var logger = slog.Default()

// SetLogger overrides the package-level logger.
func SetLogger(l *slog.Logger) { logger = l }

var ErrTerminated = errors.New("feed: handler terminated")

const (
	maxRetryCount     = 5
	initialBackoffMs  = 100
	maxBackoffMs      = 30000
	recvBufferSize    = 4096
)

// State is a position in the feed handler's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Handler drives the client-side reactor loop for one exchange connection.
// It is not safe for concurrent use from more than one goroutine.
type Handler struct {
	cfg Config

	fd     int
	poller *sockutil.Poller

	parser *parser.Parser
	cache  *cache.SymbolCache
	lat    *latency.Histogram
	dump   DumpSink
	bus    *eventbus.RingBuffer

	state State

	reconnectCount  int
	currentBackoffMs int

	messagesReceived uint64
	bytesReceived    uint64
}

// New constructs a Handler wired to cache c and latency tracker lat. dump
// may be nil, which is equivalent to NopDumpSink{}.
func New(cfg Config, c *cache.SymbolCache, lat *latency.Histogram, bus *eventbus.RingBuffer, dump DumpSink) *Handler {
	if dump == nil {
		dump = NopDumpSink{}
	}
	h := &Handler{
		cfg:              cfg,
		fd:               -1,
		cache:            c,
		lat:              lat,
		dump:             dump,
		bus:              bus,
		state:            Disconnected,
		currentBackoffMs: initialBackoffMs,
	}
	h.parser = parser.New(parser.Callbacks{
		OnTrade:     h.onTrade,
		OnQuote:     h.onQuote,
		OnHeartbeat: h.onHeartbeat,
		OnGap:       h.onSequenceGap,
		OnRawFrame:  h.dump.Write,
	})
	return h
}

// State reports the handler's current lifecycle position.
func (h *Handler) State() State { return h.state }

// Connect dials the exchange, sends the configured subscription, and
// transitions to Connected.
func (h *Handler) Connect() error {
	h.state = Connecting
	logger.Info("connecting", "host", h.cfg.Host, "port", h.cfg.Port)

	fd, err := sockutil.DialTCP(h.cfg.Host, h.cfg.Port, h.cfg.ConnectTimeout)
	if err != nil {
		h.state = Disconnected
		return err
	}
	h.fd = fd

	poller, err := sockutil.NewPoller()
	if err != nil {
		unix.Close(fd)
		h.fd = -1
		h.state = Disconnected
		return err
	}
	if err := poller.AddReadEdgeTriggered(fd, true); err != nil {
		poller.Close()
		unix.Close(fd)
		h.fd = -1
		h.state = Disconnected
		return err
	}
	h.poller = poller

	if len(h.cfg.SubscribeSymbols) > 0 {
		if err := h.sendSubscription(); err != nil {
			return err
		}
	}

	h.state = Connected
	h.reconnectCount = 0
	h.currentBackoffMs = initialBackoffMs
	logger.Info("connected", "host", h.cfg.Host, "port", h.cfg.Port)
	return nil
}

func (h *Handler) sendSubscription() error {
	buf := protocol.EncodeSubscription(h.cfg.SubscribeSymbols)
	_, err := unix.Write(h.fd, buf)
	return err
}

// Run drives the reactor loop until stop is closed (checked between
// iterations) or the connection terminates permanently. It returns
// ErrTerminated when reconnection attempts have been exhausted or
// AutoReconnect is false and the connection drops.
func (h *Handler) Run(stop <-chan struct{}) error {
	if h.state == Disconnected {
		if err := h.Connect(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-stop:
			h.shutdown()
			return nil
		default:
		}

		result := h.waitForData(100)

		if result < 0 {
			h.state = Degraded
			if h.cfg.AutoReconnect {
				h.bus.Publish(eventbus.Event{Kind: eventbus.ReconnectAttempted, Attempt: h.reconnectCount + 1})
				if err := h.reconnect(); err != nil {
					if h.reconnectCount >= maxRetryCount {
						h.state = Terminated
						logger.Error("reconnect attempts exhausted", "attempts", h.reconnectCount)
						return ErrTerminated
					}
					continue
				}
				if len(h.cfg.SubscribeSymbols) > 0 {
					_ = h.sendSubscription()
				}
			} else {
				h.state = Terminated
				h.shutdown()
				return ErrTerminated
			}
			continue
		}

		if result > 0 {
			h.processData()
		}
	}
}

// waitForData blocks up to timeoutMs for readability, returning 1 if data
// is ready, 0 on timeout, -1 on error (which also tears down the
// connection, matching the original socket wrapper's contract).
func (h *Handler) waitForData(timeoutMs int) int {
	if h.fd < 0 {
		// A previous reconnect attempt failed; report the error again so Run
		// retries instead of waiting on a poller with nothing registered.
		return -1
	}
	events, err := h.poller.Wait(1, timeoutMs)
	if err != nil {
		h.teardownConnection("poll error")
		return -1
	}
	if len(events) == 0 {
		return 0
	}
	ev := events[0]
	if ev.Error || ev.Hangup {
		h.teardownConnection("connection closed")
		return -1
	}
	return 1
}

func (h *Handler) processData() {
	buf := make([]byte, recvBufferSize)
	for {
		n, err := unix.Read(h.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			h.teardownConnection("read error")
			return
		}
		if n == 0 {
			h.teardownConnection("peer closed")
			return
		}

		h.parser.Append(buf[:n])
		h.bytesReceived += uint64(n)

		parsed := h.parser.ParseMessages()
		h.messagesReceived += uint64(parsed)
	}
}

func (h *Handler) teardownConnection(reason string) {
	if h.fd >= 0 {
		h.poller.Remove(h.fd)
		unix.Close(h.fd)
		h.fd = -1
	}
	_ = reason
}

func (h *Handler) shutdown() {
	h.teardownConnection("shutdown")
	if h.poller != nil {
		h.poller.Close()
	}
	_ = h.dump.Close()
}

func (h *Handler) reconnect() error {
	if h.reconnectCount >= maxRetryCount {
		return fmt.Errorf("feed: exceeded %d reconnect attempts", maxRetryCount)
	}

	time.Sleep(time.Duration(h.currentBackoffMs) * time.Millisecond)

	h.currentBackoffMs *= 2
	if h.currentBackoffMs > maxBackoffMs {
		h.currentBackoffMs = maxBackoffMs
	}
	h.reconnectCount++

	if err := h.Connect(); err != nil {
		return err
	}
	return nil
}

func (h *Handler) onTrade(hdr protocol.Header, p protocol.TradePayload) {
	h.recordLatency(hdr.TimestampNanos)
	h.cache.UpdateTrade(hdr.SymbolID, p.Price, p.Quantity, hdr.TimestampNanos)
}

func (h *Handler) onQuote(hdr protocol.Header, p protocol.QuotePayload) {
	h.recordLatency(hdr.TimestampNanos)
	h.cache.UpdateQuote(hdr.SymbolID, p.BidPrice, p.BidQuantity, p.AskPrice, p.AskQuantity, hdr.TimestampNanos)
}

func (h *Handler) onHeartbeat(hdr protocol.Header) {}

func (h *Handler) onSequenceGap(expected, received uint32) {
	h.bus.Publish(eventbus.Event{Kind: eventbus.SequenceGapDetected, Expected: expected, Received: received})
}

func (h *Handler) recordLatency(sentNs uint64) {
	now := uint64(time.Now().UnixNano())
	if now > sentNs {
		h.lat.Record(now - sentNs)
	}
}

// MarketState returns a lock-free snapshot of symbolID's cached state.
func (h *Handler) MarketState(symbolID uint16) cache.MarketState {
	return h.cache.Snapshot(symbolID)
}

func (h *Handler) MessagesReceived() uint64 { return h.messagesReceived }
func (h *Handler) BytesReceived() uint64    { return h.bytesReceived }
func (h *Handler) SequenceGaps() uint64     { return h.parser.SequenceGaps() }
func (h *Handler) IsConnected() bool        { return h.state == Connected }
