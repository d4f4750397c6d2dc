// Package parser turns a byte stream into decoded market data messages,
// resyncing on corruption and tracking sequence continuity.
package parser

import (
	"sync/atomic"

	"github.com/kyber-systems/marketfeed/protocol"
)

const (
	initialBufferSize = 4 * 1024 * 1024
	maxBufferSize     = 16 * 1024 * 1024
)

// Result describes the outcome of a single parse attempt.
type Result int

const (
	Success Result = iota
	NeedMoreData
	InvalidMessage
	ChecksumError
	SequenceGap
)

// Callbacks holds the function values invoked as messages are decoded.
// Unset fields are simply skipped, matching the teacher's optional
// std::function members.
type Callbacks struct {
	OnTrade     func(h protocol.Header, p protocol.TradePayload)
	OnQuote     func(h protocol.Header, p protocol.QuotePayload)
	OnHeartbeat func(h protocol.Header)
	OnGap       func(expected, received uint32)

	// OnRawFrame, if set, fires once per successfully checksum-validated
	// message with its exact wire bytes (header+payload+checksum), before
	// type-specific dispatch. It never sees a malformed or checksum-failed
	// span.
	OnRawFrame func(frame []byte)
}

// Parser is a stateful, single-producer stream decoder. It is not safe for
// concurrent use — the feed handler drives it from a single goroutine.
type Parser struct {
	buf      []byte
	readPos  int
	writePos int

	expectedSequence uint32
	firstMessage     bool

	cb Callbacks

	messagesParsed    atomic.Uint64
	tradesParsed      atomic.Uint64
	quotesParsed      atomic.Uint64
	checksumErrors    atomic.Uint64
	sequenceGaps      atomic.Uint64
	malformedMessages atomic.Uint64
}

// New returns a Parser that dispatches decoded messages to cb.
func New(cb Callbacks) *Parser {
	return &Parser{
		buf:          make([]byte, initialBufferSize),
		firstMessage: true,
		cb:           cb,
	}
}

// Append copies data into the internal buffer, growing or compacting it as
// needed (one doubling per call, capped at 16 MiB). It returns the number of
// bytes accepted; 0 means the data did not fit even after growing and was
// dropped.
func (p *Parser) Append(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	available := len(p.buf) - p.writePos
	if available < len(data) {
		p.compact()
		available = len(p.buf) - p.writePos

		if available < len(data) {
			newSize := len(p.buf) * 2
			if newSize > maxBufferSize {
				newSize = maxBufferSize
			}
			if newSize <= len(p.buf) || newSize-p.writePos < len(data) {
				p.malformedMessages.Add(1)
				return 0
			}
			grown := make([]byte, newSize)
			copy(grown, p.buf[:p.writePos])
			p.buf = grown
		}
	}

	copy(p.buf[p.writePos:], data)
	p.writePos += len(data)
	return len(data)
}

func (p *Parser) compact() {
	if p.readPos == 0 {
		return
	}
	used := p.writePos - p.readPos
	if used > 0 {
		copy(p.buf, p.buf[p.readPos:p.writePos])
	}
	p.writePos = used
	p.readPos = 0
}

// ParseMessages drains every complete message currently buffered, invoking
// callbacks for each, and returns how many were parsed (successes and
// sequence gaps both count; malformed/checksum errors don't, but parsing
// continues past them).
func (p *Parser) ParseMessages() int {
	count := 0
	for {
		result := p.ParseOne()
		if result == NeedMoreData {
			break
		}
		if result == Success || result == SequenceGap {
			count++
		}
	}
	return count
}

// ParseOne attempts to decode a single message at the current read
// position. On any corruption (unknown type, oversized message, bad
// checksum) it advances the read position by exactly one byte so the next
// call can resynchronize against the stream.
func (p *Parser) ParseOne() Result {
	available := p.writePos - p.readPos
	if available < protocol.HeaderSize {
		return NeedMoreData
	}

	msg := p.buf[p.readPos:p.writePos]
	header := protocol.DecodeHeader(msg)

	msgSize := protocol.MessageSize(header.MessageType)
	if msgSize == 0 {
		p.readPos++
		p.malformedMessages.Add(1)
		return InvalidMessage
	}

	if available < msgSize {
		return NeedMoreData
	}

	if msgSize > protocol.QuoteMessageSize {
		p.readPos++
		p.malformedMessages.Add(1)
		return InvalidMessage
	}

	if !validateChecksum(msg[:msgSize]) {
		p.readPos++
		p.checksumErrors.Add(1)
		return ChecksumError
	}

	gap := !p.checkSequence(header.SequenceNumber)

	if p.cb.OnRawFrame != nil {
		p.cb.OnRawFrame(msg[:msgSize])
	}

	switch header.MessageType {
	case protocol.Trade:
		if p.cb.OnTrade != nil {
			p.cb.OnTrade(header, protocol.DecodeTradePayload(msg[protocol.HeaderSize:]))
		}
		p.tradesParsed.Add(1)
	case protocol.Quote:
		if p.cb.OnQuote != nil {
			p.cb.OnQuote(header, protocol.DecodeQuotePayload(msg[protocol.HeaderSize:]))
		}
		p.quotesParsed.Add(1)
	case protocol.Heartbeat:
		if p.cb.OnHeartbeat != nil {
			p.cb.OnHeartbeat(header)
		}
	}

	p.messagesParsed.Add(1)
	p.readPos += msgSize

	if gap {
		return SequenceGap
	}
	return Success
}

func validateChecksum(msg []byte) bool {
	if len(msg) < protocol.ChecksumSize {
		return false
	}
	dataLen := len(msg) - protocol.ChecksumSize
	expected := protocol.Checksum(msg[:dataLen])
	received := uint32(msg[dataLen]) | uint32(msg[dataLen+1])<<8 |
		uint32(msg[dataLen+2])<<16 | uint32(msg[dataLen+3])<<24
	return expected == received
}

func (p *Parser) checkSequence(received uint32) bool {
	if p.firstMessage {
		p.firstMessage = false
		p.expectedSequence = received + 1
		return true
	}
	if received != p.expectedSequence {
		if p.cb.OnGap != nil {
			p.cb.OnGap(p.expectedSequence, received)
		}
		p.sequenceGaps.Add(1)
		p.expectedSequence = received + 1
		return false
	}
	p.expectedSequence = received + 1
	return true
}

// Reset clears all parser state, including statistics, as if newly
// constructed.
func (p *Parser) Reset() {
	p.readPos = 0
	p.writePos = 0
	p.expectedSequence = 0
	p.firstMessage = true
	p.messagesParsed.Store(0)
	p.tradesParsed.Store(0)
	p.quotesParsed.Store(0)
	p.checksumErrors.Store(0)
	p.sequenceGaps.Store(0)
	p.malformedMessages.Store(0)
}

func (p *Parser) MessagesParsed() uint64    { return p.messagesParsed.Load() }
func (p *Parser) TradesParsed() uint64      { return p.tradesParsed.Load() }
func (p *Parser) QuotesParsed() uint64      { return p.quotesParsed.Load() }
func (p *Parser) ChecksumErrors() uint64    { return p.checksumErrors.Load() }
func (p *Parser) SequenceGaps() uint64      { return p.sequenceGaps.Load() }
func (p *Parser) MalformedMessages() uint64 { return p.malformedMessages.Load() }
func (p *Parser) BufferUsed() int           { return p.writePos - p.readPos }
func (p *Parser) BufferCapacity() int       { return len(p.buf) }

// SetExpectedSequence overrides the next sequence number the parser expects,
// useful for tests and for resynchronizing after an operator-triggered
// reset.
func (p *Parser) SetExpectedSequence(seq uint32) {
	p.expectedSequence = seq
	p.firstMessage = false
}

func (p *Parser) ExpectedSequence() uint32 { return p.expectedSequence }
