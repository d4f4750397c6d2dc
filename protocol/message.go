// Package protocol implements the wire format shared by the exchange
// simulator and the feed handler: fixed-layout little-endian messages with
// a trailing XOR checksum.
package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// MessageType identifies the payload that follows a Header.
type MessageType uint16

const (
	Trade     MessageType = 0x01
	Quote     MessageType = 0x02
	Heartbeat MessageType = 0x03
)

// SubscribeCmd is the first byte of a client subscription request.
const SubscribeCmd byte = 0xFF

const (
	HeaderSize        = 16
	TradePayloadSize  = 12
	QuotePayloadSize  = 24
	ChecksumSize      = 4
	TradeMessageSize  = HeaderSize + TradePayloadSize + ChecksumSize
	QuoteMessageSize  = HeaderSize + QuotePayloadSize + ChecksumSize
	HeartbeatMsgSize  = HeaderSize + ChecksumSize
	MaxSymbols        = 500
	DefaultPort       = 9876
)

var ErrUnknownMessageType = errors.New("protocol: unknown message type")

// Header is the 16-byte frame header common to every message.
type Header struct {
	MessageType     MessageType
	SequenceNumber  uint32
	TimestampNanos  uint64
	SymbolID        uint16
}

// TradePayload is the 12-byte trade body.
type TradePayload struct {
	Price    float64
	Quantity uint32
}

// QuotePayload is the 24-byte quote body.
type QuotePayload struct {
	BidPrice    float64
	BidQuantity uint32
	AskPrice    float64
	AskQuantity uint32
}

// MessageSize returns the full wire size (header+payload+checksum) for a
// message type, or 0 for an unrecognized type.
func MessageSize(t MessageType) int {
	switch t {
	case Trade:
		return TradeMessageSize
	case Quote:
		return QuoteMessageSize
	case Heartbeat:
		return HeartbeatMsgSize
	default:
		return 0
	}
}

// Checksum computes the XOR-of-little-endian-32-bit-words checksum used to
// validate every message on the wire. Trailing bytes that don't fill a full
// word are XORed in at their byte offset within the final word.
func Checksum(data []byte) uint32 {
	var checksum uint32
	i := 0
	for ; i+4 <= len(data); i += 4 {
		checksum ^= binary.LittleEndian.Uint32(data[i : i+4])
	}
	for ; i < len(data); i++ {
		checksum ^= uint32(data[i]) << ((i % 4) * 8)
	}
	return checksum
}

// EncodeHeader writes h into the first HeaderSize bytes of dst.
func EncodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(h.MessageType))
	binary.LittleEndian.PutUint32(dst[2:6], h.SequenceNumber)
	binary.LittleEndian.PutUint64(dst[6:14], h.TimestampNanos)
	binary.LittleEndian.PutUint16(dst[14:16], h.SymbolID)
}

// DecodeHeader reads a Header from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) Header {
	return Header{
		MessageType:    MessageType(binary.LittleEndian.Uint16(src[0:2])),
		SequenceNumber: binary.LittleEndian.Uint32(src[2:6]),
		TimestampNanos: binary.LittleEndian.Uint64(src[6:14]),
		SymbolID:       binary.LittleEndian.Uint16(src[14:16]),
	}
}

func encodeFloat64(dst []byte, v float64) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
}

func decodeFloat64(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

// EncodeTradePayload writes p into the first TradePayloadSize bytes of dst.
func EncodeTradePayload(dst []byte, p TradePayload) {
	encodeFloat64(dst[0:8], p.Price)
	binary.LittleEndian.PutUint32(dst[8:12], p.Quantity)
}

func DecodeTradePayload(src []byte) TradePayload {
	return TradePayload{
		Price:    decodeFloat64(src[0:8]),
		Quantity: binary.LittleEndian.Uint32(src[8:12]),
	}
}

// EncodeQuotePayload writes p into the first QuotePayloadSize bytes of dst.
func EncodeQuotePayload(dst []byte, p QuotePayload) {
	encodeFloat64(dst[0:8], p.BidPrice)
	binary.LittleEndian.PutUint32(dst[8:12], p.BidQuantity)
	encodeFloat64(dst[12:20], p.AskPrice)
	binary.LittleEndian.PutUint32(dst[20:24], p.AskQuantity)
}

func DecodeQuotePayload(src []byte) QuotePayload {
	return QuotePayload{
		BidPrice:    decodeFloat64(src[0:8]),
		BidQuantity: binary.LittleEndian.Uint32(src[8:12]),
		AskPrice:    decodeFloat64(src[12:20]),
		AskQuantity: binary.LittleEndian.Uint32(src[20:24]),
	}
}

// EncodeTrade serializes a complete trade message (header+payload+checksum)
// into a buffer it allocates and returns.
func EncodeTrade(h Header, p TradePayload) []byte {
	h.MessageType = Trade
	buf := make([]byte, TradeMessageSize)
	EncodeHeader(buf, h)
	EncodeTradePayload(buf[HeaderSize:], p)
	cs := Checksum(buf[:HeaderSize+TradePayloadSize])
	binary.LittleEndian.PutUint32(buf[HeaderSize+TradePayloadSize:], cs)
	return buf
}

// EncodeQuote serializes a complete quote message.
func EncodeQuote(h Header, p QuotePayload) []byte {
	h.MessageType = Quote
	buf := make([]byte, QuoteMessageSize)
	EncodeHeader(buf, h)
	EncodeQuotePayload(buf[HeaderSize:], p)
	cs := Checksum(buf[:HeaderSize+QuotePayloadSize])
	binary.LittleEndian.PutUint32(buf[HeaderSize+QuotePayloadSize:], cs)
	return buf
}

// EncodeHeartbeat serializes a heartbeat message (header+checksum only).
func EncodeHeartbeat(h Header) []byte {
	h.MessageType = Heartbeat
	h.SymbolID = 0
	buf := make([]byte, HeartbeatMsgSize)
	EncodeHeader(buf, h)
	cs := Checksum(buf[:HeaderSize])
	binary.LittleEndian.PutUint32(buf[HeaderSize:], cs)
	return buf
}
