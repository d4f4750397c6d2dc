package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageSize(t *testing.T) {
	assert.Equal(t, TradeMessageSize, MessageSize(Trade))
	assert.Equal(t, QuoteMessageSize, MessageSize(Quote))
	assert.Equal(t, HeartbeatMsgSize, MessageSize(Heartbeat))
	assert.Equal(t, 0, MessageSize(MessageType(0x99)))
}

func TestChecksumRoundTrip(t *testing.T) {
	h := Header{SequenceNumber: 42, TimestampNanos: 123456789, SymbolID: 7}
	p := TradePayload{Price: 101.25, Quantity: 500}
	buf := EncodeTrade(h, p)

	assert.Len(t, buf, TradeMessageSize)
	got := Checksum(buf[:HeaderSize+TradePayloadSize])
	want := binaryUint32(buf[HeaderSize+TradePayloadSize:])
	assert.Equal(t, want, got)

	dh := DecodeHeader(buf)
	dp := DecodeTradePayload(buf[HeaderSize:])
	assert.Equal(t, Trade, dh.MessageType)
	assert.Equal(t, h.SequenceNumber, dh.SequenceNumber)
	assert.Equal(t, h.SymbolID, dh.SymbolID)
	assert.Equal(t, p.Price, dp.Price)
	assert.Equal(t, p.Quantity, dp.Quantity)
}

func TestChecksumOddLength(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	got := Checksum(data)
	want := uint32(0x01) | uint32(0x02)<<8 | uint32(0x03)<<16
	assert.Equal(t, want, got)
}

func TestEncodeQuoteHeartbeat(t *testing.T) {
	q := EncodeQuote(Header{SequenceNumber: 1, SymbolID: 3}, QuotePayload{
		BidPrice: 99.5, BidQuantity: 100, AskPrice: 99.7, AskQuantity: 100,
	})
	assert.Len(t, q, QuoteMessageSize)

	hb := EncodeHeartbeat(Header{SequenceNumber: 2})
	assert.Len(t, hb, HeartbeatMsgSize)
	dh := DecodeHeader(hb)
	assert.Equal(t, Heartbeat, dh.MessageType)
	assert.EqualValues(t, 0, dh.SymbolID)
}

func binaryUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
