package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyber-systems/marketfeed/protocol"
)

func tradeMsg(seq uint32, symbol uint16) []byte {
	return protocol.EncodeTrade(
		protocol.Header{SequenceNumber: seq, TimestampNanos: 1, SymbolID: symbol},
		protocol.TradePayload{Price: 100.5, Quantity: 10},
	)
}

func TestParseOneTruncatedMessageResumes(t *testing.T) {
	msg := tradeMsg(0, 1)
	p := New(Callbacks{})

	p.Append(msg[:10])
	assert.Equal(t, NeedMoreData, p.ParseOne())

	p.Append(msg[10:])
	assert.Equal(t, Success, p.ParseOne())
	assert.EqualValues(t, 1, p.MessagesParsed())
}

func TestParseOneChecksumErrorResyncsByOneByte(t *testing.T) {
	msg := tradeMsg(0, 1)
	msg[protocol.HeaderSize] ^= 0xFF // corrupt the payload, checksum now wrong

	p := New(Callbacks{})
	p.Append(msg)

	assert.Equal(t, ChecksumError, p.ParseOne())
	assert.EqualValues(t, 1, p.ChecksumErrors())
	assert.Equal(t, len(msg)-1, p.BufferUsed())
}

func TestParseOneGarbageByteResyncs(t *testing.T) {
	valid := tradeMsg(0, 1)
	stream := append([]byte{0xAB}, valid...)

	p := New(Callbacks{})
	p.Append(stream)

	assert.Equal(t, InvalidMessage, p.ParseOne())
	assert.EqualValues(t, 1, p.MalformedMessages())

	assert.Equal(t, Success, p.ParseOne())
	assert.EqualValues(t, 1, p.MessagesParsed())
}

func TestSequenceGapCallbackValues(t *testing.T) {
	var gotExpected, gotReceived uint32
	p := New(Callbacks{
		OnGap: func(expected, received uint32) {
			gotExpected, gotReceived = expected, received
		},
	})

	p.Append(tradeMsg(10, 1))
	require.Equal(t, Success, p.ParseOne()) // first message seeds expectedSequence=11

	p.Append(tradeMsg(15, 1))
	assert.Equal(t, SequenceGap, p.ParseOne())
	assert.Equal(t, uint32(11), gotExpected)
	assert.Equal(t, uint32(15), gotReceived)
	assert.EqualValues(t, 1, p.SequenceGaps())
}

func TestParseMessagesDrainsBuffer(t *testing.T) {
	p := New(Callbacks{})
	for i := uint32(0); i < 5; i++ {
		p.Append(tradeMsg(i, 1))
	}
	assert.Equal(t, 5, p.ParseMessages())
	assert.Equal(t, 0, p.BufferUsed())
}

func TestOnRawFrameReceivesExactWireBytes(t *testing.T) {
	msg := tradeMsg(0, 1)
	var got []byte
	p := New(Callbacks{
		OnRawFrame: func(frame []byte) {
			got = append([]byte(nil), frame...)
		},
	})

	p.Append(msg)
	require.Equal(t, Success, p.ParseOne())
	assert.Equal(t, msg, got)
}

func TestOnRawFrameSkippedOnChecksumError(t *testing.T) {
	msg := tradeMsg(0, 1)
	msg[protocol.HeaderSize] ^= 0xFF

	called := false
	p := New(Callbacks{
		OnRawFrame: func(frame []byte) { called = true },
	})

	p.Append(msg)
	require.Equal(t, ChecksumError, p.ParseOne())
	assert.False(t, called)
}

func TestResetClearsStats(t *testing.T) {
	p := New(Callbacks{})
	p.Append(tradeMsg(0, 1))
	p.ParseOne()
	require.EqualValues(t, 1, p.MessagesParsed())

	p.Reset()
	assert.EqualValues(t, 0, p.MessagesParsed())
	assert.Equal(t, 0, p.BufferUsed())
}
