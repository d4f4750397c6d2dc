package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionRoundTrip(t *testing.T) {
	ids := []uint16{1, 2, 3, 500}
	buf := EncodeSubscription(ids)
	got, ok := DecodeSubscription(buf)
	assert.True(t, ok)
	assert.Equal(t, ids, got)
}

func TestSubscriptionEmptyMeansAll(t *testing.T) {
	buf := EncodeSubscription(nil)
	got, ok := DecodeSubscription(buf)
	assert.True(t, ok)
	assert.Len(t, got, 0)
}

func TestSubscriptionIncomplete(t *testing.T) {
	buf := EncodeSubscription([]uint16{1, 2})
	_, ok := DecodeSubscription(buf[:4])
	assert.False(t, ok)
}

func TestSubscriptionWrongCommand(t *testing.T) {
	_, ok := DecodeSubscription([]byte{0x01, 0x00, 0x00})
	assert.False(t, ok)
}
