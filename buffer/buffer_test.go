package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRetrieve(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	require.Equal(t, 5, b.ReadableBytes())
	assert.Equal(t, "hello", string(b.Peek()))

	b.Retrieve(5)
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestRetrieveAllAsString(t *testing.T) {
	b := New()
	b.Append([]byte("frame-payload"))
	got := b.RetrieveAllAsString()
	assert.Equal(t, "frame-payload", got)
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestPrependRequiresSlack(t *testing.T) {
	b := New()
	b.Append([]byte("body"))
	require.NoError(t, b.Prepend([]byte("HDR1")))
	assert.Equal(t, "HDR1body", string(b.Peek()))

	err := b.Prepend(make([]byte, DefaultPrependSlack+1))
	assert.ErrorIs(t, err, ErrPrependOverflow)
}

func TestGrowBeyondInitialCapacity(t *testing.T) {
	b := NewSize(16)
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.Append(payload)
	require.Equal(t, len(payload), b.ReadableBytes())
	assert.Equal(t, payload, b.Peek())
}

func TestCompactionReclaimsSpaceWithoutGrowing(t *testing.T) {
	b := NewSize(64)
	b.Append(make([]byte, 20))
	b.Retrieve(10) // partial drain, readerIndex no longer at the slack boundary
	b.Append(make([]byte, 40))
	assert.Equal(t, 50, b.ReadableBytes())
}
