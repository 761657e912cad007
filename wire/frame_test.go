package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackageDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		tag     string
		payload []byte
	}{
		{"Hello", []byte("Hello from client!")},
		{"x", []byte{}},
		{string(make([]byte, 255)), []byte("payload")},
	}
	for _, c := range cases {
		if len(c.tag) == 0 {
			continue
		}
		buf, err := Package(c.tag, c.payload)
		require.NoError(t, err)

		f, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, c.tag, f.Tag)
		require.Equal(t, c.payload, f.Payload)
	}
}

func TestPayloadLengthFieldIsBigEndian(t *testing.T) {
	buf, err := Package("tag", make([]byte, 300))
	require.NoError(t, err)

	tagLen := int(buf[0])
	got := binary.BigEndian.Uint32(buf[1+tagLen:])
	require.EqualValues(t, 300, got)
}

func TestPartialDeliveryAcrossChunks(t *testing.T) {
	buf, err := Package("Hello", []byte("Hello from client!"))
	require.NoError(t, err)

	chunkLens := []int{1, 5, len(buf) - 6}
	var acc []byte
	var consumedTotal int
	var got *Frame
	for _, cl := range chunkLens {
		acc = append(acc, buf[len(acc):len(acc)+cl]...)
		f, n, err := Decode(acc)
		require.NoError(t, err)
		if f != nil {
			got = f
			consumedTotal = n
		}
	}
	require.NotNil(t, got)
	require.Equal(t, len(buf), consumedTotal)
	require.Equal(t, "Hello", got.Tag)
	require.Equal(t, []byte("Hello from client!"), got.Payload)
}

func TestOversizePayloadRejectedWithoutConsuming(t *testing.T) {
	var raw []byte
	raw = append(raw, 3, 'B', 'I', 'G')
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxPayloadSize+1)
	raw = append(raw, lenBuf[:]...)
	raw = append(raw, make([]byte, 10)...)

	f, n, err := Decode(raw)
	require.ErrorIs(t, err, ErrOversizeFrame)
	require.Nil(t, f)
	require.Zero(t, n)
}

func TestIncompleteHeaderNeedsMoreData(t *testing.T) {
	f, n, err := Decode([]byte{5, 'H', 'e'})
	require.NoError(t, err)
	require.Nil(t, f)
	require.Zero(t, n)
}

func TestInvalidTagLengthZero(t *testing.T) {
	_, _, err := Decode([]byte{0})
	require.ErrorIs(t, err, ErrInvalidTagLength)

	_, err = Package("", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidTagLength)
}
