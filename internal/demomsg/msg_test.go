package demomsg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	want := Msg{
		Type:     3,
		SentNs:   1234567890123,
		Producer: 42,
		Vals:     []int32{10, 11, 12, 13, 14, 15, 16, 17},
	}

	buf := make([]byte, EncodedSize(want.Type))
	Encode(buf, want)

	got, err := Decode(want.Type, buf)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decoded message mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(0, make([]byte, 16))
	assert.ErrorContains(t, err, "unknown message type")

	_, err = Decode(9, make([]byte, 16))
	assert.ErrorContains(t, err, "unknown message type")

	_, err = Decode(1, make([]byte, 3))
	assert.ErrorContains(t, err, "needs 16 bytes, got 3")
}

func TestValCount(t *testing.T) {
	assert.Equal(t, 1, ValCount(1))
	assert.Equal(t, 3, ValCount(2))
	assert.Equal(t, 8, ValCount(3))
	assert.Equal(t, 11, ValCount(4))
	assert.Equal(t, 0, ValCount(5))
}
