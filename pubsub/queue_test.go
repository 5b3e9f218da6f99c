package pubsub

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestQueue attaches a queue over a fresh region with the given number of
// storage blocks.
func newTestQueue(t *testing.T, blocks int) *Queue {
	t.Helper()

	q, err := Attach(NewRegion(blocks * BlockSize))
	require.NoError(t, err)
	return q
}

// mustPublish allocates, fills and commits one message.
func mustPublish(t *testing.T, q *Queue, userdata uint32, payload []byte, key bool) {
	t.Helper()

	hdr, buf := q.Alloc(uint32(len(payload)))
	require.NotNil(t, hdr, "alloc of %d bytes failed", len(payload))
	require.Len(t, buf, len(payload))
	hdr.UserData = userdata
	copy(buf, payload)
	q.Pub(key)

	assert.LessOrEqual(t, q.st.writtenIdx.Load(), q.st.writingIdx.Load(),
		"commit pointer ran ahead of the reservation pointer")
}

// pattern builds a payload of n distinct bytes.
func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func TestAttach(t *testing.T) {
	tests := []struct {
		name string
		mem  func() []byte
		err  error
	}{
		{"empty", func() []byte { return nil }, ErrRegionSize},
		{"only control block", func() []byte { return NewRegion(0) }, ErrRegionSize},
		{"not multiple of block size", func() []byte { return NewRegion(4 * BlockSize)[:4*BlockSize+7] }, ErrRegionSize},
		{"three blocks", func() []byte { return NewRegion(3 * BlockSize) }, ErrBlockCount},
		{"misaligned base", func() []byte {
			mem := NewRegion(8 * BlockSize)
			return mem[8 : 8+4*BlockSize+BlockSize]
		}, ErrRegionAlign},
		{"single block", func() []byte { return NewRegion(1 * BlockSize) }, nil},
		{"four blocks", func() []byte { return NewRegion(4 * BlockSize) }, nil},
		{"4KB", func() []byte { return NewRegion(4096) }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Attach(tt.mem())
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, q.BlockCount())
		})
	}
}

func TestZeroInitialized(t *testing.T) {
	q := newTestQueue(t, 4)

	assert.Equal(t, uint64(0), q.Sub(false))
	assert.Equal(t, uint64(0), q.Sub(true), "no key yet, must equal Sub(false)")

	idx := q.Sub(false)
	buf := make([]byte, 256)
	assert.Equal(t, ReadAgain, q.Read(&idx, buf))
	assert.Equal(t, uint64(0), idx)
}

func TestRoundTrip(t *testing.T) {
	q := newTestQueue(t, 64)

	payload := pattern(100, 0x41)
	mustPublish(t, q, 7, payload, false)

	idx := uint64(0)
	buf := make([]byte, 1024)
	require.Equal(t, ReadOK, q.Read(&idx, buf))

	hdr := ParseHeader(buf)
	assert.Equal(t, uint32(HeaderSize+len(payload)), hdr.Size)
	assert.Equal(t, uint32(7), hdr.UserData)
	assert.Equal(t, payload, buf[HeaderSize:hdr.Size])
	assert.Equal(t, uint64(2), idx, "108-byte record occupies two blocks")
}

// A record that would straddle the ring end forces a rewind marker and lands
// at block zero; readers skip the padding transparently.
func TestWrapWithPadding(t *testing.T) {
	q := newTestQueue(t, 4)

	// Three one-block records fill blocks 0..2.
	for i := 0; i < 3; i++ {
		mustPublish(t, q, uint32(i+1), pattern(40, byte(i)), false)
	}
	// A two-block record does not fit in the single remaining block.
	big := pattern(100, 0xA0)
	mustPublish(t, q, 4, big, false)

	assert.Equal(t, uint32(0), q.sizeAt(3).Load(), "rewind marker expected at block 3")
	assert.Equal(t, uint64(6), q.st.writtenIdx.Load(), "3 records + 1 padding block + 2 blocks")

	idx := uint64(0)
	buf := make([]byte, 1024)
	for i := 0; i < 3; i++ {
		require.Equal(t, ReadOK, q.Read(&idx, buf))
		assert.Equal(t, uint32(i+1), ParseHeader(buf).UserData)
	}
	assert.Equal(t, uint64(3), idx)

	// The fourth read skips the padding to block 0.
	require.Equal(t, ReadOK, q.Read(&idx, buf))
	hdr := ParseHeader(buf)
	assert.Equal(t, uint32(4), hdr.UserData)
	assert.Equal(t, big, buf[HeaderSize:hdr.Size])
	assert.Equal(t, uint64(6), idx)
}

func TestAllocOversize(t *testing.T) {
	q := newTestQueue(t, 4)

	// Total would need five blocks in a four-block ring.
	hdr, buf := q.Alloc(4 * BlockSize)
	assert.Nil(t, hdr)
	assert.Nil(t, buf)

	// The largest message that still fits.
	hdr, _ = q.Alloc(4*BlockSize - HeaderSize)
	assert.NotNil(t, hdr)
}

func TestLapDetection(t *testing.T) {
	q := newTestQueue(t, 4)

	idx := q.Sub(false)
	require.Equal(t, uint64(0), idx)

	// Five one-block records push writingIdx past idx + BlockCount.
	for i := 0; i < 5; i++ {
		mustPublish(t, q, uint32(i), pattern(16, byte(i)), false)
	}

	buf := make([]byte, 256)
	assert.Equal(t, ReadNeedReSub, q.Read(&idx, buf))

	// Resubscribing recovers: the next published record is readable.
	idx = q.Sub(false)
	assert.Equal(t, ReadAgain, q.Read(&idx, buf))
	mustPublish(t, q, 99, pattern(16, 9), false)
	require.Equal(t, ReadOK, q.Read(&idx, buf))
	assert.Equal(t, uint32(99), ParseHeader(buf).UserData)
}

func TestReadBuffTooShort(t *testing.T) {
	q := newTestQueue(t, 64)

	mustPublish(t, q, 5, pattern(120, 0x10), false)

	idx := uint64(0)
	short := make([]byte, 16)
	require.Equal(t, ReadBuffTooShort, q.Read(&idx, short))
	assert.Equal(t, uint64(0), idx, "index must not advance")

	// The header is available so the caller can size a retry buffer.
	hdr := ParseHeader(short)
	assert.Equal(t, uint32(128), hdr.Size)

	buf := make([]byte, hdr.Size)
	require.Equal(t, ReadOK, q.Read(&idx, buf))
	assert.Equal(t, pattern(120, 0x10), buf[HeaderSize:])
}

func TestKeyResubscribe(t *testing.T) {
	q := newTestQueue(t, 64)

	mustPublish(t, q, 1, pattern(32, 1), true)
	mustPublish(t, q, 2, pattern(32, 2), false)
	mustPublish(t, q, 3, pattern(32, 3), false)

	// A late subscriber lands on the key message and replays from there.
	idx := q.Sub(true)
	assert.Equal(t, uint64(0), idx)

	buf := make([]byte, 256)
	for want := uint32(1); want <= 3; want++ {
		require.Equal(t, ReadOK, q.Read(&idx, buf))
		assert.Equal(t, want, ParseHeader(buf).UserData)
	}
	assert.Equal(t, ReadAgain, q.Read(&idx, buf))
}

func TestSubKeyLapped(t *testing.T) {
	q := newTestQueue(t, 4)

	mustPublish(t, q, 1, pattern(16, 1), true)
	// Four more records push the key message out of the ring.
	for i := 0; i < 4; i++ {
		mustPublish(t, q, uint32(i+2), pattern(16, byte(i)), false)
	}

	assert.Equal(t, q.st.writtenIdx.Load(), q.Sub(true),
		"a lapped key message must not be offered to new subscribers")
}

// A reservation is invisible until committed, and a reader parked on the
// rewind marker advances to block zero without seeing the pending record.
func TestReservationWindow(t *testing.T) {
	q := newTestQueue(t, 4)

	for i := 0; i < 3; i++ {
		mustPublish(t, q, uint32(i+1), pattern(40, byte(i)), false)
	}
	idx := uint64(0)
	buf := make([]byte, 256)
	for i := 0; i < 3; i++ {
		require.Equal(t, ReadOK, q.Read(&idx, buf))
	}
	require.Equal(t, uint64(3), idx)

	// Reserve a two-block record: the rewind is applied immediately but the
	// record itself stays unpublished.
	hdr, payload := q.Alloc(100)
	require.NotNil(t, hdr)

	assert.Equal(t, ReadAgain, q.Read(&idx, buf))
	assert.Equal(t, uint64(4), idx, "reader skips the padding while waiting")

	hdr.UserData = 42
	copy(payload, pattern(100, 0xB0))
	q.Pub(false)

	require.Equal(t, ReadOK, q.Read(&idx, buf))
	assert.Equal(t, uint32(42), ParseHeader(buf).UserData)
}

// Walking committed records from a valid start visits every record in
// publish order.
func TestWalkOrder(t *testing.T) {
	q := newTestQueue(t, 16)

	type rec struct {
		UserData uint32
		Payload  []byte
	}
	sizes := []int{40, 100, 150, 30, 120}
	var want []rec
	for i, n := range sizes {
		r := rec{UserData: uint32(i + 1), Payload: pattern(n, byte(i))}
		want = append(want, r)
		mustPublish(t, q, r.UserData, r.Payload, false)
	}

	var got []rec
	idx := uint64(0)
	buf := make([]byte, 1024)
	for q.Read(&idx, buf) == ReadOK {
		hdr := ParseHeader(buf)
		got = append(got, rec{
			UserData: hdr.UserData,
			Payload:  append([]byte(nil), buf[HeaderSize:hdr.Size]...),
		})
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record walk mismatch (-want +got):\n%s", diff)
	}
}

func TestMaxMsgSize(t *testing.T) {
	q := newTestQueue(t, 4)
	assert.Equal(t, uint64(4*BlockSize-HeaderSize), q.MaxMsgSize())
}

func TestReadResultString(t *testing.T) {
	assert.Equal(t, "ReadOK", ReadOK.String())
	assert.Equal(t, "ReadNeedReSub", ReadNeedReSub.String())
	assert.Equal(t, "ReadResult(17)", ReadResult(17).String())
}
