// Package pubsub implements a single-publisher multiple-subscriber broadcast
// queue over a fixed, contiguously addressable memory region.
//
// The publisher is never blocked by, or even aware of, subscribers. A
// subscriber is a pure reader; if it is not reading fast enough and falls far
// behind the publisher it loses messages and has to resubscribe. The queue
// can be zero initialized without a constructor call, which facilitates
// placing it in shared memory, and a crash of either the publisher or a
// subscriber never corrupts the queue structure.
//
// The region must be at least twice the size of the largest message,
// otherwise Alloc can legitimately fail.
package pubsub

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// BlockSize is the storage granularity. Records occupy whole blocks and
	// each record's header starts a block, so no two records share a cache
	// line.
	BlockSize = 64

	// HeaderSize is the size of MsgHeader at the start of every record.
	HeaderSize = 8
)

var (
	ErrRegionSize  = errors.New("region size must be a multiple of the block size plus one control block")
	ErrRegionAlign = errors.New("region base must be block aligned")
	ErrBlockCount  = errors.New("block count must be a power of two")
)

// MsgHeader prefixes every record in the queue.
type MsgHeader struct {
	// Size of this message in bytes, including the header itself. Zero marks
	// a rewind: the rest of the ring is padding and the next record starts
	// at block zero.
	Size uint32
	// UserData is free for the application, e.g. a message type code. The
	// queue itself never interprets it.
	UserData uint32
}

// ReadResult reports the outcome of a Read call.
type ReadResult int

const (
	// ReadOK means one message was copied out and the index advanced.
	ReadOK ReadResult = iota
	// ReadAgain means there is no new message yet; retry later.
	ReadAgain
	// ReadBuffTooShort means the buffer cannot hold the message. The header
	// has been copied so the caller can inspect Size and retry; the index is
	// not advanced.
	ReadBuffTooShort
	// ReadNeedReSub means the publisher lapped the reader and the message at
	// the index is gone. The index is obsolete; subscribe again.
	ReadNeedReSub
)

func (m ReadResult) String() string {
	switch m {
	case ReadOK:
		return "ReadOK"
	case ReadAgain:
		return "ReadAgain"
	case ReadBuffTooShort:
		return "ReadBuffTooShort"
	case ReadNeedReSub:
		return "ReadNeedReSub"
	default:
		return fmt.Sprintf("ReadResult(%d)", int(m))
	}
}

// ringState is the control block at the end of the shared region. All three
// indices are monotonic block counts; they never wrap in practice.
type ringState struct {
	// writtenIdx is the commit pointer: blocks below it hold committed
	// records, modulo lapping.
	writtenIdx atomic.Uint64
	// lastKeyIdx is 1 + the start block of the most recent key message, or
	// zero if none was ever published. The bias keeps all-zero memory a
	// valid "no key yet" state.
	lastKeyIdx atomic.Uint64
	// writingIdx is the reservation pointer: the block the publisher will
	// advance to once the pending record commits. Readers use it as the
	// upper bound of the zone currently being overwritten.
	writingIdx atomic.Uint64

	_ [BlockSize - 24]byte
}

func init() {
	// The region is shared between processes, so the Go layout must match
	// the wire layout exactly.
	if unsafe.Sizeof(MsgHeader{}) != HeaderSize {
		panic("pubsub: MsgHeader size mismatch")
	}
	if unsafe.Sizeof(ringState{}) != BlockSize {
		panic("pubsub: ringState size mismatch")
	}
}

// Queue is a view over a shared queue region. The region itself holds no
// pointers and survives any process attached to it; Queue only caches the
// derived geometry.
//
// Exactly one process may publish. Any number of processes may subscribe,
// including through read-only mappings: Sub and Read never store to the
// shared region.
type Queue struct {
	data   []byte // blkCnt blocks of record storage
	st     *ringState
	blkCnt uint64
	mask   uint64
}

// RegionSize returns the shared region size for a queue with the given
// storage capacity in bytes. The capacity must be a power-of-two multiple of
// BlockSize; one extra block holds the control indices.
func RegionSize(capacity int) int {
	return capacity + BlockSize
}

// NewRegion allocates a zeroed, block-aligned region in process memory for
// the given storage capacity, for queues shared between goroutines rather
// than processes. Mapped shared memory is page aligned and does not need it.
func NewRegion(capacity int) []byte {
	raw := make([]byte, RegionSize(capacity)+BlockSize-1)
	off := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) % BlockSize; rem != 0 {
		off = int(BlockSize - rem)
	}
	return raw[off : off+RegionSize(capacity)]
}

// Attach interprets mem as a queue region. It never writes to mem: a fresh
// all-zero region is a valid empty queue, and attaching to a read-only
// mapping is allowed for subscribers.
func Attach(mem []byte) (*Queue, error) {
	if len(mem) < 2*BlockSize || len(mem)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrRegionSize, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%BlockSize != 0 {
		return nil, ErrRegionAlign
	}
	blkCnt := uint64(len(mem)/BlockSize) - 1
	if blkCnt&(blkCnt-1) != 0 {
		return nil, fmt.Errorf("%w: got %d blocks", ErrBlockCount, blkCnt)
	}
	storage := blkCnt * BlockSize
	return &Queue{
		data:   mem[:storage],
		st:     (*ringState)(unsafe.Pointer(&mem[storage])),
		blkCnt: blkCnt,
		mask:   blkCnt - 1,
	}, nil
}

// BlockCount returns the number of storage blocks in the ring.
func (q *Queue) BlockCount() uint64 {
	return q.blkCnt
}

// MaxMsgSize returns the largest payload Alloc can ever accept. Note that
// payloads above half of it may still fail depending on the write position;
// size the region to twice the largest message to rule that out.
func (q *Queue) MaxMsgSize() uint64 {
	return q.blkCnt*BlockSize - HeaderSize
}

// toBlocks rounds a byte count up to whole blocks.
func toBlocks(bytes uint64) uint64 {
	return (bytes + BlockSize - 1) / BlockSize
}

// sizeAt returns an atomic view of the header size field of the block at pos.
func (q *Queue) sizeAt(pos uint64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&q.data[pos*BlockSize]))
}

// Alloc reserves room for a message of the given payload size at the current
// write position and returns the record header together with the payload
// area to fill in. It returns nil if the message's blocks, plus the padding
// needed to rewind from the current write position, exceed the ring. The
// reservation is invisible to subscribers until Pub commits it.
//
// Only the publishing process may call Alloc.
func (q *Queue) Alloc(size uint32) (*MsgHeader, []byte) {
	total := uint64(size) + HeaderSize
	blkSz := toBlocks(total)
	written := q.st.writtenIdx.Load()
	padding := q.blkCnt - (written & q.mask)
	rewind := blkSz > padding
	advance := blkSz
	if rewind {
		advance += padding
	}
	if advance > q.blkCnt {
		return nil, nil
	}
	// Publish the reservation hint before touching any block, so a reader
	// that observes our stores into the storage area also observes that the
	// zone up to writingIdx is unstable.
	q.st.writingIdx.Store(written + advance)
	if rewind {
		q.sizeAt(written & q.mask).Store(0)
		written += padding
		q.st.writtenIdx.Store(written)
	}
	pos := written & q.mask
	q.sizeAt(pos).Store(uint32(total))
	hdr := (*MsgHeader)(unsafe.Pointer(&q.data[pos*BlockSize]))
	payload := q.data[pos*BlockSize+HeaderSize : pos*BlockSize+total]
	return hdr, payload
}

// Pub commits the record most recently reserved with Alloc, making it
// visible to subscribers. With key set, late subscribers calling Sub(true)
// will start from this message for as long as it stays in the ring.
//
// A crash between the lastKeyIdx and writtenIdx stores below is harmless: a
// stale lastKeyIdx only makes Sub(true) behave like Sub(false).
func (q *Queue) Pub(key bool) {
	written := q.st.writtenIdx.Load()
	blkSz := toBlocks(uint64(q.sizeAt(written & q.mask).Load()))
	if key {
		q.st.lastKeyIdx.Store(written + 1)
	}
	q.st.writtenIdx.Store(written + blkSz)
}

// Sub returns the block index a new subscriber should start reading at. With
// key set it returns the most recent key message if one exists and has not
// been lapped; otherwise it returns the next index the publisher will commit
// to, where Read reports ReadAgain until something is published.
func (q *Queue) Sub(key bool) uint64 {
	if key {
		lastKey := q.st.lastKeyIdx.Load()
		if lastKey > 0 && lastKey+q.blkCnt > q.st.writingIdx.Load() {
			return lastKey - 1
		}
	}
	return q.st.writtenIdx.Load()
}

// Read copies at most one message, header included, from the ring into buf
// and advances idx past it.
//
// A variable-length record cannot be snapshotted atomically without locks,
// so Read copies optimistically and then re-checks against writingIdx that
// the source region was not overwritten meanwhile; one ring of slack between
// idx and writingIdx is the guard band. If the check fails the copied bytes
// may be torn and ReadNeedReSub is returned.
func (q *Queue) Read(idx *uint64, buf []byte) ReadResult {
	i := *idx
	written := q.st.writtenIdx.Load()
	if i >= written {
		return ReadAgain
	}
	pos := i & q.mask
	// May be stale or mid-overwrite; the lap check below decides whether to
	// trust anything derived from it.
	size := uint64(q.sizeAt(pos).Load())
	padding := q.blkCnt - pos
	if size == 0 { // rewind marker
		if i+q.blkCnt < q.st.writingIdx.Load() {
			return ReadNeedReSub
		}
		i += padding
		*idx = i
		if i >= written {
			return ReadAgain
		}
		pos = 0
		size = uint64(q.sizeAt(pos).Load())
		padding = q.blkCnt
	}
	// The padding term caps a corrupted size at the ring end so the copy
	// source stays in bounds.
	copySize := min(uint64(len(buf)), size, padding*BlockSize)
	copy(buf[:copySize], q.data[pos*BlockSize:])
	if i+q.blkCnt < q.st.writingIdx.Load() {
		return ReadNeedReSub
	}
	if copySize < size {
		return ReadBuffTooShort
	}
	*idx = i + toBlocks(size)
	return ReadOK
}

// ParseHeader returns the message header at the start of a buffer filled by
// Read. It panics if buf is shorter than HeaderSize.
func ParseHeader(buf []byte) MsgHeader {
	_ = buf[HeaderSize-1]
	return *(*MsgHeader)(unsafe.Pointer(&buf[0]))
}
