// Package demomsg defines the toy wire schema exchanged by the demo
// publisher and subscriber. Four message types carry 1, 3, 8 and 11 counter
// values plus a send timestamp and the producer id; the type code travels in
// the queue header's UserData field.
package demomsg

import (
	"encoding/binary"
	"fmt"
)

// NumTypes is the number of demo message types, numbered 1..NumTypes.
const NumTypes = 4

// valCounts[msgType] is the number of values that type carries.
var valCounts = [NumTypes + 1]int{0, 1, 3, 8, 11}

// Msg is one decoded demo message.
type Msg struct {
	Type uint32
	// SentNs is the publisher's wall-clock send time in Unix nanoseconds.
	SentNs int64
	// Producer identifies the publishing process.
	Producer int32
	// Vals is a run of consecutive counter values.
	Vals []int32
}

// ValCount returns how many values the given message type carries, or zero
// for an unknown type.
func ValCount(msgType uint32) int {
	if msgType < 1 || msgType > NumTypes {
		return 0
	}
	return valCounts[msgType]
}

// EncodedSize returns the payload size of the given message type in bytes.
func EncodedSize(msgType uint32) int {
	return 12 + 4*ValCount(msgType)
}

// Encode writes m into buf, which must be exactly EncodedSize(m.Type) bytes.
func Encode(buf []byte, m Msg) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(m.SentNs))
	binary.LittleEndian.PutUint32(buf[8:], uint32(m.Producer))
	for i, v := range m.Vals {
		binary.LittleEndian.PutUint32(buf[12+4*i:], uint32(v))
	}
}

// Decode parses a payload of the given type.
func Decode(msgType uint32, buf []byte) (Msg, error) {
	n := ValCount(msgType)
	if n == 0 {
		return Msg{}, fmt.Errorf("unknown message type %d", msgType)
	}
	if len(buf) != EncodedSize(msgType) {
		return Msg{}, fmt.Errorf("message type %d needs %d bytes, got %d", msgType, EncodedSize(msgType), len(buf))
	}

	m := Msg{
		Type:     msgType,
		SentNs:   int64(binary.LittleEndian.Uint64(buf[0:])),
		Producer: int32(binary.LittleEndian.Uint32(buf[8:])),
		Vals:     make([]int32, n),
	}
	for i := range m.Vals {
		m.Vals[i] = int32(binary.LittleEndian.Uint32(buf[12+4*i:]))
	}
	return m, nil
}
