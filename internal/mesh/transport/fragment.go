package transport

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// Datagram transports cap the packet size well below a full stream frame,
// so frames are split into numbered chunks and stitched back together on
// the far side. Chunks may arrive out of order or not at all; a partial
// message that stalls past the reassembly window is discarded whole.

const (
	fragMagic   = 0xFA
	fragVersion = 0x01
	fragHeader  = 16

	// Chunk layout:
	//   [0]     magic
	//   [1]     version
	//   [2:10]  message id (BE u64)
	//   [10:12] chunk index (BE u16)
	//   [12:14] chunk total (BE u16)
	//   [14:16] payload length (BE u16)
	fragOffMsgID = 2
	fragOffIdx   = 10
	fragOffTotal = 12
	fragOffLen   = 14
)

type chunk struct {
	msgID   uint64
	idx     uint16
	total   uint16
	payload []byte
}

// fragment splits frame into chunks that each fit in maxDatagram bytes,
// header included. The message id ties the chunks together on the wire.
func fragment(frame []byte, maxDatagram int) ([][]byte, error) {
	chunkPayload := maxDatagram - fragHeader
	if chunkPayload <= 0 {
		return nil, common.Ef(common.KindBadRequest, "fragment", "datagram size %d too small", maxDatagram)
	}
	total := (len(frame) + chunkPayload - 1) / chunkPayload
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, common.Ef(common.KindBadRequest, "fragment", "frame of %d bytes needs %d chunks", len(frame), total)
	}

	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, common.E(common.KindFatal, "fragment", err)
	}
	msgID := binary.BigEndian.Uint64(idBuf[:])

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * chunkPayload
		hi := lo + chunkPayload
		if hi > len(frame) {
			hi = len(frame)
		}
		part := frame[lo:hi]

		buf := make([]byte, fragHeader+len(part))
		buf[0] = fragMagic
		buf[1] = fragVersion
		binary.BigEndian.PutUint64(buf[fragOffMsgID:], msgID)
		binary.BigEndian.PutUint16(buf[fragOffIdx:], uint16(i))
		binary.BigEndian.PutUint16(buf[fragOffTotal:], uint16(total))
		binary.BigEndian.PutUint16(buf[fragOffLen:], uint16(len(part)))
		copy(buf[fragHeader:], part)
		out = append(out, buf)
	}
	return out, nil
}

// isFragment reports whether a datagram carries a chunk header.
func isFragment(b []byte) bool {
	return len(b) >= fragHeader && b[0] == fragMagic && b[1] == fragVersion
}

func parseChunk(b []byte) (chunk, bool) {
	if !isFragment(b) {
		return chunk{}, false
	}
	c := chunk{
		msgID: binary.BigEndian.Uint64(b[fragOffMsgID:]),
		idx:   binary.BigEndian.Uint16(b[fragOffIdx:]),
		total: binary.BigEndian.Uint16(b[fragOffTotal:]),
	}
	plen := int(binary.BigEndian.Uint16(b[fragOffLen:]))
	if c.total == 0 || c.idx >= c.total || len(b) != fragHeader+plen {
		return chunk{}, false
	}
	c.payload = b[fragHeader : fragHeader+plen]
	return c, true
}

type partialMessage struct {
	parts    [][]byte
	received int
	size     int
	firstAt  time.Time
}

// reassembler collects chunks per message id until a message completes or
// times out. One reassembler serves one remote peer.
type reassembler struct {
	mu       sync.Mutex
	pending  map[uint64]*partialMessage
	window   time.Duration
	maxFrame int
	now      func() time.Time
}

func newReassembler(window time.Duration, maxFrame int) *reassembler {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &reassembler{
		pending:  make(map[uint64]*partialMessage),
		window:   window,
		maxFrame: maxFrame,
		now:      time.Now,
	}
}

// offer absorbs one chunk. It returns the whole frame once the last
// missing chunk arrives, nil otherwise.
func (r *reassembler) offer(c chunk) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	pm, ok := r.pending[c.msgID]
	if !ok {
		pm = &partialMessage{
			parts:   make([][]byte, c.total),
			firstAt: r.now(),
		}
		r.pending[c.msgID] = pm
	}
	if int(c.total) != len(pm.parts) {
		// Conflicting totals for the same id; drop the message.
		delete(r.pending, c.msgID)
		return nil
	}
	if pm.parts[c.idx] != nil {
		return nil
	}
	payload := make([]byte, len(c.payload))
	copy(payload, c.payload)
	pm.parts[c.idx] = payload
	pm.received++
	pm.size += len(payload)
	if r.maxFrame > 0 && pm.size > r.maxFrame {
		delete(r.pending, c.msgID)
		return nil
	}
	if pm.received < len(pm.parts) {
		return nil
	}

	delete(r.pending, c.msgID)
	frame := make([]byte, 0, pm.size)
	for _, part := range pm.parts {
		frame = append(frame, part...)
	}
	return frame
}

// gc drops partial messages older than the reassembly window.
func (r *reassembler) gc() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	dropped := 0
	for id, pm := range r.pending {
		if pm.firstAt.Before(cutoff) {
			delete(r.pending, id)
			dropped++
		}
	}
	return dropped
}

func (r *reassembler) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
