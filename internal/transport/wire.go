// Package transport carries sync and fetch requests between replicas
// over QUIC. Each request occupies one bidirectional stream: the client
// writes a framed message, the server answers with a framed response,
// and the stream closes.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// MessageType identifies a request on the wire.
type MessageType uint32

const (
	// MsgHas asks which of a list of hashes the peer holds.
	MsgHas MessageType = 1
	// MsgGet asks for the canonical bytes of one node.
	MsgGet MessageType = 2
	// MsgPut submits a batch of nodes for closure-checked storage.
	MsgPut MessageType = 3
)

const (
	headerSize   = 8
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024
)

// Message is a framed request. Wire format:
// [4B type big-endian uint32]
// [4B payload length big-endian uint32]
// [N bytes payload]
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage serializes a message with length-prefixed framing.
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg.Payload) > maxPayload {
		return fmt.Errorf("payload exceeds %dMB limit", maxPayloadMB)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(msg.Type))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(msg.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage deserializes a message from a reader.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}
	msgType := MessageType(binary.BigEndian.Uint32(hdr[:4]))
	payloadLen := binary.BigEndian.Uint32(hdr[4:])
	if payloadLen > maxPayload {
		return Message{}, fmt.Errorf(
			"payload length %d exceeds %dMB limit", payloadLen, maxPayloadMB)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}

// Response is a framed reply. Wire format:
//
//	[1B error flag: 0=ok, 1=error]
//	[4B payload length big-endian]
//	[N bytes payload]
//	[4B error message length] (only if flag=1)
//	[M bytes error message]   (only if flag=1)
type Response struct {
	Payload []byte
	Error   error
}

// notFoundMsg is the canonical wire form of store.ErrNotFound, so the
// client can recover the sentinel from an error string.
const notFoundMsg = "node not found"

// WriteResponse serializes a response to a writer.
func WriteResponse(w io.Writer, resp Response) error {
	if len(resp.Payload) > maxPayload {
		return fmt.Errorf("response payload exceeds %dMB limit", maxPayloadMB)
	}
	var hdr [5]byte
	if resp.Error != nil {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(resp.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write response header: %w", err)
	}
	if len(resp.Payload) > 0 {
		if _, err := w.Write(resp.Payload); err != nil {
			return fmt.Errorf("write response payload: %w", err)
		}
	}
	if resp.Error != nil {
		msg := resp.Error.Error()
		if errors.Is(resp.Error, store.ErrNotFound) {
			msg = notFoundMsg
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("write error length: %w", err)
		}
		if _, err := io.WriteString(w, msg); err != nil {
			return fmt.Errorf("write error message: %w", err)
		}
	}
	return nil
}

// ReadResponse deserializes a response from a reader. A wire error that
// round-trips store.ErrNotFound is restored to the sentinel.
func ReadResponse(r io.Reader) (Response, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Response{}, fmt.Errorf("read response header: %w", err)
	}
	hasErr := hdr[0] == 1
	payloadLen := binary.BigEndian.Uint32(hdr[1:5])
	if payloadLen > maxPayload {
		return Response{}, fmt.Errorf(
			"response payload %d exceeds %dMB limit", payloadLen, maxPayloadMB)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Response{}, fmt.Errorf("read response payload: %w", err)
		}
	}
	var respErr error
	if hasErr {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Response{}, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, msg); err != nil {
			return Response{}, fmt.Errorf("read error message: %w", err)
		}
		if string(msg) == notFoundMsg {
			respErr = store.ErrNotFound
		} else {
			respErr = errors.New(string(msg))
		}
	}
	return Response{Payload: payload, Error: respErr}, nil
}

// Payload encodings. Hash lists are a uvarint count followed by that
// many fixed-size hashes; node lists add per-node byte blobs and the
// dependency and elided hash lists.

// MarshalHashList encodes a hash list payload.
func MarshalHashList(hashes []hash.Hash) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(hashes)*hash.Size)
	buf = binary.AppendUvarint(buf, uint64(len(hashes)))
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

// UnmarshalHashList decodes a hash list payload.
func UnmarshalHashList(b []byte) ([]hash.Hash, error) {
	n, off := binary.Uvarint(b)
	if off <= 0 {
		return nil, errors.New("hash list: bad count")
	}
	if n > uint64(len(b[off:]))/hash.Size {
		return nil, fmt.Errorf("hash list: count %d exceeds payload", n)
	}
	out := make([]hash.Hash, 0, n)
	for i := uint64(0); i < n; i++ {
		var h hash.Hash
		copy(h[:], b[off:off+hash.Size])
		off += hash.Size
		out = append(out, h)
	}
	if off != len(b) {
		return nil, errors.New("hash list: trailing bytes")
	}
	return out, nil
}

// MarshalBoolList encodes a presence vector as one byte per entry.
func MarshalBoolList(bits []bool) []byte {
	out := make([]byte, len(bits))
	for i, v := range bits {
		if v {
			out[i] = 1
		}
	}
	return out
}

// UnmarshalBoolList decodes a presence vector.
func UnmarshalBoolList(b []byte) []bool {
	out := make([]bool, len(b))
	for i, v := range b {
		out[i] = v == 1
	}
	return out
}

// MarshalNodeList encodes a node batch payload.
func MarshalNodeList(nodes []store.Node) ([]byte, error) {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(nodes)))
	for _, n := range nodes {
		if len(n.Bytes) > maxPayload {
			return nil, fmt.Errorf("node %s exceeds %dMB limit", n.Hash.Short(), maxPayloadMB)
		}
		buf = append(buf, n.Hash[:]...)
		buf = binary.AppendUvarint(buf, uint64(len(n.Bytes)))
		buf = append(buf, n.Bytes...)
		buf = appendHashes(buf, n.Deps)
		buf = appendHashes(buf, n.Elided)
	}
	return buf, nil
}

func appendHashes(buf []byte, hashes []hash.Hash) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(hashes)))
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

// UnmarshalNodeList decodes a node batch payload.
func UnmarshalNodeList(b []byte) ([]store.Node, error) {
	c := wireCursor{buf: b}
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	nodes := make([]store.Node, 0, n)
	for i := uint64(0); i < n; i++ {
		var node store.Node
		if node.Hash, err = c.hash(); err != nil {
			return nil, err
		}
		size, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		if node.Bytes, err = c.take(size); err != nil {
			return nil, err
		}
		if node.Deps, err = c.hashes(); err != nil {
			return nil, err
		}
		if node.Elided, err = c.hashes(); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if c.off != len(b) {
		return nil, errors.New("node list: trailing bytes")
	}
	return nodes, nil
}

type wireCursor struct {
	buf []byte
	off int
}

func (c *wireCursor) uvarint() (uint64, error) {
	v, n := binary.Uvarint(c.buf[c.off:])
	if n <= 0 {
		return 0, errors.New("node list: bad varint")
	}
	c.off += n
	return v, nil
}

func (c *wireCursor) take(n uint64) ([]byte, error) {
	if n > uint64(len(c.buf)-c.off) {
		return nil, errors.New("node list: truncated")
	}
	out := make([]byte, n)
	copy(out, c.buf[c.off:c.off+int(n)])
	c.off += int(n)
	return out, nil
}

func (c *wireCursor) hash() (hash.Hash, error) {
	b, err := c.take(hash.Size)
	if err != nil {
		return hash.Hash{}, err
	}
	var h hash.Hash
	copy(h[:], b)
	return h, nil
}

func (c *wireCursor) hashes() ([]hash.Hash, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(c.buf)-c.off)/hash.Size {
		return nil, errors.New("node list: hash count exceeds payload")
	}
	out := make([]hash.Hash, 0, n)
	for i := uint64(0); i < n; i++ {
		h, err := c.hash()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
