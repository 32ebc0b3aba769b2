// Package wire defines the on-the-datagram message shapes shared by every
// worker: the client-facing Op/Response pair, the inter-node ForwardRequest,
// and the coherence UPDATE/credit messages. All types here are fixed-size,
// natural-aligned structs so they can be sent as raw bytes over
// internal/transport without a serialization library — the same zero-copy
// posture arena-cache takes with its cache entries, centralised through
// internal/unsafehelpers instead of scattering `unsafe` across the module.
//
// © 2025 mica-node authors. MIT License.
package wire

import (
	"errors"
	"hash/fnv"
	"unsafe"

	"github.com/Voskan/mica-node/internal/unsafehelpers"
)

// MaxValueSize bounds the payload carried by a single Op.
const MaxValueSize = 128

// Opcode enumerates the operations a worker can execute or relay.
type Opcode uint8

const (
	OpGet Opcode = iota
	OpPut
	OpBroadcast
	OpUpdate
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpBroadcast:
		return "BROADCAST"
	case OpUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Key is the opaque 128-bit key fingerprint: Bucket selects both the
// CacheIndex bucket and the owning shard, Tag disambiguates within a
// bucket.
type Key struct {
	Bucket uint64
	Tag    uint32
}

// DeriveFingerprint turns an arbitrary client-supplied key into the wire
// Key the rest of the system routes and indexes on. Two independent FNV-1a
// passes (distinct seeds) give Bucket and Tag enough independence that a
// Bucket collision essentially never implies a Tag collision, matching the
// "uniformly distributed bucket, disambiguating tag" contract routing and
// the CacheIndex both depend on.
func DeriveFingerprint(rawKey []byte) Key {
	bh := fnv.New64a()
	bh.Write(rawKey)
	bucket := bh.Sum64()

	th := fnv.New32a()
	th.Write(rawKey)
	th.Write([]byte{0xA5}) // distinct seed byte so Tag != low bits of Bucket's hash
	tag := th.Sum32()

	return Key{Bucket: bucket, Tag: tag}
}

// Op is the wire-sized request/coherence message: MICA_OP_SIZE bytes,
// naturally aligned. It is reused, with Opcode rewritten, as the payload of
// a CoherenceUpdate (Opcode == OpUpdate).
type Op struct {
	Opcode   Opcode
	Key      Key
	ValueLen uint16
	Value    [MaxValueSize]byte
}

// MicaOpSize is the fixed wire size of Op, computed once so a layout
// mismatch fails at compile time rather than silently misframing packets.
const MicaOpSize = unsafe.Sizeof(Op{})

// RespKind enumerates the possible Response.Kind values.
type RespKind uint8

const (
	Empty RespKind = iota
	GetSuccess
	GetMiss
	PutSuccess
	CachePutSuccess
)

func (k RespKind) String() string {
	switch k {
	case GetSuccess:
		return "GET_SUCCESS"
	case GetMiss:
		return "GET_MISS"
	case PutSuccess:
		return "PUT_SUCCESS"
	case CachePutSuccess:
		return "CACHE_PUT_SUCCESS"
	default:
		return "EMPTY"
	}
}

// Response carries the outcome of a lookup or write. ValuePtr may alias
// memory owned by CacheIndex or KVStore; the pointer is only valid until
// the next batch operation on the structure it came from — callers that
// need to retain a value past that point must copy it out immediately.
type Response struct {
	Kind     RespKind
	ValuePtr []byte
	ValueLen uint16
}

// Address is an opaque transport-level peer address (e.g. "host:port").
// It is the Go analogue of an RDMA address handle: transport.Transport
// resolves it to whatever local connection state is needed to send.
type Address string

// ForwardRequest is the message an originator node sends to the node that
// owns a key, so the owner can execute the op locally and answer the
// client directly. ClientReturnAddr is populated by the originator from the
// inbound client envelope's source address, so the owner always has a
// real address to answer rather than a zero-initialized placeholder.
type ForwardRequest struct {
	Op               Op
	OriginatorNode   uint8
	TargetNode       uint8
	RequestID        uint64
	ClientReturnAddr Address
}

// ForwardRequestWireSize is sizeof(Op) + 4 (qpn-equivalent) + 2 (lid-equivalent)
// + 1 + 1 + 8 (req_id), kept as a named constant purely for documentation
// — the Go struct above is not byte-identical to the RDMA layout (Address
// is a variable-length string, not a fixed qpn/lid pair), so framing on
// the wire uses EncodeForwardRequest/DecodeForwardRequest below rather
// than a raw unsafe cast.
const ForwardRequestWireSize = int(MicaOpSize) + 4 + 2 + 1 + 1 + 8

// Reserved, unused virtual channel for a future linearizable invalidation
// protocol; defined here but referenced nowhere else in the module.
const ChannelInv = 1
const ChannelUpd = 0
const ChannelCredit = 2

// EncodeOp returns a zero-copy byte view of op, exactly MicaOpSize bytes.
// The returned slice aliases op's memory; callers that post it to a
// Transport must do so before op is reused or mutated.
func EncodeOp(op *Op) []byte {
	return unsafehelpers.ByteSliceFrom(unsafe.Pointer(op), MicaOpSize)
}

// DecodeOp reinterprets b as an Op. b must be at least MicaOpSize bytes;
// trailing bytes are ignored (a receive buffer is often larger than the
// framed message).
func DecodeOp(b []byte) (Op, error) {
	if len(b) < int(MicaOpSize) {
		return Op{}, errors.New("wire: buffer too small for Op")
	}
	return *(*Op)(unsafe.Pointer(&b[0])), nil
}

// EncodeForwardRequest serializes a ForwardRequest into a byte slice. The
// Op prefix is a raw byte view (cheap, fixed-size); the trailing fields are
// written with explicit byte packing so the variable-length
// ClientReturnAddr round-trips exactly (R1).
func EncodeForwardRequest(fr *ForwardRequest) []byte {
	addr := []byte(fr.ClientReturnAddr)
	buf := make([]byte, int(MicaOpSize)+1+1+8+2+len(addr))
	copy(buf, EncodeOp(&fr.Op))
	o := int(MicaOpSize)
	buf[o] = fr.OriginatorNode
	buf[o+1] = fr.TargetNode
	putUint64(buf[o+2:o+10], fr.RequestID)
	putUint16(buf[o+10:o+12], uint16(len(addr)))
	copy(buf[o+12:], addr)
	return buf
}

// DecodeForwardRequest is the inverse of EncodeForwardRequest (R1).
func DecodeForwardRequest(b []byte) (ForwardRequest, error) {
	o := int(MicaOpSize)
	if len(b) < o+12 {
		return ForwardRequest{}, errors.New("wire: buffer too small for ForwardRequest header")
	}
	op, err := DecodeOp(b)
	if err != nil {
		return ForwardRequest{}, err
	}
	addrLen := int(getUint16(b[o+10 : o+12]))
	if len(b) < o+12+addrLen {
		return ForwardRequest{}, errors.New("wire: buffer too small for ForwardRequest address")
	}
	return ForwardRequest{
		Op:               op,
		OriginatorNode:   b[o],
		TargetNode:       b[o+1],
		RequestID:        getUint64(b[o+2 : o+10]),
		ClientReturnAddr: Address(b[o+12 : o+12+addrLen]),
	}, nil
}

// IsForwardRequest distinguishes a ForwardRequest from a plain ClientRequest
// purely by byte length: a ForwardRequest is always strictly longer
// than a bare Op.
func IsForwardRequest(n int) bool {
	return n > int(MicaOpSize)
}

// IsCreditReturn recognizes the zero-payload credit message.
func IsCreditReturn(n int) bool {
	return n == 0
}

// EncodeResponse serializes a Response for sending back to a client,
// whether directly or across a forwarded request: kind, length, then the
// value bytes.
func EncodeResponse(r *Response) []byte {
	buf := make([]byte, 1+2+len(r.ValuePtr))
	buf[0] = byte(r.Kind)
	putUint16(buf[1:3], r.ValueLen)
	copy(buf[3:], r.ValuePtr)
	return buf
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < 3 {
		return Response{}, errors.New("wire: buffer too small for Response")
	}
	valLen := getUint16(b[1:3])
	if len(b) < 3+int(valLen) {
		return Response{}, errors.New("wire: buffer too small for Response value")
	}
	val := append([]byte(nil), b[3:3+int(valLen)]...)
	return Response{Kind: RespKind(b[0]), ValuePtr: val, ValueLen: valLen}, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
