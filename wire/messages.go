package wire

import (
	"fmt"

	"meshfabric.dev/core/fixedpoint"
)

// Tag identifies a message type on the wire (spec §6).
type Tag byte

const (
	TagTask         Tag = 0x01
	TagResult       Tag = 0x02
	TagHeartbeat    Tag = 0x03
	TagClaimPrimary Tag = 0x04
	TagCommitToken  Tag = 0x05
	TagResync       Tag = 0x06
)

func (t Tag) String() string {
	switch t {
	case TagTask:
		return "task"
	case TagResult:
		return "result"
	case TagHeartbeat:
		return "heartbeat"
	case TagClaimPrimary:
		return "claim_primary"
	case TagCommitToken:
		return "commit_token"
	case TagResync:
		return "resync"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

// TaskFrame is sent primary->worker: { cycle, block_id, seed, x }.
type TaskFrame struct {
	Cycle   uint64
	BlockID uint32
	Seed    uint64
	X       fixedpoint.Vector
}

// ResultFrame is sent worker->primary and worker->backup:
// { cycle, block_id, seed, y_block, sat_flag }.
//
// y_block is a single Q1.31 scalar: the coded symbol formed by
// dot(M_w_k, x), i.e. the combination (per the block's indicator
// vector w_k) of the m source symbols M_i.x. See DESIGN.md for why
// this field is one Q1.31 word rather than an n-wide vector despite
// the spec's wire table listing it as bytes(n*4): §4.2's decoder
// recovers "the m original rows' dot products" from these scalars via
// Gaussian elimination over the w_k's, which only typechecks if each
// y_k is itself a scalar.
type ResultFrame struct {
	Cycle   uint64
	BlockID uint32
	Seed    uint64
	YBlock  fixedpoint.Q1
	SatFlag uint8
}

// Saturated reports whether the worker observed saturation while
// combining rows for this block.
func (r ResultFrame) Saturated() bool { return r.SatFlag != 0 }

// Heartbeat is emitted by the Primary at the start of every cycle:
// { cycle, committed_epoch, role, sender_id }, plus a degraded-mode
// backup-assist request (spec §4.2: "request backup assist" is one of
// the three degraded-mode escalation actions). AssistBlocks is the
// count of extra coded blocks, starting at AssistFromBlock, that the
// Primary had to drop from its own dispatch by reducing K; it is zero
// outside degraded mode. These two fields ride on the existing
// heartbeat rather than a new wire tag, keeping the six message types
// of spec §6's table unchanged.
type Heartbeat struct {
	Cycle           uint64
	CommittedEpoch  uint64
	Role            uint8
	SenderID        uint64
	AssistFromBlock uint32
	AssistBlocks    uint32
}

// ClaimPrimary is broadcast by a Candidate attempting promotion:
// { cycle, committed_epoch, node_id }.
type ClaimPrimary struct {
	Cycle          uint64
	CommittedEpoch uint64
	NodeID         uint64
}

// CommitToken carries an operator-signed state transition:
// { state_hash, sequence, verify_key, signature }.
type CommitToken struct {
	StateHash [32]byte
	Sequence  uint64
	VerifyKey [32]byte
	Signature [64]byte
}

// SigningBytes returns canonical(state_hash || sequence), the exact
// byte string the operator signs and the verifier checks. It excludes
// the tag, verify_key and signature themselves.
func (c CommitToken) SigningBytes() []byte {
	b := make([]byte, 0, 40)
	b = append(b, c.StateHash[:]...)
	b = appendU64LE(b, c.Sequence)
	return b
}

// ResyncFrame carries the Primary's authoritative state to a
// diverged Backup: { cycle, committed_epoch, x, signature }.
type ResyncFrame struct {
	Cycle          uint64
	CommittedEpoch uint64
	X              fixedpoint.Vector
	Signature      [64]byte
}

func encodeVector(dst []byte, v fixedpoint.Vector) []byte {
	for _, q := range v {
		dst = appendU32LE(dst, uint32(int32(q)))
	}
	return dst
}

func decodeVector(c *cursor, n int) (fixedpoint.Vector, error) {
	out := make(fixedpoint.Vector, n)
	for i := 0; i < n; i++ {
		u, err := c.readU32LE()
		if err != nil {
			return nil, fmt.Errorf("wire: vector[%d]: %w", i, err)
		}
		out[i] = fixedpoint.Q1(int32(u))
	}
	return out, nil
}

func checkSize(buf []byte) error {
	if len(buf) > MaxDatagramSize {
		return fmt.Errorf("wire: encoded message too large (%d > %d)", len(buf), MaxDatagramSize)
	}
	return nil
}

// EncodeTask encodes a TaskFrame.
func EncodeTask(t TaskFrame) ([]byte, error) {
	b := make([]byte, 0, 1+8+4+8+len(t.X)*4)
	b = appendU8(b, byte(TagTask))
	b = appendU64LE(b, t.Cycle)
	b = appendU32LE(b, t.BlockID)
	b = appendU64LE(b, t.Seed)
	b = encodeVector(b, t.X)
	if err := checkSize(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeTask decodes a TaskFrame whose x field has width n.
func DecodeTask(buf []byte, n int) (TaskFrame, error) {
	var t TaskFrame
	c := newCursor(buf)
	tag, err := c.readU8()
	if err != nil {
		return t, err
	}
	if Tag(tag) != TagTask {
		return t, fmt.Errorf("wire: DecodeTask: wrong tag 0x%02x", tag)
	}
	if t.Cycle, err = c.readU64LE(); err != nil {
		return t, err
	}
	bid, err := c.readU32LE()
	if err != nil {
		return t, err
	}
	t.BlockID = bid
	if t.Seed, err = c.readU64LE(); err != nil {
		return t, err
	}
	if t.X, err = decodeVector(c, n); err != nil {
		return t, err
	}
	if !c.finished() {
		return t, fmt.Errorf("wire: DecodeTask: trailing bytes")
	}
	return t, nil
}

// EncodeResult encodes a ResultFrame.
func EncodeResult(r ResultFrame) ([]byte, error) {
	b := make([]byte, 0, 1+8+4+8+4+1)
	b = appendU8(b, byte(TagResult))
	b = appendU64LE(b, r.Cycle)
	b = appendU32LE(b, r.BlockID)
	b = appendU64LE(b, r.Seed)
	b = appendU32LE(b, uint32(int32(r.YBlock)))
	b = appendU8(b, r.SatFlag)
	if err := checkSize(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeResult decodes a ResultFrame.
func DecodeResult(buf []byte) (ResultFrame, error) {
	var r ResultFrame
	c := newCursor(buf)
	tag, err := c.readU8()
	if err != nil {
		return r, err
	}
	if Tag(tag) != TagResult {
		return r, fmt.Errorf("wire: DecodeResult: wrong tag 0x%02x", tag)
	}
	if r.Cycle, err = c.readU64LE(); err != nil {
		return r, err
	}
	bid, err := c.readU32LE()
	if err != nil {
		return r, err
	}
	r.BlockID = bid
	if r.Seed, err = c.readU64LE(); err != nil {
		return r, err
	}
	yb, err := c.readU32LE()
	if err != nil {
		return r, err
	}
	r.YBlock = fixedpoint.Q1(int32(yb))
	sat, err := c.readU8()
	if err != nil {
		return r, err
	}
	r.SatFlag = sat
	if !c.finished() {
		return r, fmt.Errorf("wire: DecodeResult: trailing bytes")
	}
	return r, nil
}

// EncodeHeartbeat encodes a Heartbeat.
func EncodeHeartbeat(h Heartbeat) ([]byte, error) {
	b := make([]byte, 0, 1+8+8+1+8+4+4)
	b = appendU8(b, byte(TagHeartbeat))
	b = appendU64LE(b, h.Cycle)
	b = appendU64LE(b, h.CommittedEpoch)
	b = appendU8(b, h.Role)
	b = appendU64LE(b, h.SenderID)
	b = appendU32LE(b, h.AssistFromBlock)
	b = appendU32LE(b, h.AssistBlocks)
	return b, checkSize(b)
}

// DecodeHeartbeat decodes a Heartbeat.
func DecodeHeartbeat(buf []byte) (Heartbeat, error) {
	var h Heartbeat
	c := newCursor(buf)
	tag, err := c.readU8()
	if err != nil {
		return h, err
	}
	if Tag(tag) != TagHeartbeat {
		return h, fmt.Errorf("wire: DecodeHeartbeat: wrong tag 0x%02x", tag)
	}
	if h.Cycle, err = c.readU64LE(); err != nil {
		return h, err
	}
	if h.CommittedEpoch, err = c.readU64LE(); err != nil {
		return h, err
	}
	role, err := c.readU8()
	if err != nil {
		return h, err
	}
	h.Role = role
	if h.SenderID, err = c.readU64LE(); err != nil {
		return h, err
	}
	if h.AssistFromBlock, err = c.readU32LE(); err != nil {
		return h, err
	}
	if h.AssistBlocks, err = c.readU32LE(); err != nil {
		return h, err
	}
	if !c.finished() {
		return h, fmt.Errorf("wire: DecodeHeartbeat: trailing bytes")
	}
	return h, nil
}

// EncodeClaimPrimary encodes a ClaimPrimary.
func EncodeClaimPrimary(cp ClaimPrimary) ([]byte, error) {
	b := make([]byte, 0, 1+8+8+8)
	b = appendU8(b, byte(TagClaimPrimary))
	b = appendU64LE(b, cp.Cycle)
	b = appendU64LE(b, cp.CommittedEpoch)
	b = appendU64LE(b, cp.NodeID)
	return b, checkSize(b)
}

// DecodeClaimPrimary decodes a ClaimPrimary.
func DecodeClaimPrimary(buf []byte) (ClaimPrimary, error) {
	var cp ClaimPrimary
	c := newCursor(buf)
	tag, err := c.readU8()
	if err != nil {
		return cp, err
	}
	if Tag(tag) != TagClaimPrimary {
		return cp, fmt.Errorf("wire: DecodeClaimPrimary: wrong tag 0x%02x", tag)
	}
	if cp.Cycle, err = c.readU64LE(); err != nil {
		return cp, err
	}
	if cp.CommittedEpoch, err = c.readU64LE(); err != nil {
		return cp, err
	}
	if cp.NodeID, err = c.readU64LE(); err != nil {
		return cp, err
	}
	if !c.finished() {
		return cp, fmt.Errorf("wire: DecodeClaimPrimary: trailing bytes")
	}
	return cp, nil
}

// EncodeCommitToken encodes a CommitToken.
func EncodeCommitToken(ct CommitToken) ([]byte, error) {
	b := make([]byte, 0, 1+32+8+32+64)
	b = appendU8(b, byte(TagCommitToken))
	b = append(b, ct.StateHash[:]...)
	b = appendU64LE(b, ct.Sequence)
	b = append(b, ct.VerifyKey[:]...)
	b = append(b, ct.Signature[:]...)
	return b, checkSize(b)
}

// DecodeCommitToken decodes a CommitToken.
func DecodeCommitToken(buf []byte) (CommitToken, error) {
	var ct CommitToken
	c := newCursor(buf)
	tag, err := c.readU8()
	if err != nil {
		return ct, err
	}
	if Tag(tag) != TagCommitToken {
		return ct, fmt.Errorf("wire: DecodeCommitToken: wrong tag 0x%02x", tag)
	}
	h, err := c.readBytes(32)
	if err != nil {
		return ct, err
	}
	copy(ct.StateHash[:], h)
	if ct.Sequence, err = c.readU64LE(); err != nil {
		return ct, err
	}
	vk, err := c.readBytes(32)
	if err != nil {
		return ct, err
	}
	copy(ct.VerifyKey[:], vk)
	sig, err := c.readBytes(64)
	if err != nil {
		return ct, err
	}
	copy(ct.Signature[:], sig)
	if !c.finished() {
		return ct, fmt.Errorf("wire: DecodeCommitToken: trailing bytes")
	}
	return ct, nil
}

// EncodeResync encodes a ResyncFrame.
func EncodeResync(r ResyncFrame) ([]byte, error) {
	b := make([]byte, 0, 1+8+8+len(r.X)*4+64)
	b = appendU8(b, byte(TagResync))
	b = appendU64LE(b, r.Cycle)
	b = appendU64LE(b, r.CommittedEpoch)
	b = encodeVector(b, r.X)
	b = append(b, r.Signature[:]...)
	return b, checkSize(b)
}

// DecodeResync decodes a ResyncFrame whose x field has width n.
func DecodeResync(buf []byte, n int) (ResyncFrame, error) {
	var r ResyncFrame
	c := newCursor(buf)
	tag, err := c.readU8()
	if err != nil {
		return r, err
	}
	if Tag(tag) != TagResync {
		return r, fmt.Errorf("wire: DecodeResync: wrong tag 0x%02x", tag)
	}
	if r.Cycle, err = c.readU64LE(); err != nil {
		return r, err
	}
	if r.CommittedEpoch, err = c.readU64LE(); err != nil {
		return r, err
	}
	if r.X, err = decodeVector(c, n); err != nil {
		return r, err
	}
	sig, err := c.readBytes(64)
	if err != nil {
		return r, err
	}
	copy(r.Signature[:], sig)
	if !c.finished() {
		return r, fmt.Errorf("wire: DecodeResync: trailing bytes")
	}
	return r, nil
}

// PeekTag reads the leading tag byte without consuming the buffer,
// letting a receiver dispatch to the right Decode* function once it
// knows the current cycle's vector width n.
func PeekTag(buf []byte) (Tag, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("wire: PeekTag: empty buffer")
	}
	return Tag(buf[0]), nil
}

// SigningBytes returns canonical(cycle || committed_epoch || x),
// the byte string signed by the Primary issuing a resync.
func (r ResyncFrame) SigningBytes() []byte {
	b := make([]byte, 0, 16+len(r.X)*4)
	b = appendU64LE(b, r.Cycle)
	b = appendU64LE(b, r.CommittedEpoch)
	b = encodeVector(b, r.X)
	return b
}
