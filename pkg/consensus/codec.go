// file: pkg/consensus/codec.go
//
// Canonical binary encoding of the wire messages. Field order is significant
// and integers are big-endian, so every honest node produces byte-identical
// encodings — the same bytes feed signature creation and verification.
package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

type wireWriter struct{ buf bytes.Buffer }

func (w *wireWriter) u8(v uint8) { w.buf.WriteByte(v) }
func (w *wireWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}
func (w *wireWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *wireWriter) hash(h Hash) { w.buf.Write(h[:]) }

func (w *wireWriter) id(id ValidatorID) { w.buf.Write(id[:]) }
func (w *wireWriter) bytes(b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.buf.Write(l[:])
	w.buf.Write(b)
}

type wireReader struct {
	buf *bytes.Reader
	err error
}

func newWireReader(b []byte) *wireReader { return &wireReader{buf: bytes.NewReader(b)} }

func (r *wireReader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.buf.ReadByte()
	if err != nil {
		r.err = err
	}
	return v
}

func (r *wireReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func (r *wireReader) i64() int64 { return int64(r.u64()) }

func (r *wireReader) hash() Hash {
	var h Hash
	if r.err != nil {
		return h
	}
	if _, err := io.ReadFull(r.buf, h[:]); err != nil {
		r.err = err
	}
	return h
}

func (r *wireReader) id() ValidatorID {
	var id ValidatorID
	if r.err != nil {
		return id
	}
	if _, err := io.ReadFull(r.buf, id[:]); err != nil {
		r.err = err
	}
	return id
}

func (r *wireReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	var l [4]byte
	if _, err := io.ReadFull(r.buf, l[:]); err != nil {
		r.err = err
		return nil
	}
	n := binary.BigEndian.Uint32(l[:])
	if uint64(n) > uint64(r.buf.Len()) {
		r.err = fmt.Errorf("wire: length prefix %d exceeds remaining %d", n, r.buf.Len())
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r.buf, out); err != nil {
		r.err = err
		return nil
	}
	return out
}

// ---- signing byte tuples ----

// ProposalSigningBytes covers (block-hash, view, round).
func ProposalSigningBytes(blockHash Hash, view View, round Round) []byte {
	var w wireWriter
	w.hash(blockHash)
	w.u64(uint64(view))
	w.u64(uint64(round))
	return w.buf.Bytes()
}

// VoteSigningBytes covers (block-hash, view, round, phase-tag). Tags that
// carry a target view include it so a ViewChange(5) vote cannot be replayed
// as a ViewChange(6) vote.
func VoteSigningBytes(blockHash Hash, view View, round Round, kind VoteKind) []byte {
	var w wireWriter
	w.hash(blockHash)
	w.u64(uint64(view))
	w.u64(uint64(round))
	w.u8(uint8(kind.Tag))
	if kind.Tag == TagViewChange || kind.Tag == TagNewView {
		w.u64(uint64(kind.Target))
	}
	return w.buf.Bytes()
}

// ViewChangeSigningBytes covers (from-view, to-view).
func ViewChangeSigningBytes(from, to View) []byte {
	var w wireWriter
	w.u64(uint64(from))
	w.u64(uint64(to))
	return w.buf.Bytes()
}

// BlockContentBytes is the canonical preimage for a block's content hash.
func BlockContentBytes(b Block) []byte {
	var w wireWriter
	w.u64(uint64(b.Height))
	w.hash(b.Parent)
	w.id(b.Proposer)
	w.bytes(b.Payload)
	return w.buf.Bytes()
}

// ---- full message encoding ----

func encodeBlock(w *wireWriter, b Block) {
	w.hash(b.Hash)
	w.hash(b.Parent)
	w.u64(uint64(b.Height))
	w.id(b.Proposer)
	w.bytes(b.Payload)
}

func decodeBlock(r *wireReader) Block {
	return Block{
		Hash:     r.hash(),
		Parent:   r.hash(),
		Height:   Height(r.u64()),
		Proposer: r.id(),
		Payload:  r.bytes(),
	}
}

func encodeVoteKind(w *wireWriter, k VoteKind) {
	w.u8(uint8(k.Tag))
	w.u64(uint64(k.Target))
}

func decodeVoteKind(r *wireReader) VoteKind {
	return VoteKind{Tag: VoteTag(r.u8()), Target: View(r.u64())}
}

// Encode serializes a message with a one-byte kind prefix.
func Encode(m Message) ([]byte, error) {
	var w wireWriter
	w.u8(uint8(m.MsgKind()))
	switch v := m.(type) {
	case *Proposal:
		encodeBlock(&w, v.Block)
		w.id(v.Proposer)
		w.u64(uint64(v.View))
		w.u64(uint64(v.Round))
		w.i64(v.ProposalTime.UnixNano())
		w.bytes(v.Signature)
		w.hash(v.Justification.Parent)
		w.hash(v.Justification.TxRoot)
		w.hash(v.Justification.StateRoot)
		w.u64(uint64(len(v.Justification.Delta)))
		for _, c := range v.Justification.Delta {
			w.u8(uint8(c.Type))
			w.id(c.Validator)
			w.u64(c.Stake)
		}
	case *Vote:
		w.id(v.Voter)
		w.hash(v.BlockHash)
		w.u64(uint64(v.Height))
		w.u64(uint64(v.View))
		w.u64(uint64(v.Round))
		encodeVoteKind(&w, v.Kind)
		w.bytes(v.Signature)
		w.i64(v.Timestamp.UnixNano())
		if v.Justification == nil {
			w.u8(0)
		} else {
			w.u8(1)
			w.u8(uint8(v.Justification.Reason))
			w.u64(uint64(len(v.Justification.SupportingEvidence)))
			for _, h := range v.Justification.SupportingEvidence {
				w.hash(h)
			}
			w.bytes([]byte(v.Justification.Note))
		}
	case *ViewChangeMsg:
		w.u64(uint64(v.FromView))
		w.u64(uint64(v.ToView))
		w.id(v.Validator)
		w.u64(uint64(v.HighestCommitted))
		w.bytes(v.Signature)
	case *NewViewMsg:
		w.u64(uint64(v.NewView))
		w.id(v.Proposer)
		w.u64(uint64(v.HighestCommitted))
		w.u64(uint64(len(v.PendingBlocks)))
		for _, b := range v.PendingBlocks {
			encodeBlock(&w, b)
		}
		w.u64(uint64(len(v.Signatures)))
		for _, s := range v.Signatures {
			w.bytes(s)
		}
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
	return w.buf.Bytes(), nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	r := newWireReader(data)
	kind := MessageKind(r.u8())
	var m Message
	switch kind {
	case KindProposal:
		p := &Proposal{}
		p.Block = decodeBlock(r)
		p.Proposer = r.id()
		p.View = View(r.u64())
		p.Round = Round(r.u64())
		p.ProposalTime = time.Unix(0, r.i64()).UTC()
		p.Signature = r.bytes()
		p.Justification.Parent = r.hash()
		p.Justification.TxRoot = r.hash()
		p.Justification.StateRoot = r.hash()
		n := r.u64()
		if r.err == nil && n > 0 {
			p.Justification.Delta = make([]ValidatorChange, 0, n)
			for i := uint64(0); i < n && r.err == nil; i++ {
				p.Justification.Delta = append(p.Justification.Delta, ValidatorChange{
					Type:      ChangeType(r.u8()),
					Validator: r.id(),
					Stake:     r.u64(),
				})
			}
		}
		m = p
	case KindVote:
		v := &Vote{}
		v.Voter = r.id()
		v.BlockHash = r.hash()
		v.Height = Height(r.u64())
		v.View = View(r.u64())
		v.Round = Round(r.u64())
		v.Kind = decodeVoteKind(r)
		v.Signature = r.bytes()
		v.Timestamp = time.Unix(0, r.i64()).UTC()
		if r.u8() == 1 {
			j := &VoteJustification{Reason: JustificationReason(r.u8())}
			n := r.u64()
			if r.err == nil && n > 0 {
				j.SupportingEvidence = make([]Hash, 0, n)
				for i := uint64(0); i < n && r.err == nil; i++ {
					j.SupportingEvidence = append(j.SupportingEvidence, r.hash())
				}
			}
			j.Note = string(r.bytes())
			v.Justification = j
		}
		m = v
	case KindViewChange:
		vc := &ViewChangeMsg{}
		vc.FromView = View(r.u64())
		vc.ToView = View(r.u64())
		vc.Validator = r.id()
		vc.HighestCommitted = Height(r.u64())
		vc.Signature = r.bytes()
		m = vc
	case KindNewView:
		nv := &NewViewMsg{}
		nv.NewView = View(r.u64())
		nv.Proposer = r.id()
		nv.HighestCommitted = Height(r.u64())
		n := r.u64()
		if r.err == nil && n > 0 {
			nv.PendingBlocks = make([]Block, 0, n)
			for i := uint64(0); i < n && r.err == nil; i++ {
				nv.PendingBlocks = append(nv.PendingBlocks, decodeBlock(r))
			}
		}
		sn := r.u64()
		if r.err == nil && sn > 0 {
			nv.Signatures = make([][]byte, 0, sn)
			for i := uint64(0); i < sn && r.err == nil; i++ {
				nv.Signatures = append(nv.Signatures, r.bytes())
			}
		}
		m = nv
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}
	if r.err != nil {
		return nil, fmt.Errorf("wire: decode %d: %w", kind, r.err)
	}
	return m, nil
}
