// file: pkg/consensus/messages.go
package consensus

import "context"

// MessageKind discriminates the four wire messages.
type MessageKind uint8

const (
	KindProposal MessageKind = iota + 1
	KindVote
	KindViewChange
	KindNewView
)

// Message is the tagged union of everything Ingest accepts. Dispatch is an
// exhaustive type switch; an unknown concrete type is a protocol violation
// on the first message, never a silent drop.
type Message interface {
	MsgKind() MessageKind
}

func (*Proposal) MsgKind() MessageKind      { return KindProposal }
func (*Vote) MsgKind() MessageKind          { return KindVote }
func (*ViewChangeMsg) MsgKind() MessageKind { return KindViewChange }
func (*NewViewMsg) MsgKind() MessageKind    { return KindNewView }

// ---- external collaborators (capabilities, never globals) ----

// BlockProducer constructs a candidate block body. ok=false means no block
// is available for this height (empty mempool).
type BlockProducer interface {
	Produce(height Height) (Block, bool)
}

// BlockValidator is the external correctness check for a proposed block.
type BlockValidator interface {
	Validate(b Block) error
}

// BlockCommitter durably applies a committed block. Failure is fatal for
// the height.
type BlockCommitter interface {
	Commit(b Block) error
}

// Network is best-effort broadcast; no ordering or delivery guarantee.
type Network interface {
	Send(ctx context.Context, m Message) error
}

// Crypto is the external primitive provider. Sign uses the local keypair.
type Crypto interface {
	Sign(msg []byte) []byte
	Verify(signer ValidatorID, msg, sig []byte) bool
	Hash(data []byte) Hash
}

// SignatureAggregator is implemented by Crypto providers that can collapse
// same-message signatures into one aggregate.
type SignatureAggregator interface {
	Aggregate(sigs [][]byte) ([]byte, error)
}
