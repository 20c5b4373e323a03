// file: pkg/crypto/provider.go
//
// Crypto collaborators for the consensus engine. A provider owns the local
// keypair and a directory of peer public keys; validator identities are the
// 32-byte digests of the public keys, so the engine never sees curve points.
package crypto

import (
	"fmt"
	"sync"

	bls "github.com/cloudflare/circl/sign/bls"
	"golang.org/x/crypto/sha3"

	"github.com/ccx404/ccbft/pkg/consensus"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BLSSigner holds one circl keypair. Split out from the provider so genesis
// tooling can derive peer identities from configured seeds without building
// a full directory.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

func NewBLSSignerFromSeed(seed []byte) *BLSSigner {
	sk, _ := bls.KeyGen[scheme](seed, nil, nil)
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) Sign(msg []byte) []byte { return bls.Sign(s.sk, msg) }

// BLSProvider implements consensus.Crypto and consensus.SignatureAggregator
// over circl BLS (same-message aggregation).
type BLSProvider struct {
	signer *BLSSigner
	id     consensus.ValidatorID

	mu  sync.RWMutex
	dir map[consensus.ValidatorID]*BLSPubKey
}

func NewBLSProvider(seed []byte) (*BLSProvider, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("crypto: seed must be at least 32 bytes, got %d", len(seed))
	}
	signer := NewBLSSignerFromSeed(seed)
	p := &BLSProvider{
		signer: signer,
		dir:    make(map[consensus.ValidatorID]*BLSPubKey),
	}
	id, err := p.Register(signer.Pubkey())
	if err != nil {
		return nil, err
	}
	p.id = id
	return p, nil
}

// ID is the local validator identity: sha3-256 of the public key bytes.
func (p *BLSProvider) ID() consensus.ValidatorID { return p.id }

// Register adds a peer public key to the directory and returns its identity.
func (p *BLSProvider) Register(pk *BLSPubKey) (consensus.ValidatorID, error) {
	raw, err := pk.MarshalBinary()
	if err != nil {
		return consensus.ValidatorID{}, fmt.Errorf("crypto: marshal pubkey: %w", err)
	}
	id := consensus.ValidatorID(sha3.Sum256(raw))
	p.mu.Lock()
	p.dir[id] = pk
	p.mu.Unlock()
	return id, nil
}

func (p *BLSProvider) Sign(msg []byte) []byte { return p.signer.Sign(msg) }

func (p *BLSProvider) Verify(signer consensus.ValidatorID, msg, sig []byte) bool {
	p.mu.RLock()
	pk, ok := p.dir[signer]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return bls.Verify(pk, msg, bls.Signature(sig))
}

func (p *BLSProvider) Hash(data []byte) consensus.Hash {
	return consensus.Hash(sha3.Sum256(data))
}

// Aggregate collapses same-message signatures into one.
func (p *BLSProvider) Aggregate(sigs [][]byte) ([]byte, error) {
	compact := make([]bls.Signature, 0, len(sigs))
	for _, s := range sigs {
		if len(s) == 0 {
			continue
		}
		compact = append(compact, bls.Signature(s))
	}
	return bls.Aggregate(bls.G1{}, compact)
}

// VerifyAggregateSameMsg checks an aggregate built from signatures over one
// message against all contributing public keys.
func VerifyAggregateSameMsg(pks []*BLSPubKey, msg []byte, aggSig []byte) bool {
	msgs := make([][]byte, len(pks))
	for i := range msgs {
		msgs[i] = msg
	}
	return bls.VerifyAggregate(pks, msgs, bls.Signature(aggSig))
}

var _ consensus.Crypto = (*BLSProvider)(nil)
var _ consensus.SignatureAggregator = (*BLSProvider)(nil)
