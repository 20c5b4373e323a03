// file: pkg/crypto/ecdsa.go
package crypto

import (
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ccx404/ccbft/pkg/consensus"
)

// ECDSAProvider implements consensus.Crypto over secp256k1. Identities are
// the keccak256 digests of the uncompressed public keys; verification
// recovers the signer from the signature, so no peer directory is needed.
// No aggregation: deployments wanting aggregate signatures use BLSProvider.
type ECDSAProvider struct {
	key *ecdsa.PrivateKey
	id  consensus.ValidatorID
}

func NewECDSAProvider() (*ECDSAProvider, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return newECDSAProvider(key), nil
}

func NewECDSAProviderFromHex(hexKey string) (*ECDSAProvider, error) {
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return newECDSAProvider(key), nil
}

func newECDSAProvider(key *ecdsa.PrivateKey) *ECDSAProvider {
	pub := ethcrypto.FromECDSAPub(&key.PublicKey)
	return &ECDSAProvider{
		key: key,
		id:  ecdsaIdentity(pub),
	}
}

func ecdsaIdentity(pubBytes []byte) consensus.ValidatorID {
	return consensus.ValidatorID(ethcrypto.Keccak256Hash(pubBytes))
}

func (p *ECDSAProvider) ID() consensus.ValidatorID { return p.id }

func (p *ECDSAProvider) Sign(msg []byte) []byte {
	digest := ethcrypto.Keccak256(msg)
	sig, err := ethcrypto.Sign(digest, p.key)
	if err != nil {
		return nil
	}
	return sig
}

func (p *ECDSAProvider) Verify(signer consensus.ValidatorID, msg, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	digest := ethcrypto.Keccak256(msg)
	pubBytes, err := ethcrypto.Ecrecover(digest, sig)
	if err != nil {
		return false
	}
	return ecdsaIdentity(pubBytes) == signer
}

func (p *ECDSAProvider) Hash(data []byte) consensus.Hash {
	return consensus.Hash(ethcrypto.Keccak256Hash(data))
}

var _ consensus.Crypto = (*ECDSAProvider)(nil)
