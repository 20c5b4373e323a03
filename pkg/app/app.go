// file: pkg/app/app.go
//
// Minimal block application: a bounded in-memory transaction queue feeding
// the producer, and a validator that re-derives the content hash. Real
// deployments substitute their own producer/validator/committer trio; the
// engine only sees the interfaces.
package app

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ccx404/ccbft/pkg/consensus"
	"github.com/ccx404/ccbft/pkg/util"
)

const maxTxPerBlock = 1000

type App struct {
	crypto consensus.Crypto
	clock  util.Clock

	mu      sync.Mutex
	pending [][]byte
}

func New(crypto consensus.Crypto, clock util.Clock) *App {
	return &App{crypto: crypto, clock: clock}
}

// SubmitTx queues an opaque transaction for the next produced block.
func (a *App) SubmitTx(tx []byte) {
	a.mu.Lock()
	a.pending = append(a.pending, tx)
	a.mu.Unlock()
}

func (a *App) PendingTxs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Produce drains up to maxTxPerBlock queued transactions into a payload.
// An empty queue still yields a block: heights keep advancing on idle
// chains, carrying only the timestamp.
func (a *App) Produce(height consensus.Height) (consensus.Block, bool) {
	a.mu.Lock()
	n := len(a.pending)
	if n > maxTxPerBlock {
		n = maxTxPerBlock
	}
	txs := a.pending[:n]
	a.pending = a.pending[n:]
	a.mu.Unlock()

	// Hash stays zero: the engine fills proposer and parent linkage, then
	// derives the content hash over the finished block.
	return consensus.Block{
		Height:  height,
		Payload: encodePayload(a.clock.Now().UnixNano(), txs),
	}, true
}

// Validate re-derives the content hash from the block body.
func (a *App) Validate(b consensus.Block) error {
	if len(b.Payload) < 8+4 {
		return fmt.Errorf("app: payload too short: %d bytes", len(b.Payload))
	}
	if _, err := decodePayload(b.Payload); err != nil {
		return err
	}
	want := a.crypto.Hash(consensus.BlockContentBytes(b))
	if want != b.Hash {
		return fmt.Errorf("app: content hash mismatch: got %s want %s", b.Hash, want)
	}
	return nil
}

var _ consensus.BlockProducer = (*App)(nil)
var _ consensus.BlockValidator = (*App)(nil)

// payload layout: 8-byte timestamp, 4-byte tx count, then length-prefixed txs
func encodePayload(ts int64, txs [][]byte) []byte {
	var buf bytes.Buffer
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(ts))
	buf.Write(b8[:])
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(len(txs)))
	buf.Write(b4[:])
	for _, tx := range txs {
		binary.BigEndian.PutUint32(b4[:], uint32(len(tx)))
		buf.Write(b4[:])
		buf.Write(tx)
	}
	return buf.Bytes()
}

func decodePayload(p []byte) ([][]byte, error) {
	r := bytes.NewReader(p)
	var b8 [8]byte
	if _, err := io.ReadFull(r, b8[:]); err != nil {
		return nil, fmt.Errorf("app: payload timestamp: %w", err)
	}
	var b4 [4]byte
	if _, err := io.ReadFull(r, b4[:]); err != nil {
		return nil, fmt.Errorf("app: payload count: %w", err)
	}
	count := binary.BigEndian.Uint32(b4[:])
	txs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, b4[:]); err != nil {
			return nil, fmt.Errorf("app: tx %d length: %w", i, err)
		}
		n := binary.BigEndian.Uint32(b4[:])
		if uint64(n) > uint64(r.Len()) {
			return nil, fmt.Errorf("app: tx %d length %d exceeds remaining %d", i, n, r.Len())
		}
		tx := make([]byte, n)
		if _, err := io.ReadFull(r, tx); err != nil {
			return nil, fmt.Errorf("app: tx %d body: %w", i, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
