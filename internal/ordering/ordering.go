// Package ordering provides the total-order broadcast collaborator: proposals
// go in through Broadcast and come out, in one global sequence, as blocks.
//
// Block heights are the sequence numbers the State Store tags writes with.
// Each block records the hash of its predecessor so that a peer can detect a
// reordered or altered block stream.
package ordering

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmerrifield20/providerledger/internal/statestore"
	"golang.org/x/crypto/blake2b"
)

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("orderer closed")

// ZeroHash is the PrevHash of the first block.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Proposal is one executed transaction awaiting a position in the order.
type Proposal struct {
	TxID      string             `json:"txId"`
	Op        string             `json:"op"`
	Timestamp time.Time          `json:"timestamp"`
	Reads     []statestore.Read  `json:"reads"`
	Writes    []statestore.Write `json:"writes"`
}

// Digest returns the BLAKE2b-256 digest of the proposal's JSON encoding.
func (p *Proposal) Digest() [blake2b.Size256]byte {
	raw, _ := json.Marshal(p)
	return blake2b.Sum256(raw)
}

// Block is an ordered batch of proposals.
type Block struct {
	Height    uint64      `json:"height"`
	PrevHash  string      `json:"prevHash"`
	Hash      string      `json:"hash"`
	Timestamp time.Time   `json:"timestamp"`
	Proposals []*Proposal `json:"proposals"`
}

// ComputeHash returns BLAKE2b-256(prevHash ‖ height ‖ proposal digests) in hex.
func (b *Block) ComputeHash() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(b.PrevHash))
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Height)
	h.Write(height[:])
	for _, p := range b.Proposals {
		d := p.Digest()
		h.Write(d[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Orderer is the interface for a total-order broadcast service.
type Orderer interface {
	// Broadcast submits p for ordering. A nil error means p was accepted, not
	// that it has been committed.
	Broadcast(ctx context.Context, p *Proposal) error

	// Blocks delivers ordered blocks with strictly increasing heights. The
	// channel is closed when the orderer shuts down.
	Blocks() <-chan *Block

	// Close stops the orderer.
	Close() error
}

// Start positions a new orderer after blocks already committed.
type Start struct {
	Height   uint64
	PrevHash string
}

// chain seals consecutive blocks.
type chain struct {
	height   uint64
	prevHash string
}

func newChain(s Start) *chain {
	prev := s.PrevHash
	if prev == "" {
		prev = ZeroHash
	}
	return &chain{height: s.Height, prevHash: prev}
}

func (c *chain) seal(height uint64, proposals []*Proposal) *Block {
	b := &Block{
		Height:    height,
		PrevHash:  c.prevHash,
		Timestamp: time.Now().UTC(),
		Proposals: proposals,
	}
	b.Hash = b.ComputeHash()
	c.height = height
	c.prevHash = b.Hash
	return b
}
