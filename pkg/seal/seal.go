// Package seal implements an append-only register of integrity seals with
// hash chaining. Each finalized revision's content hash is bound into a
// seal entry; the chain makes any after-the-fact rewrite of sealed history
// detectable. The register is module-type agnostic and reusable across all
// governance modules.
package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustdesk/govrec/pkg/record"
)

var (
	// ErrChainBroken indicates the hash chain failed verification.
	ErrChainBroken = errors.New("seal chain is broken")
)

// chainGenesis anchors the first entry's previous-hash link.
const chainGenesis = "genesis"

// Seal is a single immutable entry binding a finalized revision to the chain.
type Seal struct {
	SealID       string            `json:"seal_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	RecordID     string            `json:"record_id"`
	ModuleType   record.ModuleType `json:"module_type"`
	RevisionID   string            `json:"revision_id"`
	Version      int               `json:"version"`
	ContentHash  string            `json:"content_hash"`
	PreviousHash string            `json:"previous_hash"`
	SealHash     string            `json:"seal_hash"`
}

// Register is an append-only, hash-chained seal store.
type Register struct {
	mu       sync.RWMutex
	seals    []*Seal
	byRecord map[string][]*Seal
	sequence uint64
	head     string
}

// NewRegister creates an empty seal register.
func NewRegister() *Register {
	return &Register{
		byRecord: make(map[string][]*Seal),
		head:     chainGenesis,
	}
}

// Append binds a finalized revision into the chain and returns the new seal.
func (r *Register) Append(rec *record.Record, rev *record.Revision) (*Seal, error) {
	if rev.ContentHash == "" {
		return nil, fmt.Errorf("revision %s has no content hash; only finalized revisions can be sealed", rev.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	s := &Seal{
		SealID:       uuid.New().String(),
		Sequence:     r.sequence,
		Timestamp:    time.Now().UTC(),
		RecordID:     rec.ID,
		ModuleType:   rec.ModuleType,
		RevisionID:   rev.ID,
		Version:      rev.Version,
		ContentHash:  rev.ContentHash,
		PreviousHash: r.head,
	}
	hash, err := sealHash(s)
	if err != nil {
		r.sequence--
		return nil, fmt.Errorf("compute seal hash: %w", err)
	}
	s.SealHash = hash
	r.head = hash

	r.seals = append(r.seals, s)
	r.byRecord[rec.ID] = append(r.byRecord[rec.ID], s)
	return s, nil
}

// ListByRecord returns the seals for one record in append order.
func (r *Register) ListByRecord(recordID string) []*Seal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Seal, len(r.byRecord[recordID]))
	copy(out, r.byRecord[recordID])
	return out
}

// Head returns the current chain head hash.
func (r *Register) Head() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head
}

// Size returns the number of seals in the register.
func (r *Register) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seals)
}

// VerifyChain recomputes every seal hash and checks the previous-hash links.
func (r *Register) VerifyChain() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	expectedPrev := chainGenesis
	for i, s := range r.seals {
		if s.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: seal %d has previous_hash %s, expected %s",
				ErrChainBroken, i, s.PreviousHash, expectedPrev)
		}
		computed, err := sealHash(s)
		if err != nil {
			return fmt.Errorf("%w: seal %d hash computation failed: %v", ErrChainBroken, i, err)
		}
		if computed != s.SealHash {
			return fmt.Errorf("%w: seal %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, s.SealHash)
		}
		expectedPrev = s.SealHash
	}
	return nil
}

// Bundle is an exportable, independently verifiable slice of the chain.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	SealCount  int       `json:"seal_count"`
	Seals      []*Seal   `json:"seals"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// Export packages all seals into a bundle with a covering hash.
func (r *Register) Export() (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.seals) == 0 {
		return nil, errors.New("seal register is empty")
	}
	b := &Bundle{
		BundleID:  uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		SealCount: len(r.seals),
		Seals:     r.seals,
		ChainHead: r.head,
	}
	data, err := json.Marshal(b.Seals)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle seals: %w", err)
	}
	sum := sha256.Sum256(data)
	b.BundleHash = hex.EncodeToString(sum[:])
	return b, nil
}

// VerifyBundle checks a bundle's covering hash and internal chain links.
func VerifyBundle(b *Bundle) error {
	if len(b.Seals) == 0 {
		return errors.New("bundle is empty")
	}
	data, err := json.Marshal(b.Seals)
	if err != nil {
		return fmt.Errorf("marshal bundle seals: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	for i := 1; i < len(b.Seals); i++ {
		if b.Seals[i].PreviousHash != b.Seals[i-1].SealHash {
			return fmt.Errorf("%w: bundle link broken at seal %d", ErrChainBroken, i)
		}
	}
	return nil
}

// sealHash hashes the chained portion of a seal. SealID is excluded so the
// hash covers only content that must be tamper-evident.
func sealHash(s *Seal) (string, error) {
	hashable := struct {
		Sequence     uint64            `json:"sequence"`
		Timestamp    time.Time         `json:"timestamp"`
		RecordID     string            `json:"record_id"`
		ModuleType   record.ModuleType `json:"module_type"`
		RevisionID   string            `json:"revision_id"`
		Version      int               `json:"version"`
		ContentHash  string            `json:"content_hash"`
		PreviousHash string            `json:"previous_hash"`
	}{
		Sequence:     s.Sequence,
		Timestamp:    s.Timestamp,
		RecordID:     s.RecordID,
		ModuleType:   s.ModuleType,
		RevisionID:   s.RevisionID,
		Version:      s.Version,
		ContentHash:  s.ContentHash,
		PreviousHash: s.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
