// Package store persists market snapshots, open positions and an
// append-only event journal on top of luxfi/database.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/perp"
)

// Key layout. Market snapshots live under "market:", positions under
// "position:<market>:" with a big-endian id so iteration returns them in
// id order, journal entries under "journal:" with a big-endian sequence.
var (
	marketPrefix   = []byte("market:")
	positionPrefix = []byte("position:")
	journalPrefix  = []byte("journal:")
	journalSeqKey  = []byte("meta:journalSeq")
)

// MarketSnapshot is the persisted view of one market's aggregates.
// Collaborators (venue, beacon, vault) are wiring, not state, and are
// re-supplied on restart.
type MarketSnapshot struct {
	ID        string `json:"id"`
	PerpToken string `json:"perpToken"`
	UsdToken  string `json:"usdToken"`
	Creator   string `json:"creator"`
	CreatedAt int64  `json:"createdAt"`
	TakenAt   int64  `json:"takenAt"`

	MarkPriceX96      *big.Int `json:"markPriceX96"`
	Insurance         *big.Int `json:"insurance"`
	CreatorFees       *big.Int `json:"creatorFees"`
	BadDebtGrowthX96  *big.Int `json:"badDebtGrowthX96"`
	TakerOpenInterest *big.Int `json:"takerOpenInterest"`

	PendingPayouts map[string]*big.Int `json:"pendingPayouts,omitempty"`

	Funding perp.FundingState `json:"funding"`
}

// JournalRecord is one persisted engine event.
type JournalRecord struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Store is safe for concurrent use; the journal sequence is guarded by a
// mutex, everything else delegates to the underlying database.
type Store struct {
	db     database.Database
	logger log.Logger

	seqMu sync.Mutex
	seq   uint64
}

// New opens a store over db, recovering the journal sequence.
func New(db database.Database, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	s := &Store{db: db, logger: logger}

	raw, err := db.Get(journalSeqKey)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return nil, fmt.Errorf("corrupt journal sequence: %d bytes", len(raw))
		}
		s.seq = binary.BigEndian.Uint64(raw)
	case err == database.ErrNotFound:
		// Fresh database.
	default:
		return nil, fmt.Errorf("read journal sequence: %w", err)
	}
	return s, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func marketKey(id string) []byte {
	return append(append([]byte{}, marketPrefix...), id...)
}

func positionKeyPrefix(market string) []byte {
	key := append(append([]byte{}, positionPrefix...), market...)
	return append(key, ':')
}

func positionKey(market string, id uint64) []byte {
	return append(positionKeyPrefix(market), encodeUint64(id)...)
}

func journalKey(seq uint64) []byte {
	return append(append([]byte{}, journalPrefix...), encodeUint64(seq)...)
}

// SnapshotMarket persists the market's aggregates and open positions and
// prunes positions that have since closed.
func (s *Store) SnapshotMarket(m *perp.Market, now int64) error {
	snap := &MarketSnapshot{
		ID:                m.ID,
		PerpToken:         m.PerpToken,
		UsdToken:          m.UsdToken,
		Creator:           m.Creator,
		CreatedAt:         m.CreatedAt,
		TakenAt:           now,
		MarkPriceX96:      m.MarkTwapX96(now, 0),
		Insurance:         m.InsuranceBalance(),
		CreatorFees:       m.CreatorFeeBalance(),
		BadDebtGrowthX96:  m.BadDebtGrowthX96(),
		TakerOpenInterest: m.TakerOpenInterest(),
		PendingPayouts:    m.PendingPayouts(),
		Funding:           m.FundingState(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal market %s: %w", m.ID, err)
	}
	if err := s.db.Put(marketKey(m.ID), raw); err != nil {
		return fmt.Errorf("put market %s: %w", m.ID, err)
	}

	open := m.OpenPositions()
	live := make(map[uint64]bool, len(open))
	for _, p := range open {
		live[p.ID] = true
		if err := s.PutPosition(p); err != nil {
			return err
		}
	}

	// Prune closed positions.
	prefix := positionKeyPrefix(m.ID)
	iter := s.db.NewIteratorWithPrefix(prefix)
	defer iter.Release()
	var stale [][]byte
	for iter.Next() {
		key := iter.Key()
		id := binary.BigEndian.Uint64(key[len(prefix):])
		if !live[id] {
			stale = append(stale, append([]byte{}, key...))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan positions %s: %w", m.ID, err)
	}
	for _, key := range stale {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("prune position: %w", err)
		}
	}
	return nil
}

// Market loads one market snapshot; database.ErrNotFound when absent.
func (s *Store) Market(id string) (*MarketSnapshot, error) {
	raw, err := s.db.Get(marketKey(id))
	if err != nil {
		return nil, err
	}
	snap := &MarketSnapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, fmt.Errorf("unmarshal market %s: %w", id, err)
	}
	return snap, nil
}

// Markets loads every persisted market snapshot.
func (s *Store) Markets() ([]*MarketSnapshot, error) {
	iter := s.db.NewIteratorWithPrefix(marketPrefix)
	defer iter.Release()

	var out []*MarketSnapshot
	for iter.Next() {
		snap := &MarketSnapshot{}
		if err := json.Unmarshal(iter.Value(), snap); err != nil {
			return nil, fmt.Errorf("unmarshal market %s: %w", iter.Key()[len(marketPrefix):], err)
		}
		out = append(out, snap)
	}
	return out, iter.Error()
}

// PutPosition persists one position record.
func (s *Store) PutPosition(p *perp.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %d: %w", p.ID, err)
	}
	if err := s.db.Put(positionKey(p.Market, p.ID), raw); err != nil {
		return fmt.Errorf("put position %d: %w", p.ID, err)
	}
	return nil
}

// Position loads one position; database.ErrNotFound when absent.
func (s *Store) Position(market string, id uint64) (*perp.Position, error) {
	raw, err := s.db.Get(positionKey(market, id))
	if err != nil {
		return nil, err
	}
	p := &perp.Position{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("unmarshal position %d: %w", id, err)
	}
	return p, nil
}

// Positions loads the persisted positions of a market in id order.
func (s *Store) Positions(market string) ([]*perp.Position, error) {
	iter := s.db.NewIteratorWithPrefix(positionKeyPrefix(market))
	defer iter.Release()

	var out []*perp.Position
	for iter.Next() {
		p := &perp.Position{}
		if err := json.Unmarshal(iter.Value(), p); err != nil {
			return nil, fmt.Errorf("unmarshal position: %w", err)
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// DeletePosition removes one position record.
func (s *Store) DeletePosition(market string, id uint64) error {
	return s.db.Delete(positionKey(market, id))
}

// Append journals one event and returns its sequence number.
func (s *Store) Append(ev perp.Event, now int64) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq := s.seq + 1
	rec := JournalRecord{Seq: seq, Type: ev.EventType(), Timestamp: now, Data: data}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal journal record: %w", err)
	}
	if err := s.db.Put(journalKey(seq), raw); err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}
	if err := s.db.Put(journalSeqKey, encodeUint64(seq)); err != nil {
		return 0, fmt.Errorf("advance journal sequence: %w", err)
	}
	s.seq = seq
	return seq, nil
}

// LastSeq returns the highest journaled sequence, zero when empty.
func (s *Store) LastSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq
}

// Replay walks journal records with seq >= from in order. The callback
// returning an error stops the replay.
func (s *Store) Replay(from uint64, fn func(JournalRecord) error) error {
	iter := s.db.NewIteratorWithPrefix(journalPrefix)
	defer iter.Release()

	for iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, journalPrefix) || len(key) != len(journalPrefix)+8 {
			continue
		}
		if binary.BigEndian.Uint64(key[len(journalPrefix):]) < from {
			continue
		}
		var rec JournalRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("unmarshal journal record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// DecodeEvent reconstructs the concrete event behind a journal record.
func DecodeEvent(rec JournalRecord) (perp.Event, error) {
	var ev perp.Event
	switch rec.Type {
	case perp.EventMarketCreated:
		ev = &perp.MarketCreated{}
	case perp.EventPositionOpened:
		ev = &perp.PositionOpened{}
	case perp.EventMarginAdded:
		ev = &perp.MarginAdded{}
	case perp.EventPositionClosed, perp.EventPositionLiquidated:
		ev = &perp.PositionClosed{}
	case perp.EventBadDebtSocialized:
		ev = &perp.BadDebtSocialized{}
	case perp.EventInsuranceDrawn:
		ev = &perp.InsuranceDrawn{}
	case perp.EventSettlementDeferred:
		ev = &perp.SettlementDeferred{}
	case perp.EventQuoteIndeterminate:
		ev = &perp.QuoteIndeterminateEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", rec.Type)
	}
	if err := json.Unmarshal(rec.Data, ev); err != nil {
		return nil, fmt.Errorf("unmarshal %s event: %w", rec.Type, err)
	}
	return ev, nil
}
