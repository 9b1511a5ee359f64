// Package auditlog persists Byzantine evidence, finality records and fork
// resolutions. Entries are append-only and keyed by a monotonically
// increasing sequence number.
package auditlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/storage/database"
)

const (
	prefixEvidence byte = 'e'
	prefixFinality byte = 'f'
	prefixFork     byte = 'k'
)

// EvidenceEntry is a persisted ByzantineEvidence.
type EvidenceEntry struct {
	Seq        uint64  `codec:"-"`
	Kind       string  `codec:"kind"`
	Offender   []byte  `codec:"offender"`
	Severity   float64 `codec:"severity"`
	Reputation float64 `codec:"rep"`
	Detail     string  `codec:"detail"`
	Timestamp  int64   `codec:"ts"`
}

// FinalityEntry is a persisted FinalityRecord.
type FinalityEntry struct {
	Seq         uint64  `codec:"-"`
	Vertex      []byte  `codec:"vertex"`
	Height      uint64  `codec:"height"`
	Phase       int32   `codec:"phase"`
	VotingPower float64 `codec:"vp"`
	TotalPower  float64 `codec:"total"`
	Quorum      float64 `codec:"quorum"`
	Timestamp   int64   `codec:"ts"`
}

// ForkEntry is a persisted fork resolution.
type ForkEntry struct {
	Seq        uint64             `codec:"-"`
	ForkID     []byte             `codec:"id"`
	Height     uint64             `codec:"height"`
	Position   string             `codec:"pos"`
	Competing  [][]byte           `codec:"competing"`
	Winner     []byte             `codec:"winner"`
	Reason     string             `codec:"reason"`
	Power      map[string]float64 `codec:"power"`
	ResolvedAt int64              `codec:"ts"`
}

var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}()

// Log is the audit log. It subscribes to the consensus EventBus.
type Log struct {
	db     database.DB
	logger *zap.Logger

	mu  sync.Mutex
	seq uint64
}

// Open restores the sequence counter from db.
func Open(ctx context.Context, db database.DB, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{db: db, logger: logger.Named("auditlog")}
	for _, prefix := range []byte{prefixEvidence, prefixFinality, prefixFork} {
		err := l.scan(ctx, prefix, func(seq uint64, _ []byte) error {
			if seq > l.seq {
				l.seq = seq
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

// OnEvent implements consensus.EventSubscriber.
func (l *Log) OnEvent(event consensus.Event) {
	ctx := context.Background()
	var err error
	switch e := event.(type) {
	case *consensus.EvidenceEvent:
		err = l.AppendEvidence(ctx, e)
	case *consensus.FinalityEvent:
		err = l.AppendFinality(ctx, e.Record)
	case *consensus.ForkResolvedEvent:
		err = l.AppendForkResolution(ctx, e.Fork, e.Resolution)
	default:
		return
	}
	if err != nil {
		l.logger.Error("Failed to append audit entry", zap.Stringer("event", event.Type()), zap.Error(err))
	}
}

// AppendEvidence persists an evidence event.
func (l *Log) AppendEvidence(ctx context.Context, e *consensus.EvidenceEvent) error {
	return l.append(ctx, prefixEvidence, &EvidenceEntry{
		Kind:       e.Kind,
		Offender:   append([]byte(nil), e.Offender[:]...),
		Severity:   e.Severity,
		Reputation: e.Reputation,
		Detail:     e.Detail,
		Timestamp:  e.Timestamp.UnixNano(),
	})
}

// AppendFinality persists a finality record.
func (l *Log) AppendFinality(ctx context.Context, rec consensus.FinalityRecord) error {
	return l.append(ctx, prefixFinality, &FinalityEntry{
		Vertex:      append([]byte(nil), rec.VertexID[:]...),
		Height:      rec.Height,
		Phase:       int32(rec.Phase),
		VotingPower: rec.VotingPower,
		TotalPower:  rec.TotalPower,
		Quorum:      rec.Quorum,
		Timestamp:   rec.Timestamp.UnixNano(),
	})
}

// AppendForkResolution persists a fork and its resolution.
func (l *Log) AppendForkResolution(ctx context.Context, fork consensus.Fork, res consensus.ForkResolution) error {
	competing := make([][]byte, len(fork.Competing))
	for i, id := range fork.Competing {
		competing[i] = append([]byte(nil), id[:]...)
	}
	power := make(map[string]float64, len(res.Power))
	for id, p := range res.Power {
		power[id.String()] = p
	}
	return l.append(ctx, prefixFork, &ForkEntry{
		ForkID:     append([]byte(nil), fork.ID[:]...),
		Height:     fork.Height,
		Position:   fork.Position,
		Competing:  competing,
		Winner:     append([]byte(nil), res.Winner[:]...),
		Reason:     res.Reason,
		Power:      power,
		ResolvedAt: res.ResolvedAt.UnixNano(),
	})
}

// Evidence returns all evidence entries in append order.
func (l *Log) Evidence(ctx context.Context) ([]EvidenceEntry, error) {
	var out []EvidenceEntry
	err := l.scan(ctx, prefixEvidence, func(seq uint64, data []byte) error {
		var e EvidenceEntry
		if err := decode(data, &e); err != nil {
			return err
		}
		e.Seq = seq
		out = append(out, e)
		return nil
	})
	return out, err
}

// Finality returns all finality entries in append order.
func (l *Log) Finality(ctx context.Context) ([]FinalityEntry, error) {
	var out []FinalityEntry
	err := l.scan(ctx, prefixFinality, func(seq uint64, data []byte) error {
		var e FinalityEntry
		if err := decode(data, &e); err != nil {
			return err
		}
		e.Seq = seq
		out = append(out, e)
		return nil
	})
	return out, err
}

// ForkResolutions returns all fork entries in append order.
func (l *Log) ForkResolutions(ctx context.Context) ([]ForkEntry, error) {
	var out []ForkEntry
	err := l.scan(ctx, prefixFork, func(seq uint64, data []byte) error {
		var e ForkEntry
		if err := decode(data, &e); err != nil {
			return err
		}
		e.Seq = seq
		out = append(out, e)
		return nil
	})
	return out, err
}

func (l *Log) append(ctx context.Context, prefix byte, entry interface{}) error {
	var data []byte
	if err := codec.NewEncoderBytes(&data, cborHandle).Encode(entry); err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.seq + 1
	if err := l.db.Write(ctx, binary.BigEndian.AppendUint64([]byte{prefix}, seq), data); err != nil {
		return fmt.Errorf("failed to write audit entry %d: %w", seq, err)
	}
	l.seq = seq
	return nil
}

func (l *Log) scan(ctx context.Context, prefix byte, fn func(seq uint64, data []byte) error) error {
	it, err := l.db.Iterator(ctx, []byte{prefix}, []byte{prefix + 1})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		key := it.Key()
		if len(key) != 9 {
			return fmt.Errorf("malformed audit key of %d bytes", len(key))
		}
		if err := fn(binary.BigEndian.Uint64(key[1:]), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func decode(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(v); err != nil {
		return fmt.Errorf("failed to decode audit entry: %w", err)
	}
	return nil
}

// Time converts a stored timestamp.
func Time(unixNano int64) time.Time {
	return time.Unix(0, unixNano)
}
