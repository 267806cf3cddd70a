package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/state"
)

const (
	lockTTL       = 30 * time.Second
	lockRetryWait = 250 * time.Millisecond
)

// Serializer is the only path to the ledger's broadcast endpoint. It
// guarantees at most one in-flight broadcast from the keeper account at any
// time: a process-local mutex serializes goroutines and the distributed lock
// serializes worker processes. The keeper seqno is read, used, and persisted
// entirely inside that critical section.
type Serializer struct {
	keeper *Keeper
	client ledger.Client
	lock   BroadcastLock
	store  state.Store
	log    *zap.Logger

	mu sync.Mutex
}

func NewSerializer(keeper *Keeper, client ledger.Client, lock BroadcastLock, store state.Store, log *zap.Logger) *Serializer {
	if lock == nil {
		lock = NoopLock{}
	}
	return &Serializer{keeper: keeper, client: client, lock: lock, store: store, log: log}
}

func (s *Serializer) Address() string {
	return s.keeper.Address().Hex()
}

// Broadcast signs and sends one bundle. There is no cancellation once the
// seqno has been consumed; callers retry through the job queue, never in
// place.
func (s *Serializer) Broadcast(ctx context.Context, b bundle.Bundle) (ledger.BroadcastResult, error) {
	if len(b.Legs) == 0 {
		return ledger.BroadcastResult{}, errors.New("bundle has no legs")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire(ctx)
	if err != nil {
		return ledger.BroadcastResult{}, err
	}
	defer unlock()

	seqno, err := s.nextSeqno(ctx)
	if err != nil {
		return ledger.BroadcastResult{}, err
	}
	b.Seqno = seqno
	signed, err := s.keeper.Sign(b)
	if err != nil {
		return ledger.BroadcastResult{}, err
	}
	res, err := s.client.Broadcast(ctx, signed)
	if err != nil {
		return ledger.BroadcastResult{}, fmt.Errorf("broadcast seqno %d: %w", seqno, err)
	}
	s.persistSeqno(seqno)
	return res, nil
}

func (s *Serializer) acquire(ctx context.Context) (func(), error) {
	for {
		unlock, err := s.lock.Acquire(ctx, lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
}

// nextSeqno takes the live on-chain counter as authoritative and the
// persisted last-used value as a floor, so a lagging ledger view after a
// fresh broadcast cannot hand out a seqno twice.
func (s *Serializer) nextSeqno(ctx context.Context) (uint64, error) {
	account, err := s.client.GetAccount(ctx, s.Address())
	if err != nil {
		return 0, fmt.Errorf("read keeper seqno: %w", err)
	}
	seqno := account.Seqno
	if persisted, ok := s.loadSeqno(ctx); ok && persisted+1 > seqno {
		seqno = persisted + 1
	}
	return seqno, nil
}

func (s *Serializer) seqnoKey() string {
	return "keeper:seqno:" + strings.ToLower(s.Address())
}

func (s *Serializer) loadSeqno(ctx context.Context) (uint64, bool) {
	if s.store == nil {
		return 0, false
	}
	val, ok, err := state.GetUint64(ctx, s.store, s.seqnoKey())
	if err != nil || !ok {
		return 0, false
	}
	return val, true
}

func (s *Serializer) persistSeqno(seqno uint64) {
	if s.store == nil {
		return
	}
	if err := state.SetUint64(context.Background(), s.store, s.seqnoKey(), seqno); err != nil && s.log != nil {
		s.log.Warn("seqno persistence failed", zap.Uint64("seqno", seqno), zap.Error(err))
	}
}
