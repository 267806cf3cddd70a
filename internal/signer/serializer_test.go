package signer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/ledger"
)

const testKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type fakeLedger struct {
	mu        sync.Mutex
	seqno     uint64
	inFlight  int
	maxFlight int
	seen      []uint64
	delay     time.Duration
}

func (f *fakeLedger) GetAccount(ctx context.Context, account string) (ledger.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ledger.AccountState{Seqno: f.seqno, Deployed: true}, nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, account string) (float64, error) {
	return 0, nil
}

func (f *fakeLedger) GetTokenBalance(ctx context.Context, account, token string) (float64, error) {
	return 0, nil
}

func (f *fakeLedger) GetTransactions(ctx context.Context, account string, limit int) ([]ledger.Transaction, error) {
	return nil, nil
}

func (f *fakeLedger) Broadcast(ctx context.Context, signed bundle.Signed) (ledger.BroadcastResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.inFlight--
	f.seqno++
	f.seen = append(f.seen, f.seqno)
	seq := f.seqno
	f.mu.Unlock()
	return ledger.BroadcastResult{Seqno: seq}, nil
}

func testBundle() bundle.Bundle {
	return bundle.Bundle{
		Vault: "vault-1",
		Legs:  []bundle.Leg{{To: "dest", Value: 1}},
	}
}

func TestBroadcastSingleFlight(t *testing.T) {
	keeper, err := NewKeeper(testKey)
	if err != nil {
		t.Fatalf("keeper init: %v", err)
	}
	led := &fakeLedger{delay: 5 * time.Millisecond}
	ser := NewSerializer(keeper, led, nil, newMemoryStore(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ser.Broadcast(context.Background(), testBundle()); err != nil {
				t.Errorf("broadcast failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if led.maxFlight != 1 {
		t.Fatalf("expected at most one in-flight broadcast, saw %d", led.maxFlight)
	}
	if len(led.seen) != 8 {
		t.Fatalf("expected 8 broadcasts, got %d", len(led.seen))
	}
}

func TestBroadcastPersistsSeqnoFloor(t *testing.T) {
	keeper, err := NewKeeper(testKey)
	if err != nil {
		t.Fatalf("keeper init: %v", err)
	}
	store := newMemoryStore()
	// Ledger view lags: it keeps reporting seqno 0.
	led := &fakeLedger{}
	ser := NewSerializer(keeper, led, nil, store, zap.NewNop())

	if _, err := ser.Broadcast(context.Background(), testBundle()); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	// Simulate restart with a lagging ledger.
	led2 := &fakeLedger{}
	ser2 := NewSerializer(keeper, led2, nil, store, zap.NewNop())
	seqno, err := ser2.nextSeqno(context.Background())
	if err != nil {
		t.Fatalf("nextSeqno failed: %v", err)
	}
	if seqno != 1 {
		t.Fatalf("expected persisted floor to advance seqno to 1, got %d", seqno)
	}
}

func TestBroadcastRejectsEmptyBundle(t *testing.T) {
	keeper, err := NewKeeper(testKey)
	if err != nil {
		t.Fatalf("keeper init: %v", err)
	}
	ser := NewSerializer(keeper, &fakeLedger{}, nil, nil, zap.NewNop())
	if _, err := ser.Broadcast(context.Background(), bundle.Bundle{Vault: "v"}); err == nil {
		t.Fatalf("expected error for empty bundle")
	}
}

func TestSameAccount(t *testing.T) {
	a := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	if !SameAccount(a, "0x8ba1f109551bd432803012645ac136ddd64dba72") {
		t.Fatalf("case variants must match")
	}
	if !SameAccount(a, "8ba1f109551bD432803012645Ac136ddd64DBA72") {
		t.Fatalf("0x-less variant must match")
	}
	if SameAccount(a, "0x0000000000000000000000000000000000000001") {
		t.Fatalf("different accounts must not match")
	}
	if SameAccount("", a) {
		t.Fatalf("empty account must not match")
	}
}
