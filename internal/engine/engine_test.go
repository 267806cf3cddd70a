package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/config"
	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/position"
	"dn-keeper-bot/internal/venues/perp"
	"dn-keeper-bot/internal/venues/swap"
)

type memPositions struct {
	mu    sync.Mutex
	items map[string]position.Position
}

func newMemPositions(ps ...position.Position) *memPositions {
	m := &memPositions{items: make(map[string]position.Position)}
	for _, p := range ps {
		m.items[p.ID] = p
	}
	return m
}

func (m *memPositions) Create(_ context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ID] = p
	return nil
}

func (m *memPositions) Get(_ context.Context, id string) (position.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return position.Position{}, errors.New("not found")
	}
	return p, nil
}

func (m *memPositions) Update(_ context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ID] = p
	return nil
}

func (m *memPositions) UpdateStatus(_ context.Context, id string, from, to position.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok || p.Status != from {
		return fmt.Errorf("status mismatch for %s", id)
	}
	p.Status = to
	m.items[id] = p
	return nil
}

func (m *memPositions) SetExitTrigger(_ context.Context, id, marker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return errors.New("not found")
	}
	if p.LastExitTrigger == marker || p.Status.Terminal() {
		return position.ErrTriggerAlreadySet
	}
	p.LastExitTrigger = marker
	p.Status = position.StatusExitMonitoring
	m.items[id] = p
	return nil
}

func (m *memPositions) UpdateEconomics(_ context.Context, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[p.ID]
	if !ok {
		return errors.New("not found")
	}
	stored.SpotAmount = p.SpotAmount
	stored.PerpAmount = p.PerpAmount
	stored.SpotValue = p.SpotValue
	stored.PerpValue = p.PerpValue
	stored.TotalEquity = p.TotalEquity
	stored.CurrentPrice = p.CurrentPrice
	stored.Drift = p.Drift
	m.items[p.ID] = stored
	return nil
}

func (m *memPositions) ListByStatus(_ context.Context, statuses ...position.Status) ([]position.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []position.Position
	for _, p := range m.items {
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

type fakeLedger struct {
	account  ledger.AccountState
	tokens   map[string]float64
	txs      []ledger.Transaction
	accErr   error
	tokenErr error
}

func (f *fakeLedger) GetAccount(context.Context, string) (ledger.AccountState, error) {
	return f.account, f.accErr
}

func (f *fakeLedger) GetBalance(context.Context, string) (float64, error) {
	return f.account.Balance, f.accErr
}

func (f *fakeLedger) GetTokenBalance(_ context.Context, _, token string) (float64, error) {
	return f.tokens[token], f.tokenErr
}

func (f *fakeLedger) GetTransactions(context.Context, string, int) ([]ledger.Transaction, error) {
	return f.txs, nil
}

func (f *fakeLedger) Broadcast(context.Context, bundle.Signed) (ledger.BroadcastResult, error) {
	return ledger.BroadcastResult{}, nil
}

type fakeSwap struct {
	rate   float64
	impact float64
}

func (f *fakeSwap) ResolveSymbol(_ context.Context, ticker string) (string, error) {
	return "tok-" + ticker, nil
}

func (f *fakeSwap) Quote(_ context.Context, _, _ string, amount float64) (swap.Quote, error) {
	return swap.Quote{ExpectedOutput: amount * f.rate, PriceImpact: f.impact}, nil
}

func (f *fakeSwap) BuildSwap(_ context.Context, from, to string, amount, minOutput float64) (bundle.Leg, error) {
	return bundle.Leg{To: "swap:" + from + ">" + to, Value: amount, Mode: bundle.ModeSeparateFees}, nil
}

type fakePerp struct {
	mark    float64
	funding float64
	pos     perp.Position
}

func (f *fakePerp) BuildOpenShort(_ context.Context, _ string, amount, _ float64) (bundle.Leg, error) {
	return bundle.Leg{To: "perp:open", Value: amount}, nil
}

func (f *fakePerp) BuildCloseShort(_ context.Context, _ string, amount float64) (bundle.Leg, error) {
	return bundle.Leg{To: "perp:close", Value: amount}, nil
}

func (f *fakePerp) GetMarkPrice(context.Context, string) (float64, error) {
	return f.mark, nil
}

func (f *fakePerp) GetFundingRate(context.Context, string) (float64, error) {
	return f.funding, nil
}

func (f *fakePerp) GetPosition(context.Context, string, string) (perp.Position, error) {
	return f.pos, nil
}

type fakeCaster struct {
	bundles []bundle.Bundle
	err     error
}

func (f *fakeCaster) Address() string { return "0x00000000000000000000000000000000000000aa" }

func (f *fakeCaster) Broadcast(_ context.Context, b bundle.Bundle) (ledger.BroadcastResult, error) {
	if f.err != nil {
		return ledger.BroadcastResult{}, f.err
	}
	f.bundles = append(f.bundles, b)
	return ledger.BroadcastResult{Seqno: uint64(len(f.bundles))}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			DriftThreshold: 0.015,
			MinRebalance:   10,
			MaxPriceImpact: 0.05,
			UnwindChunk:    0.1,
			MinOutputRatio: 0.99,
		},
		Fees: config.FeesConfig{
			PerformanceRate: 0.20,
			DustThreshold:   0.01,
		},
		Staking: config.StakingConfig{PoolAddress: "pool-1"},
		Perp:    config.PerpConfig{Leverage: 1},
	}
}

func testPosition(status position.Status) position.Position {
	return position.Position{
		ID:             "pos-1",
		Owner:          "0x00000000000000000000000000000000000000bb",
		Pair:           "TIK-USD",
		VaultAddress:   "vault-1",
		Status:         status,
		EntryPrice:     2.0,
		EntryEquity:    100,
		PrincipalFloor: 85,
	}
}

func newTestEngine(positions *memPositions, led *fakeLedger, swaps *fakeSwap, perps *fakePerp, caster *fakeCaster) *Engine {
	return New(positions, led, swaps, perps, caster, testConfig(), nil, nil, zap.NewNop())
}

func TestEnterAbortsWhenVaultUndeployed(t *testing.T) {
	p := testPosition(position.StatusPendingEntry)
	store := newMemPositions(p)
	led := &fakeLedger{account: ledger.AccountState{Balance: 100, Deployed: false}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 0.5}, &fakePerp{mark: 2}, caster)

	err := eng.EnterInitialPosition(context.Background(), p)
	if !errors.Is(err, ledger.ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
	if len(caster.bundles) != 0 {
		t.Fatal("nothing should have been broadcast")
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusPendingEntry {
		t.Fatalf("status = %s, want pending_entry unchanged", got.Status)
	}
}

func TestEnterOpensHedge(t *testing.T) {
	p := testPosition(position.StatusPendingEntry)
	store := newMemPositions(p)
	led := &fakeLedger{account: ledger.AccountState{Balance: 101, Deployed: true}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 0.5}, &fakePerp{mark: 2}, caster)

	if err := eng.EnterInitialPosition(context.Background(), p); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if len(caster.bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(caster.bundles))
	}
	legs := caster.bundles[0].Legs
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want buy + short", len(legs))
	}
	// (101-1)/2 = 50 quote spent, 25 base bought, 25 shorted.
	if legs[0].Value != 50 {
		t.Fatalf("buy amount = %v, want 50", legs[0].Value)
	}
	if legs[1].Value != 25 {
		t.Fatalf("short amount = %v, want 25", legs[1].Value)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.SpotAmount != 25 || got.PerpAmount != 25 {
		t.Fatalf("amounts = %v/%v, want 25/25", got.SpotAmount, got.PerpAmount)
	}
}

func TestRebalanceSkipsSmallDelta(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.SpotAmount = 100
	p.PerpAmount = 98
	store := newMemPositions(p)
	caster := &fakeCaster{}
	// 2 base units at mark 2 = 4 quote, below the 10 quote minimum.
	eng := newTestEngine(store, &fakeLedger{}, &fakeSwap{rate: 0.5}, &fakePerp{mark: 2}, caster)

	if err := eng.RebalanceDelta(context.Background(), p); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(caster.bundles) != 0 {
		t.Fatal("small delta must be a no-op")
	}
}

func TestRebalanceWidensShortWhenUnderHedged(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.SpotAmount = 100
	p.PerpAmount = 98
	store := newMemPositions(p)
	caster := &fakeCaster{}
	eng := newTestEngine(store, &fakeLedger{}, &fakeSwap{rate: 0.5}, &fakePerp{mark: 10}, caster)

	if err := eng.RebalanceDelta(context.Background(), p); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(caster.bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(caster.bundles))
	}
	leg := caster.bundles[0].Legs[0]
	if leg.To != "perp:open" || leg.Value != 2 {
		t.Fatalf("leg = %+v, want open short of 2", leg)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.PerpAmount != 100 {
		t.Fatalf("perp amount = %v, want 100", got.PerpAmount)
	}
}

func TestRebalanceShrinksShortWhenOverHedged(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.SpotAmount = 96
	p.PerpAmount = 100
	store := newMemPositions(p)
	caster := &fakeCaster{}
	eng := newTestEngine(store, &fakeLedger{}, &fakeSwap{rate: 0.5}, &fakePerp{mark: 10}, caster)

	if err := eng.RebalanceDelta(context.Background(), p); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	leg := caster.bundles[0].Legs[0]
	if leg.To != "perp:close" || leg.Value != 4 {
		t.Fatalf("leg = %+v, want close short of 4", leg)
	}
}

func TestEnterStasisHoldsCash(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.StasisPreference = position.StasisHold
	store := newMemPositions(p)
	led := &fakeLedger{tokens: map[string]float64{"tok-TIK": 50}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2}, &fakePerp{mark: 2}, caster)

	if err := eng.EnterStasis(context.Background(), p); err != nil {
		t.Fatalf("enter stasis: %v", err)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusStasis {
		t.Fatalf("status = %s, want stasis", got.Status)
	}
	legs := caster.bundles[0].Legs
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want close + sell", len(legs))
	}
}

func TestEnterStasisStakePreferenceAddsStakeLeg(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.StasisPreference = position.StasisStake
	store := newMemPositions(p)
	led := &fakeLedger{tokens: map[string]float64{"tok-TIK": 50}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2}, &fakePerp{mark: 2}, caster)

	if err := eng.EnterStasis(context.Background(), p); err != nil {
		t.Fatalf("enter stasis: %v", err)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusStasisPending {
		t.Fatalf("status = %s, want stasis_pending_stake", got.Status)
	}
	legs := caster.bundles[0].Legs
	last := legs[len(legs)-1]
	if last.To != "pool-1" {
		t.Fatalf("stake leg to %s, want pool-1", last.To)
	}
}

func TestProcessPendingStakeWaitsForSettlement(t *testing.T) {
	p := testPosition(position.StatusStasisPending)
	store := newMemPositions(p)
	led := &fakeLedger{tokens: map[string]float64{}}
	eng := newTestEngine(store, led, &fakeSwap{}, &fakePerp{}, &fakeCaster{})

	if err := eng.ProcessPendingStake(context.Background(), p); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusStasisPending {
		t.Fatalf("status = %s, want still stasis_pending_stake", got.Status)
	}

	led.tokens["pool-1"] = 42
	if err := eng.ProcessPendingStake(context.Background(), p); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ = store.Get(context.Background(), p.ID)
	if got.Status != position.StatusStasisActive {
		t.Fatalf("status = %s, want stasis_active", got.Status)
	}
}

func TestExitStasisUnstakesFirst(t *testing.T) {
	p := testPosition(position.StatusStasisActive)
	store := newMemPositions(p)
	led := &fakeLedger{tokens: map[string]float64{"pool-1": 42}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 1}, &fakePerp{mark: 2}, caster)

	if err := eng.ExitStasis(context.Background(), p); err != nil {
		t.Fatalf("exit stasis: %v", err)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusStasis {
		t.Fatalf("status = %s, want stasis after unstake", got.Status)
	}
	if len(caster.bundles) != 1 || caster.bundles[0].Legs[0].To != "pool-1" {
		t.Fatalf("expected one unstake leg to pool-1, got %+v", caster.bundles)
	}
}

func TestExitStasisReentersHedge(t *testing.T) {
	p := testPosition(position.StatusStasis)
	store := newMemPositions(p)
	led := &fakeLedger{account: ledger.AccountState{Balance: 101, Deployed: true}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 0.5}, &fakePerp{mark: 2}, caster)

	if err := eng.ExitStasis(context.Background(), p); err != nil {
		t.Fatalf("exit stasis: %v", err)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	// Re-entry resets the hedge entry price, not the fee baseline.
	if got.EntryEquity != 100 {
		t.Fatalf("entry equity = %v, want original 100", got.EntryEquity)
	}
}

func TestPanicUnwindChunksOnHighImpact(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.SpotAmount = 100
	p.PerpAmount = 100
	store := newMemPositions(p)
	led := &fakeLedger{tokens: map[string]float64{"tok-TIK": 100}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2, impact: 0.06}, &fakePerp{mark: 2}, caster)

	if err := eng.ExecutePanicUnwind(context.Background(), p, "equity below floor"); err != nil {
		t.Fatalf("panic unwind: %v", err)
	}
	legs := caster.bundles[0].Legs
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want sell chunk + close chunk", len(legs))
	}
	if legs[0].Value != 10 {
		t.Fatalf("sold %v, want exactly 10%% of the spot leg", legs[0].Value)
	}
	if legs[1].Value != 10 {
		t.Fatalf("closed %v of the short, want proportional 10", legs[1].Value)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusUnwinding {
		t.Fatalf("status = %s, want unwinding", got.Status)
	}
	if got.SpotAmount != 90 {
		t.Fatalf("remaining spot = %v, want 90", got.SpotAmount)
	}
}

func TestPanicUnwindFullBelowImpactCap(t *testing.T) {
	p := testPosition(position.StatusActive)
	p.SpotAmount = 100
	store := newMemPositions(p)
	led := &fakeLedger{
		account: ledger.AccountState{Balance: 5, Deployed: true},
		tokens:  map[string]float64{"tok-TIK": 100},
	}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2, impact: 0.01}, &fakePerp{mark: 2, pos: perp.Position{Amount: -100}}, caster)

	if err := eng.ExecutePanicUnwind(context.Background(), p, "equity below floor"); err != nil {
		t.Fatalf("panic unwind: %v", err)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	b := caster.bundles[0]
	if b.RevokeDelegate == "" {
		t.Fatal("panic exit must revoke the keeper delegate")
	}
	last := b.Legs[len(b.Legs)-1]
	if last.Mode != bundle.ModeCarryAll || last.To != p.Owner {
		t.Fatalf("final leg %+v, want carry-all sweep to owner", last)
	}
}

func TestForcedExitComposesFeeLeg(t *testing.T) {
	p := testPosition(position.StatusExitMonitoring)
	store := newMemPositions(p)
	// Exit equity = 5 balance + 200 simulated sale = 205; entry 100.
	led := &fakeLedger{
		account: ledger.AccountState{Balance: 5, Deployed: true},
		tokens:  map[string]float64{"tok-TIK": 100},
	}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2}, &fakePerp{mark: 2, pos: perp.Position{Amount: -100}}, caster)

	if err := eng.ExecuteForcedExit(context.Background(), p); err != nil {
		t.Fatalf("forced exit: %v", err)
	}
	var feeLeg *bundle.Leg
	for i := range caster.bundles[0].Legs {
		leg := &caster.bundles[0].Legs[i]
		if leg.To == caster.Address() {
			feeLeg = leg
		}
	}
	if feeLeg == nil {
		t.Fatal("fee leg missing")
	}
	want := 0.20 * (205.0 - 100.0)
	if feeLeg.Value != want {
		t.Fatalf("fee = %v, want %v", feeLeg.Value, want)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
}

func TestForcedExitFeeOffGridStillSettles(t *testing.T) {
	p := testPosition(position.StatusExitMonitoring)
	store := newMemPositions(p)
	// Exit equity of 110.123456789 makes the raw 20% fee ten decimals
	// wide, one past the wire precision.
	led := &fakeLedger{account: ledger.AccountState{Balance: 110.123456789, Deployed: true}}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2}, &fakePerp{mark: 2}, caster)

	if err := eng.ExecuteForcedExit(context.Background(), p); err != nil {
		t.Fatalf("forced exit: %v", err)
	}
	if len(caster.bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(caster.bundles))
	}
	if _, err := bundle.Encode(caster.bundles[0]); err != nil {
		t.Fatalf("exit bundle does not encode: %v", err)
	}
	var feeLeg *bundle.Leg
	for i := range caster.bundles[0].Legs {
		if caster.bundles[0].Legs[i].To == caster.Address() {
			feeLeg = &caster.bundles[0].Legs[i]
		}
	}
	if feeLeg == nil {
		t.Fatal("fee leg missing")
	}
	if want := bundle.RoundAmount(0.20 * (110.123456789 - 100)); feeLeg.Value != want {
		t.Fatalf("fee = %v, want snapped %v", feeLeg.Value, want)
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
}

func TestForcedExitAtLossSkipsFeeLeg(t *testing.T) {
	p := testPosition(position.StatusExitMonitoring)
	store := newMemPositions(p)
	led := &fakeLedger{
		account: ledger.AccountState{Balance: 5, Deployed: true},
		tokens:  map[string]float64{"tok-TIK": 10},
	}
	caster := &fakeCaster{}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2}, &fakePerp{mark: 2}, caster)

	if err := eng.ExecuteForcedExit(context.Background(), p); err != nil {
		t.Fatalf("forced exit: %v", err)
	}
	for _, leg := range caster.bundles[0].Legs {
		if leg.To == caster.Address() {
			t.Fatal("losses must not produce a fee leg")
		}
	}
}

func TestForcedExitBroadcastFailureGoesEmergency(t *testing.T) {
	p := testPosition(position.StatusExitMonitoring)
	store := newMemPositions(p)
	led := &fakeLedger{
		account: ledger.AccountState{Balance: 5, Deployed: true},
		tokens:  map[string]float64{"tok-TIK": 100},
	}
	caster := &fakeCaster{err: errors.New("ledger down")}
	eng := newTestEngine(store, led, &fakeSwap{rate: 2}, &fakePerp{mark: 2}, caster)

	if err := eng.ExecuteForcedExit(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	got, _ := store.Get(context.Background(), p.ID)
	if got.Status != position.StatusEmergency {
		t.Fatalf("status = %s, want emergency", got.Status)
	}
}

func TestForcedExitSkipsWhenStatusMovedOn(t *testing.T) {
	p := testPosition(position.StatusClosed)
	store := newMemPositions(p)
	caster := &fakeCaster{}
	eng := newTestEngine(store, &fakeLedger{}, &fakeSwap{}, &fakePerp{}, caster)

	if err := eng.ExecuteForcedExit(context.Background(), p); err != nil {
		t.Fatalf("forced exit: %v", err)
	}
	if len(caster.bundles) != 0 {
		t.Fatal("closed position must not broadcast")
	}
}
