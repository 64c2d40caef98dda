package store

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"signal-router/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestAccounts(t *testing.T, store *Store) *AccountService {
	t.Helper()
	s, err := NewAccountService(store, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAccountService returned error: %v", err)
	}
	return s
}

func seedUser(t *testing.T, s *AccountService, user UserAccount, cfg TradingConfig, creds ...Credential) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertUser(ctx, user, cfg); err != nil {
		t.Fatalf("UpsertUser returned error: %v", err)
	}
	for _, cred := range creds {
		if err := s.UpsertCredential(ctx, cred); err != nil {
			t.Fatalf("UpsertCredential returned error: %v", err)
		}
	}
}

func TestListActive_FiltersUnusableAccounts(t *testing.T) {
	store := newTestStore(t)
	s := newTestAccounts(t, store)
	cfg := TradingConfig{MaxLeverage: 10, MaxPositionSize: 100}

	seedUser(t, s,
		UserAccount{ID: "usable", Name: "A", Tier: "VIP", AccountType: "management", Active: true}, cfg,
		Credential{UserID: "usable", Exchange: "binance", Environment: "production", APIKey: "k", APISecret: "s", Valid: true},
		Credential{UserID: "usable", Exchange: "bybit", Environment: "testnet", APIKey: "k2", APISecret: "s2", Valid: true},
	)
	seedUser(t, s,
		UserAccount{ID: "inactive", Name: "B", Tier: "BASIC", AccountType: "testnet", Active: false}, cfg,
		Credential{UserID: "inactive", Exchange: "binance", Environment: "testnet", APIKey: "k", APISecret: "s", Valid: true},
	)
	seedUser(t, s,
		UserAccount{ID: "revoked", Name: "C", Tier: "BASIC", AccountType: "testnet", Active: true}, cfg,
		Credential{UserID: "revoked", Exchange: "binance", Environment: "testnet", APIKey: "k", APISecret: "s", Valid: false},
	)
	seedUser(t, s,
		UserAccount{ID: "keyless", Name: "D", Tier: "BASIC", AccountType: "testnet", Active: true}, cfg,
		Credential{UserID: "keyless", Exchange: "binance", Environment: "testnet", APIKey: "", APISecret: "s", Valid: true},
	)

	accounts, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}

	if len(accounts) != 1 {
		t.Fatalf("expected 1 usable account, got %d", len(accounts))
	}
	account := accounts[0]
	if account.User.ID != "usable" {
		t.Errorf("unexpected account %s", account.User.ID)
	}
	if len(account.Credentials) != 2 {
		t.Errorf("expected 2 credentials grouped, got %d", len(account.Credentials))
	}
	if account.Config.MaxLeverage != 10 {
		t.Errorf("trading config not loaded: %+v", account.Config)
	}
}

func TestListActive_CacheInvalidatedOnWrite(t *testing.T) {
	store := newTestStore(t)
	s := newTestAccounts(t, store)
	cfg := TradingConfig{MaxLeverage: 10, MaxPositionSize: 100}

	seedUser(t, s,
		UserAccount{ID: "u1", Name: "A", Tier: "BASIC", AccountType: "testnet", Active: true}, cfg,
		Credential{UserID: "u1", Exchange: "binance", Environment: "testnet", APIKey: "k", APISecret: "s", Valid: true},
	)

	first, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 account, got %d", len(first))
	}

	seedUser(t, s,
		UserAccount{ID: "u2", Name: "B", Tier: "BASIC", AccountType: "testnet", Active: true}, cfg,
		Credential{UserID: "u2", Exchange: "binance", Environment: "testnet", APIKey: "k", APISecret: "s", Valid: true},
	)

	second, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}
	if len(second) != 2 {
		t.Errorf("write did not invalidate cache: got %d accounts", len(second))
	}
}

func TestUpdateCredentialBalance(t *testing.T) {
	store := newTestStore(t)
	s := newTestAccounts(t, store)

	seedUser(t, s,
		UserAccount{ID: "u1", Name: "A", Tier: "BASIC", AccountType: "testnet", Active: true},
		TradingConfig{MaxLeverage: 10, MaxPositionSize: 100},
		Credential{UserID: "u1", Exchange: "binance", Environment: "testnet", APIKey: "k", APISecret: "s", Valid: true},
	)

	if err := s.UpdateCredentialBalance(context.Background(), "u1", "binance", "testnet", 4321.5); err != nil {
		t.Fatalf("UpdateCredentialBalance returned error: %v", err)
	}

	accounts, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if len(accounts) != 1 || len(accounts[0].Credentials) != 1 {
		t.Fatalf("unexpected reload shape: %+v", accounts)
	}
	cred := accounts[0].Credentials[0]
	if cred.LastBalance != 4321.5 {
		t.Errorf("expected balance 4321.5, got %.2f", cred.LastBalance)
	}
	if cred.LastCheckedAt.IsZero() {
		t.Errorf("expected check timestamp to be set")
	}
}

func newTestJournal(t *testing.T, store *Store) *Journal {
	t.Helper()
	j, err := NewJournal(store, zap.NewNop())
	if err != nil {
		t.Fatalf("NewJournal returned error: %v", err)
	}
	return j
}

func TestJournal_ListExecutionsBySignal(t *testing.T) {
	store := newTestStore(t)
	j := newTestJournal(t, store)
	ctx := context.Background()

	if err := j.InsertSignal(ctx, SignalRecord{
		ID: "sig-1", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, Leverage: 5, Price: 100,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertSignal returned error: %v", err)
	}

	records := []ExecutionRecord{
		{SignalID: "sig-1", UserID: "u1", Exchange: "binance", Environment: "testnet", Success: true, OrderID: "1", Symbol: "BTCUSDT", Side: "BUY", Amount: 1, Reason: "filled"},
		{SignalID: "sig-1", UserID: "u2", Exchange: "bybit", Environment: "testnet", Success: false, Symbol: "BTCUSDT", Side: "BUY", Amount: 1, Reason: "validation_rejected", Error: "leverage"},
		{SignalID: "sig-2", UserID: "u1", Exchange: "binance", Environment: "testnet", Success: true, OrderID: "2", Symbol: "ETHUSDT", Side: "SELL", Amount: 2, Reason: "filled"},
	}
	for i, rec := range records {
		if err := j.InsertExecution(ctx, rec); err != nil {
			t.Fatalf("InsertExecution %d returned error: %v", i, err)
		}
	}

	got, err := j.ListExecutions(ctx, "sig-1", 10)
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records for sig-1, got %d", len(got))
	}
	// 最近写入的先返回。
	if got[0].UserID != "u2" || got[1].UserID != "u1" {
		t.Errorf("unexpected order: %s, %s", got[0].UserID, got[1].UserID)
	}
	if got[0].Success || !got[1].Success {
		t.Errorf("success flags not round-tripped")
	}

	all, err := j.ListExecutions(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records without filter, got %d", len(all))
	}
}

func TestJournal_PositionEvents(t *testing.T) {
	store := newTestStore(t)
	j := newTestJournal(t, store)
	ctx := context.Background()

	events := []PositionEventRecord{
		{PositionID: "p1", UserID: "u1", EventType: "opened", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, EntryPrice: 100},
		{PositionID: "p1", UserID: "u1", EventType: "closed", Symbol: "BTCUSDT", Side: "LONG", Quantity: 1, EntryPrice: 100, MarkPrice: 95, RealizedPnL: -5, CloseReason: "STOP_LOSS"},
	}
	for i, rec := range events {
		if err := j.InsertPositionEvent(ctx, rec); err != nil {
			t.Fatalf("InsertPositionEvent %d returned error: %v", i, err)
		}
	}

	got, err := j.ListPositionEvents(ctx, 1)
	if err != nil {
		t.Fatalf("ListPositionEvents returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record with limit 1, got %d", len(got))
	}
	if got[0].EventType != "closed" || got[0].CloseReason != "STOP_LOSS" {
		t.Errorf("unexpected latest event: %+v", got[0])
	}
	if got[0].RealizedPnL != -5 {
		t.Errorf("realized pnl not round-tripped: %.2f", got[0].RealizedPnL)
	}
}
