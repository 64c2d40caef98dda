package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testCred = Credential{APIKey: "test-key", APISecret: "test-secret"}

func TestBinance_GetBalance_FallsBackToV2(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)

		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.URL.Query().Get("signature") == "" {
			t.Errorf("missing signature parameter")
		}

		switch r.URL.Path {
		case "/fapi/v3/balance":
			http.Error(w, `{"code":-1,"msg":"not found"}`, http.StatusNotFound)
		case "/fapi/v2/balance":
			fmt.Fprint(w, `[{"asset":"USDT","balance":"1234.5"},{"asset":"BTC","balance":"0.5"}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	b := NewBinance(server.Client(), nil)
	b.testURL = server.URL

	balances, err := b.GetBalance(context.Background(), testCred, EnvTestnet)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}

	want := []string{"/fapi/v3/balance", "/fapi/v2/balance"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected request sequence: %v", paths)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("request %d: got %s want %s", i, paths[i], p)
		}
	}

	if balances["USDT"] != 1234.5 || balances["BTC"] != 0.5 {
		t.Errorf("unexpected balances: %v", balances)
	}
}

func TestBinance_GetBalance_NoFallbackOnOtherErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"code":-2015,"msg":"Invalid API-key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	b := NewBinance(server.Client(), nil)
	b.testURL = server.URL

	_, err := b.GetBalance(context.Background(), testCred, EnvTestnet)
	if err == nil {
		t.Fatalf("expected error for rejected credentials")
	}
	if calls != 1 {
		t.Errorf("expected single request without fallback, got %d", calls)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code != -2015 {
		t.Errorf("expected code -2015, got %d", apiErr.Code)
	}
}

func TestBinance_PlaceMarketOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm returned error: %v", err)
		}
		if r.PostForm.Get("symbol") != "BTCUSDT" {
			t.Errorf("expected uppercased symbol, got %s", r.PostForm.Get("symbol"))
		}
		if r.PostForm.Get("side") != "BUY" {
			t.Errorf("expected side BUY, got %s", r.PostForm.Get("side"))
		}
		if r.PostForm.Get("type") != "MARKET" {
			t.Errorf("expected type MARKET, got %s", r.PostForm.Get("type"))
		}
		if r.PostForm.Get("signature") == "" {
			t.Errorf("missing signature parameter")
		}
		fmt.Fprint(w, `{"orderId":123456,"avgPrice":"50000.5"}`)
	}))
	defer server.Close()

	b := NewBinance(server.Client(), nil)
	b.prodURL = server.URL

	fill, err := b.PlaceMarketOrder(context.Background(), testCred, EnvProduction, "btcusdt", SideBuy, 0.5)
	if err != nil {
		t.Fatalf("PlaceMarketOrder returned error: %v", err)
	}
	if fill.OrderID != "123456" {
		t.Errorf("expected order id 123456, got %s", fill.OrderID)
	}
	if fill.FilledPrice != 50000.5 {
		t.Errorf("expected filled price 50000.5, got %f", fill.FilledPrice)
	}
	if fill.Simulated {
		t.Errorf("real fill must not be marked simulated")
	}
}

func TestBinance_PlaceMarketOrder_TimeoutIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	b := NewBinance(server.Client(), nil)
	b.prodURL = server.URL

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.PlaceMarketOrder(ctx, testCred, EnvProduction, "BTCUSDT", SideBuy, 1)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, ErrAmbiguousTimeout) {
		t.Errorf("expected ambiguous timeout classification, got %v", err)
	}
}

func TestBybit_GetBalance_FallsBackToLegacyWallet(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)

		if r.Header.Get("X-BAPI-API-KEY") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("X-BAPI-SIGN") == "" {
			t.Errorf("missing signature header")
		}
		if r.Header.Get("X-BAPI-TIMESTAMP") == "" {
			t.Errorf("missing timestamp header")
		}

		switch r.URL.Path {
		case "/v5/account/wallet-balance":
			fmt.Fprint(w, `{"retCode":10016,"retMsg":"unified account not supported"}`)
		case "/v2/private/wallet/balance":
			fmt.Fprint(w, `{"result":{"USDT":{"wallet_balance":987.25}}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	b := NewBybit(server.Client(), nil)
	b.testURL = server.URL

	balances, err := b.GetBalance(context.Background(), testCred, EnvTestnet)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}

	want := []string{"/v5/account/wallet-balance", "/v2/private/wallet/balance"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected request sequence: %v", paths)
	}
	if balances["USDT"] != 987.25 {
		t.Errorf("unexpected balances: %v", balances)
	}
}

func TestBybit_PlaceMarketOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/create" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		payload := string(body)
		if !strings.Contains(payload, `"side":"Sell"`) {
			t.Errorf("expected title-cased side in payload: %s", payload)
		}
		if !strings.Contains(payload, `"symbol":"ETHUSDT"`) {
			t.Errorf("expected uppercased symbol in payload: %s", payload)
		}
		fmt.Fprint(w, `{"retCode":0,"result":{"orderId":"abc-789"}}`)
	}))
	defer server.Close()

	b := NewBybit(server.Client(), nil)
	b.prodURL = server.URL

	fill, err := b.PlaceMarketOrder(context.Background(), testCred, EnvProduction, "ethusdt", SideSell, 2)
	if err != nil {
		t.Fatalf("PlaceMarketOrder returned error: %v", err)
	}
	if fill.OrderID != "abc-789" {
		t.Errorf("expected order id abc-789, got %s", fill.OrderID)
	}
}

func TestBybit_RetCodeBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":110007,"retMsg":"insufficient balance"}`)
	}))
	defer server.Close()

	b := NewBybit(server.Client(), nil)
	b.prodURL = server.URL

	_, err := b.PlaceMarketOrder(context.Background(), testCred, EnvProduction, "BTCUSDT", SideBuy, 100)
	if err == nil {
		t.Fatalf("expected business error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code != 110007 {
		t.Errorf("expected code 110007, got %d", apiErr.Code)
	}
}

func TestSimulated_OrderPrefix(t *testing.T) {
	sim := NewSimulated(nil)

	fill, err := sim.PlaceMarketOrder(context.Background(), Credential{}, EnvTestnet, "BTCUSDT", SideBuy, 1)
	if err != nil {
		t.Fatalf("PlaceMarketOrder returned error: %v", err)
	}
	if !strings.HasPrefix(fill.OrderID, SimulatedOrderPrefix) {
		t.Errorf("expected %s prefix, got %s", SimulatedOrderPrefix, fill.OrderID)
	}
	if !fill.Simulated {
		t.Errorf("expected simulated fill")
	}
}

func TestIsVersionMismatch(t *testing.T) {
	if !IsVersionMismatch(&APIError{StatusCode: 404}) {
		t.Errorf("404 should be treated as version mismatch")
	}
	if !IsVersionMismatch(&APIError{StatusCode: 200, Code: 10016}) {
		t.Errorf("retCode 10016 should be treated as version mismatch")
	}
	if IsVersionMismatch(&APIError{StatusCode: 401}) {
		t.Errorf("401 must not trigger fallback")
	}
	if IsVersionMismatch(errors.New("plain error")) {
		t.Errorf("non-API error must not trigger fallback")
	}
}
