package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/state"
	"escrowd/storage"
)

type testHarness struct {
	server *httptest.Server
	engine *escrow.Engine
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	manager := state.NewManager(storage.NewMemDB())
	recorder := NewEventRecorder(logger, 128)

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() int64 { return 1_000_000 })

	audit, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	srv := httptest.NewServer(NewServer(engine, manager, audit, recorder, logger).Router(nil))
	t.Cleanup(srv.Close)
	return &testHarness{server: srv, engine: engine}
}

func (h *testHarness) post(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (h *testHarness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return out
}

func hexAddress(last byte) string {
	var addr [20]byte
	addr[19] = last
	return hex.EncodeToString(addr[:])
}

var (
	webBuyer  = hexAddress(0x01)
	webSeller = hexAddress(0x02)
	webArb    = hexAddress(0x03)
)

func (h *testHarness) fund(t *testing.T, address, amount string) {
	t.Helper()
	resp, _ := h.post(t, "/accounts/"+address+"/credit", creditRequest{Amount: amount})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credit %s: status %d", address, resp.StatusCode)
	}
}

func (h *testHarness) create(t *testing.T, req createRequest) string {
	t.Helper()
	resp, body := h.post(t, "/escrows", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create escrow: status %d body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if len(id) != 64 {
		t.Fatalf("unexpected escrow id %q", id)
	}
	return id
}

func TestHappyPathOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	h.fund(t, webBuyer, "10000")

	id := h.create(t, createRequest{
		Buyer:          webBuyer,
		Seller:         webSeller,
		Arbiters:       []string{webArb},
		TimeoutSeconds: 3600,
		FeeBps:         250,
	})

	resp, body := h.post(t, "/escrows/"+id+"/deposit", depositRequest{Caller: webBuyer, Value: "10000"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit: status %d body %v", resp.StatusCode, body)
	}
	if body["status"] != "awaiting_delivery" {
		t.Fatalf("status after deposit = %v", body["status"])
	}
	if body["totalDeposited"] != "10000" {
		t.Fatalf("totalDeposited = %v", body["totalDeposited"])
	}

	resp, body = h.post(t, "/escrows/"+id+"/confirm", callerRequest{Caller: webBuyer})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: status %d body %v", resp.StatusCode, body)
	}
	if body["status"] != "complete" {
		t.Fatalf("status after confirm = %v", body["status"])
	}

	resp, raw := h.get(t, "/accounts/"+webSeller)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account get: status %d", resp.StatusCode)
	}
	var account map[string]string
	if err := json.Unmarshal(raw, &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account["balance"] != "10000" {
		t.Fatalf("seller balance = %q, want 10000", account["balance"])
	}

	resp, raw = h.get(t, "/escrows/"+id+"/events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d", resp.StatusCode)
	}
	var events []*types.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("recorded %d events, want created+deposited+released", len(events))
	}
	if events[len(events)-1].Type != escrow.EventTypeReleased {
		t.Fatalf("final event type = %s", events[len(events)-1].Type)
	}
}

func TestDisputeAndResolveOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	h.fund(t, webBuyer, "10000")

	id := h.create(t, createRequest{
		Buyer:          webBuyer,
		Seller:         webSeller,
		Arbiters:       []string{webArb},
		TimeoutSeconds: 3600,
		FeeBps:         100,
	})
	h.post(t, "/escrows/"+id+"/deposit", depositRequest{Caller: webBuyer, Value: "10000"})

	resp, body := h.post(t, "/escrows/"+id+"/dispute", callerRequest{Caller: webSeller})
	if resp.StatusCode != http.StatusOK || body["status"] != "disputed" {
		t.Fatalf("dispute: status %d body %v", resp.StatusCode, body)
	}

	// Non-arbiter resolution is rejected before any vote is counted.
	resp, body = h.post(t, "/escrows/"+id+"/resolve", resolveRequest{Caller: webSeller, PayBuyer: false})
	if resp.StatusCode != http.StatusForbidden || body["code"] != "unauthorized" {
		t.Fatalf("non-arbiter resolve: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.post(t, "/escrows/"+id+"/resolve", resolveRequest{Caller: webArb, PayBuyer: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: status %d body %v", resp.StatusCode, body)
	}
	if body["status"] != "complete" || body["collectedFees"] != "100" {
		t.Fatalf("resolved view = %v", body)
	}

	resp, body = h.post(t, "/escrows/"+id+"/fees/withdraw", callerRequest{Caller: webArb})
	if resp.StatusCode != http.StatusOK || body["collectedFees"] != "0" {
		t.Fatalf("withdraw fees: status %d body %v", resp.StatusCode, body)
	}

	resp, raw := h.get(t, "/escrows/"+id+"/audit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status %d", resp.StatusCode)
	}
	var entries []AuditEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected audit entries for escrow")
	}
}

func TestErrorMappingOverHTTP(t *testing.T) {
	h := newTestHarness(t)
	h.fund(t, webBuyer, "500")

	id := h.create(t, createRequest{
		Buyer:          webBuyer,
		Seller:         webSeller,
		Arbiters:       []string{webArb},
		TimeoutSeconds: 3600,
	})

	cases := []struct {
		name       string
		path       string
		payload    any
		wantStatus int
		wantCode   string
	}{
		{"deposit by stranger", "/escrows/" + id + "/deposit", depositRequest{Caller: webSeller, Value: "100"}, http.StatusForbidden, "unauthorized"},
		{"confirm before funding", "/escrows/" + id + "/confirm", callerRequest{Caller: webBuyer}, http.StatusConflict, "invalid_state"},
		{"refund before deadline", "/escrows/" + id + "/refund", callerRequest{Caller: webBuyer}, http.StatusConflict, "deadline_not_passed"},
		{"withdraw with empty pool", "/escrows/" + id + "/fees/withdraw", callerRequest{Caller: webArb}, http.StatusConflict, "no_fees_available"},
		{"deposit beyond balance", "/escrows/" + id + "/deposit", depositRequest{Caller: webBuyer, Value: "9999"}, http.StatusConflict, "transfer_failed"},
		{"malformed caller", "/escrows/" + id + "/confirm", callerRequest{Caller: "nope"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.post(t, tc.path, tc.payload)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tc.wantStatus, body)
			}
			if body["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %s", body["code"], tc.wantCode)
			}
		})
	}

	unknown := fmt.Sprintf("%064x", 0xdeadbeef)
	resp, body := h.post(t, "/escrows/"+unknown+"/confirm", callerRequest{Caller: webBuyer})
	if resp.StatusCode != http.StatusNotFound || body["code"] != "not_found" {
		t.Fatalf("unknown escrow: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.post(t, "/escrows", createRequest{
		Buyer: webBuyer, Seller: webSeller, Arbiters: []string{webArb},
		TimeoutSeconds: 3600, FeeBps: 1001,
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "fee_too_high" {
		t.Fatalf("excessive fee: status %d body %v", resp.StatusCode, body)
	}
}

func TestFeeQuoteEndpoint(t *testing.T) {
	h := newTestHarness(t)
	id := h.create(t, createRequest{
		Buyer:          webBuyer,
		Seller:         webSeller,
		Arbiters:       []string{webArb},
		TimeoutSeconds: 3600,
		FeeBps:         250,
	})

	resp, raw := h.get(t, "/escrows/"+id+"/fee?value=10000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fee quote: status %d", resp.StatusCode)
	}
	var quote map[string]string
	if err := json.Unmarshal(raw, &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if quote["fee"] != "250" {
		t.Fatalf("fee = %q, want 250", quote["fee"])
	}
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	limiter := newRateLimiter(60, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:55001"
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", second.Code)
	}

	// Another client has its own budget.
	other := httptest.NewRecorder()
	otherReq := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	otherReq.RemoteAddr = "10.0.0.2:55001"
	handler.ServeHTTP(other, otherReq)
	if other.Code != http.StatusOK {
		t.Fatalf("other client: status %d", other.Code)
	}
}
