package rpcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"

	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/merkle"
	"github.com/l2seq/sequencer/internal/store"
	"github.com/l2seq/sequencer/internal/types"
)

type fakeAPI struct {
	submitErr error
	submitted []*types.Transaction
	records   map[common.Hash]store.TransactionRecord
}

func (f *fakeAPI) Submit(ctx context.Context, tx *types.Transaction) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, tx)
	return nil
}

func (f *fakeAPI) Status(id common.Hash) (store.TransactionRecord, bool, error) {
	rec, ok := f.records[id]
	return rec, ok, nil
}

func (f *fakeAPI) Proof(id common.Hash) (merkle.Proof, common.Hash, bool) {
	return merkle.Proof{{Sibling: common.HexToHash("0xaa"), Position: merkle.Left}}, common.HexToHash("0xbb"), true
}

func newTestHandler(api SequencerAPI) *Handler {
	h := NewHandler(DefaultConfig(), logging.Default())
	RegisterMethods(h, api)
	h.SetWebSocketAPI(api, nil)
	return h
}

func rpcCall(t *testing.T, h *Handler, method string, params ...any) *Response {
	t.Helper()
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		raw[i] = b
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw, ID: json.RawMessage(`1`)}
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	h.ServeHTTP(w, r)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v, body=%s", err, w.Body.String())
	}
	return &resp
}

func sampleTxWire() txWire {
	return txWire{
		Sender:    common.HexToAddress("0x1"),
		Recipient: common.HexToAddress("0x2"),
		Amount:    "10",
		Nonce:     1,
		Expiry:    9999999999,
		Kind:      types.KindTransfer,
	}
}

func TestSubmit_AcceptsValidTransaction(t *testing.T) {
	api := &fakeAPI{records: map[common.Hash]store.TransactionRecord{}}
	h := newTestHandler(api)

	resp := rpcCall(t, h, "submit", sampleTxWire())
	if resp.Error != nil {
		t.Fatalf("expected no error, got %+v", resp.Error)
	}
	if len(api.submitted) != 1 {
		t.Fatalf("expected exactly one submitted tx, got %d", len(api.submitted))
	}
}

func TestSubmit_RejectsInvalidAmount(t *testing.T) {
	api := &fakeAPI{}
	h := newTestHandler(api)

	w := sampleTxWire()
	w.Amount = "not-a-number"
	resp := rpcCall(t, h, "submit", w)
	if resp.Error == nil {
		t.Fatal("expected an InvalidInput error")
	}
}

func TestSubmitBatch_ReturnsPerTxResults(t *testing.T) {
	api := &fakeAPI{submitErr: types.NewKindError(types.KindNonceReplay, "test", types.ErrNonceReplay)}
	h := newTestHandler(api)

	resp := rpcCall(t, h, "submit_batch", sampleTxWire(), sampleTxWire())
	if resp.Error != nil {
		t.Fatalf("submit_batch itself should not error: %+v", resp.Error)
	}
	results, ok := resp.Result.([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 per-tx results, got %#v", resp.Result)
	}
}

func TestStatus_UnknownTransaction(t *testing.T) {
	api := &fakeAPI{records: map[common.Hash]store.TransactionRecord{}}
	h := newTestHandler(api)

	resp := rpcCall(t, h, "status", common.HexToHash("0xdead"))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	m, ok := resp.Result.(map[string]interface{})
	if !ok || m["status"] != "Unknown" {
		t.Fatalf("expected Unknown status, got %#v", resp.Result)
	}
}

func TestGetProof_ReturnsProofAndRoot(t *testing.T) {
	api := &fakeAPI{}
	h := newTestHandler(api)

	resp := rpcCall(t, h, "get_proof", common.HexToHash("0x01"))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestAuthMiddleware_RejectsMissingTokenOnOperatorMethod(t *testing.T) {
	api := &fakeAPI{records: map[common.Hash]store.TransactionRecord{}}
	h := newTestHandler(api)
	secret := []byte("test-secret")
	h.Use(AuthMiddleware(secret))

	resp := rpcCall(t, h, "status", common.HexToHash("0x01"))
	if resp.Error == nil {
		t.Fatal("expected AuthFailure without a bearer token")
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	api := &fakeAPI{records: map[common.Hash]store.TransactionRecord{
		common.HexToHash("0x01"): {Status: "Confirmed"},
	}}
	h := newTestHandler(api)
	secret := []byte("test-secret")
	h.Use(AuthMiddleware(secret))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := Request{JSONRPC: "2.0", Method: "status", Params: []json.RawMessage{mustMarshal(common.HexToHash("0x01"))}, ID: json.RawMessage(`1`)}
	body, _ := json.Marshal(req)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+signed)
	h.ServeHTTP(w, r)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected authenticated request to succeed, got %+v", resp.Error)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestJSONRPCBatch_SubmitOrderMatchesRequestArrayOrder(t *testing.T) {
	api := &fakeAPI{records: map[common.Hash]store.TransactionRecord{}}
	h := newTestHandler(api)

	var reqs []json.RawMessage
	for i := 0; i < 20; i++ {
		w := sampleTxWire()
		w.Nonce = uint64(i)
		paramBytes, _ := json.Marshal(w)
		req := Request{JSONRPC: "2.0", Method: "submit", Params: []json.RawMessage{paramBytes}, ID: mustMarshal(i)}
		b, _ := json.Marshal(req)
		reqs = append(reqs, b)
	}
	body, _ := json.Marshal(reqs)

	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	h.ServeHTTP(rw, r)

	if len(api.submitted) != 20 {
		t.Fatalf("expected 20 submitted transactions, got %d", len(api.submitted))
	}
	for i, tx := range api.submitted {
		if tx.Nonce != uint64(i) {
			t.Fatalf("submission order diverged from request array order at index %d: nonce=%d", i, tx.Nonce)
		}
	}
}

func TestRateLimitMiddleware_BlocksAfterBurst(t *testing.T) {
	limiter := newIPRateLimiter(1, 1)
	mw := RateLimitMiddleware(limiter)
	ctx := &Context{Request: &Request{ID: json.RawMessage(`1`)}, RemoteAddr: "1.2.3.4"}
	ok := func(c *Context) *Response { return &Response{JSONRPC: "2.0", ID: c.Request.ID} }

	first := mw(ctx, ok)
	if first.Error != nil {
		t.Fatalf("first request should pass, got %+v", first.Error)
	}
	second := mw(ctx, ok)
	if second.Error == nil {
		t.Fatal("second immediate request should be rate limited")
	}
}
