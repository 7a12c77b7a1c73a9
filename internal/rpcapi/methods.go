package rpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/l2seq/sequencer/internal/merkle"
	"github.com/l2seq/sequencer/internal/store"
	"github.com/l2seq/sequencer/internal/types"
)

// SequencerAPI is the narrow surface rpcapi needs from the Sequencer (spec
// §6's four admission-surface operations).
type SequencerAPI interface {
	Submit(ctx context.Context, tx *types.Transaction) error
	Status(txID common.Hash) (store.TransactionRecord, bool, error)
	Proof(txID common.Hash) (merkle.Proof, common.Hash, bool)
}

// txWire is the JSON wire shape of a submitted transaction (spec §3's
// fields, hex-encoded the way go-ethereum's RPC types do).
type txWire struct {
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"` // decimal string
	Nonce     uint64         `json:"nonce"`
	Expiry    int64          `json:"expiry"` // unix seconds
	Kind      types.Kind     `json:"kind"`
	Priority  types.Priority `json:"priority"`
	Payload   hexutil.Bytes  `json:"payload"`
	Signature hexutil.Bytes  `json:"signature"`
}

func (w txWire) toTransaction() (*types.Transaction, error) {
	amount, err := uint256.FromDecimal(w.Amount)
	if err != nil {
		return nil, err
	}
	tx := &types.Transaction{
		Sender:          w.Sender,
		Recipient:       w.Recipient,
		Amount:          amount,
		Nonce:           w.Nonce,
		ExpiryTimestamp: time.Unix(w.Expiry, 0),
		Kind:            w.Kind,
		Priority:        w.Priority,
		Payload:         w.Payload,
		Signature:       w.Signature,
	}
	tx.ID = tx.Fingerprint()
	return tx, nil
}

// RegisterMethods wires submit, submit_batch, status, and get_proof against
// api (spec §6's admission surface).
func RegisterMethods(h *Handler, api SequencerAPI) {
	h.RegisterMethod("submit", handleSubmit(api))
	h.RegisterMethod("submit_batch", handleSubmitBatch(api))
	h.RegisterMethod("status", handleStatus(api))
	h.RegisterMethod("get_proof", handleGetProof(api))
}

func handleSubmit(api SequencerAPI) HandleFunc {
	return func(ctx *Context) *Response {
		if len(ctx.Request.Params) != 1 {
			return errResp(ctx, -32602, "submit expects exactly one param")
		}
		result, errr := submitOne(api, ctx.Request.Params[0])
		if errr != nil {
			return errResp(ctx, errr.code, errr.message)
		}
		return okResp(ctx, result)
	}
}

func handleSubmitBatch(api SequencerAPI) HandleFunc {
	return func(ctx *Context) *Response {
		if len(ctx.Request.Params) == 0 {
			return errResp(ctx, -32602, "submit_batch expects at least one param")
		}
		results := make([]submitResult, len(ctx.Request.Params))
		for i, raw := range ctx.Request.Params {
			result, errr := submitOne(api, raw)
			if errr != nil {
				results[i] = submitResult{Rejected: true, Reason: errr.message}
				continue
			}
			results[i] = *result
		}
		return okResp(ctx, results)
	}
}

type submitResult struct {
	Accepted bool        `json:"accepted"`
	ID       common.Hash `json:"id,omitempty"`
	Rejected bool        `json:"rejected"`
	Reason   string      `json:"reason,omitempty"`
}

type rpcFailure struct {
	code    int
	message string
}

func submitOne(api SequencerAPI, raw json.RawMessage) (*submitResult, *rpcFailure) {
	var wire txWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &rpcFailure{-32602, "invalid transaction encoding: " + err.Error()}
	}
	tx, err := wire.toTransaction()
	if err != nil {
		return nil, &rpcFailure{-32602, "InvalidInput: " + err.Error()}
	}
	if err := api.Submit(context.Background(), tx); err != nil {
		return nil, &rpcFailure{codeFor(err), reasonFor(err)}
	}
	return &submitResult{Accepted: true, ID: tx.ID}, nil
}

func handleStatus(api SequencerAPI) HandleFunc {
	return func(ctx *Context) *Response {
		id, errr := singleHashParam(ctx.Request.Params)
		if errr != nil {
			return errResp(ctx, errr.code, errr.message)
		}
		rec, ok, err := api.Status(id)
		if err != nil {
			return errResp(ctx, -32000, err.Error())
		}
		if !ok {
			return okResp(ctx, map[string]string{"status": "Unknown"})
		}
		return okResp(ctx, statusView(rec))
	}
}

// statusView maps the persisted TransactionRecord onto spec §6's status
// union: Pending | Admitted | Executed(batch_id) | Confirmed | Rejected(reason).
func statusView(rec store.TransactionRecord) map[string]any {
	out := map[string]any{"status": rec.Status}
	if rec.BatchID != nil {
		out["batch_id"] = *rec.BatchID
	}
	if rec.Status == "Rejected" && rec.Error != "" {
		out["reason"] = rec.Error
	}
	return out
}

func handleGetProof(api SequencerAPI) HandleFunc {
	return func(ctx *Context) *Response {
		id, errr := singleHashParam(ctx.Request.Params)
		if errr != nil {
			return errResp(ctx, errr.code, errr.message)
		}
		proof, root, ok := api.Proof(id)
		if !ok {
			return errResp(ctx, -32004, "tx not yet included in any batch")
		}
		return okResp(ctx, map[string]any{"root": root, "proof": proof})
	}
}

func singleHashParam(params []json.RawMessage) (common.Hash, *rpcFailure) {
	if len(params) != 1 {
		return common.Hash{}, &rpcFailure{-32602, "expects exactly one param"}
	}
	var id common.Hash
	if err := json.Unmarshal(params[0], &id); err != nil {
		return common.Hash{}, &rpcFailure{-32602, "invalid tx id: " + err.Error()}
	}
	return id, nil
}

// codeFor maps an ErrorKind onto a JSON-RPC error code, reusing the
// -32000-and-below application-defined range the teacher's handler already
// occupies for rate limiting (-32005).
func codeFor(err error) int {
	kind, ok := types.KindOf(err)
	if !ok {
		return -32000
	}
	switch kind {
	case types.KindInvalidInput:
		return -32602
	case types.KindAuthFailure:
		return -32001
	case types.KindNonceReplay:
		return -32002
	case types.KindInsufficientBalance:
		return -32003
	case types.KindExpired:
		return -32006
	case types.KindRateLimited:
		return -32005
	default:
		return -32000
	}
}

func reasonFor(err error) string {
	kind, ok := types.KindOf(err)
	if !ok {
		return err.Error()
	}
	return kind.String() + ": " + unwrapMessage(err)
}

func unwrapMessage(err error) string {
	var ke *types.KindError
	if errors.As(err, &ke) && ke.Err != nil {
		return ke.Err.Error()
	}
	return err.Error()
}

func okResp(ctx *Context, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: ctx.Request.ID}
}

func errResp(ctx *Context, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", Error: &RPCErr{Code: code, Message: msg}, ID: ctx.Request.ID}
}
