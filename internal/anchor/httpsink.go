package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HTTPSink posts commitments to an opaque anchor endpoint over plain HTTP.
// Because the anchor RPC protocol and on-chain program ABI are an explicit
// Non-goal (spec §1), this is a minimal transport — a JSON POST and a GET —
// rather than a real implementation of whatever wire protocol a production
// anchor program speaks; stdlib net/http is justified here precisely
// because there is no domain-specific client library to wire against an
// intentionally-out-of-scope endpoint.
type HTTPSink struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSink constructs an HTTPSink posting to baseURL.
func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type submitAnchorRequest struct {
	BatchID    uint64            `json:"batch_id"`
	MerkleRoot common.Hash       `json:"merkle_root"`
	Signature  []byte            `json:"signature"`
	Metadata   map[string]string `json:"metadata"`
}

type submitAnchorResponse struct {
	AnchorTxHash    common.Hash `json:"anchor_tx_hash"`
	ConfirmedHeight uint64      `json:"confirmed_height"`
}

// SubmitAnchor posts c to BaseURL+"/anchor".
func (s *HTTPSink) SubmitAnchor(ctx context.Context, c Commitment) (Ack, error) {
	body, err := json.Marshal(submitAnchorRequest{
		BatchID: c.BatchID, MerkleRoot: c.MerkleRoot, Signature: c.Signature, Metadata: c.Metadata,
	})
	if err != nil {
		return Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/anchor", bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ack{}, fmt.Errorf("%w: status %d", ErrSinkUnavailable, resp.StatusCode)
	}

	var out submitAnchorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Ack{}, err
	}
	return Ack{BatchID: c.BatchID, AnchorTxHash: out.AnchorTxHash, ConfirmedHeight: out.ConfirmedHeight}, nil
}

// LatestConfirmedBatch queries BaseURL+"/latest".
func (s *HTTPSink) LatestConfirmedBatch(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/latest", nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrSinkUnavailable, resp.StatusCode)
	}
	var out struct {
		BatchID uint64 `json:"batch_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.BatchID, nil
}
