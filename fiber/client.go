package fiber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
)

// Payment is the receipt returned by the fiber node for a sent payment.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	FeePaid     string `json:"fee,omitempty"`
}

// Channel is the external payment channel collaborator. An empty udtType
// means the native currency.
type Channel interface {
	SendPayment(ctx context.Context, invoice string, amount decimal.Decimal, udtType string) (*Payment, error)
}

// NodeInfo describes the fiber node the client is connected to.
type NodeInfo struct {
	NodeName     string `json:"node_name"`
	NodeID       string `json:"node_id"`
	ChannelCount uint32 `json:"channel_count"`
}

// Client is a JSON-RPC 2.0 client for a CKB Fiber node.
type Client struct {
	url   string
	hc    *http.Client
	log   slog.Logger
	reqID atomic.Uint64
}

func NewClient(url string, log slog.Logger) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("fiber RPC URL is required")
	}
	return &Client{
		url: url,
		hc:  &http.Client{Timeout: 30 * time.Second},
		log: log,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("fiber rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	var p []any
	if params != nil {
		p = []any{params}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  p,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, raw)
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	if out.Error != nil {
		return out.Error
	}
	if result != nil {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type sendPaymentParams struct {
	Invoice string `json:"invoice"`
	Amount  string `json:"amount"`
	UDTType string `json:"udt_type,omitempty"`
}

// SendPayment asks the node to pay the invoice. The amount and udt type ride
// along so the node can double-check the caller's intent.
func (c *Client) SendPayment(ctx context.Context, invoice string, amount decimal.Decimal, udtType string) (*Payment, error) {
	var p Payment
	err := c.call(ctx, "send_payment", sendPaymentParams{
		Invoice: invoice,
		Amount:  amount.String(),
		UDTType: udtType,
	}, &p)
	if err != nil {
		return nil, err
	}
	if c.log != nil {
		c.log.Infof("Payment sent, hash %s status %s", p.PaymentHash, p.Status)
	}
	return &p, nil
}

// NodeInfo queries the connected node; used as a liveness check at startup.
func (c *Client) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	var ni NodeInfo
	if err := c.call(ctx, "node_info", nil, &ni); err != nil {
		return nil, err
	}
	return &ni, nil
}

// FormatPayment renders a receipt for a chat reply.
func FormatPayment(p *Payment) string {
	return fmt.Sprintf("Payment hash: %s\nStatus: %s", p.PaymentHash, p.Status)
}
