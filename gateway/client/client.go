// Package client wraps the ledger node's JSON-RPC surface in typed calls so
// the REST gateway and the reconciler never hand-roll envelopes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
)

const (
	jsonRPCVersion = "2.0"
	defaultRPCID   = 1
)

// Client speaks the node's JSON-RPC dialect over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	timeout    time.Duration
}

// Option configures client defaults.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken sets the bearer token attached to write requests.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithTimeout bounds every RPC call that arrives without its own deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("client: endpoint required")
	}
	c := &Client{
		endpoint:   trimmed,
		httpClient: http.DefaultClient,
		timeout:    10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

// Error carries a JSON-RPC error envelope along with the HTTP status the node
// attached to it, so callers can propagate the node's own classification.
type Error struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SubLoanSpec mirrors one installment of a lending_takeLoan request.
type SubLoanSpec struct {
	BorrowedAmount string        `json:"borrowedAmount"`
	AddonAmount    string        `json:"addonAmount,omitempty"`
	DurationDays   uint32        `json:"durationDays"`
	Rates          lending.Rates `json:"rates"`
}

type TakeLoanRequest struct {
	Borrower  string        `json:"borrower"`
	ProgramID uint32        `json:"programId"`
	SubLoans  []SubLoanSpec `json:"subLoans"`
}

type TakeLoanResult struct {
	FirstSubLoanID uint64 `json:"firstSubLoanId"`
	SubLoanCount   int    `json:"subLoanCount"`
}

type RevokeLoanResult struct {
	FirstSubLoanID uint64 `json:"firstSubLoanId"`
	Revoked        bool   `json:"revoked"`
}

// Operation mirrors one journal submission.
type Operation struct {
	SubLoanID    uint64 `json:"subLoanId"`
	Kind         string `json:"kind"`
	Timestamp    uint64 `json:"timestamp,omitempty"`
	Value        string `json:"value"`
	Counterparty string `json:"counterparty,omitempty"`
}

type OperationReceipt struct {
	SubLoanID   uint64 `json:"subLoanId"`
	OperationID uint32 `json:"operationId"`
}

type SubmitResult struct {
	Batch    string             `json:"batch"`
	Receipts []OperationReceipt `json:"receipts"`
}

// VoidRequest targets one applied operation for cancellation.
type VoidRequest struct {
	SubLoanID    uint64 `json:"subLoanId"`
	OperationID  uint32 `json:"operationId"`
	Counterparty string `json:"counterparty,omitempty"`
}

type VoidReceipt struct {
	SubLoanID   uint64 `json:"subLoanId"`
	OperationID uint32 `json:"operationId"`
	Outcome     string `json:"outcome"`
}

type VoidResult struct {
	Batch    string        `json:"batch"`
	Receipts []VoidReceipt `json:"receipts"`
}

type ListSubLoansResult struct {
	Total    uint64                    `json:"total"`
	SubLoans []*lending.SubLoanPreview `json:"subLoans"`
}

type BorrowerStats struct {
	Borrower      string `json:"borrower"`
	ActiveLoans   uint32 `json:"activeLoans"`
	ClosedLoans   uint32 `json:"closedLoans"`
	TotalExposure string `json:"totalExposure"`
}

func (c *Client) TakeLoan(ctx context.Context, req TakeLoanRequest) (*TakeLoanResult, error) {
	var result TakeLoanResult
	if err := c.call(ctx, "lending_takeLoan", req, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) RevokeLoan(ctx context.Context, firstSubLoanID uint64) (*RevokeLoanResult, error) {
	params := struct {
		FirstSubLoanID uint64 `json:"firstSubLoanId"`
	}{FirstSubLoanID: firstSubLoanID}
	var result RevokeLoanResult
	if err := c.call(ctx, "lending_revokeLoan", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) SubmitOperations(ctx context.Context, operations []Operation) (*SubmitResult, error) {
	params := struct {
		Operations []Operation `json:"operations"`
	}{Operations: operations}
	var result SubmitResult
	if err := c.call(ctx, "lending_submitOperations", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) VoidOperations(ctx context.Context, requests []VoidRequest) (*VoidResult, error) {
	params := struct {
		Operations []VoidRequest `json:"operations"`
	}{Operations: requests}
	var result VoidResult
	if err := c.call(ctx, "lending_voidOperations", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) SubLoanPreview(ctx context.Context, subLoanID, timestamp uint64, includeOperations bool) (*lending.SubLoanPreview, error) {
	params := struct {
		SubLoanID         uint64 `json:"subLoanId"`
		Timestamp         uint64 `json:"timestamp,omitempty"`
		IncludeOperations bool   `json:"includeOperations,omitempty"`
	}{SubLoanID: subLoanID, Timestamp: timestamp, IncludeOperations: includeOperations}
	var result lending.SubLoanPreview
	if err := c.call(ctx, "lending_getSubLoanPreview", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) LoanPreview(ctx context.Context, firstSubLoanID, timestamp uint64, includeOperations bool) (*lending.LoanPreview, error) {
	params := struct {
		FirstSubLoanID    uint64 `json:"firstSubLoanId"`
		Timestamp         uint64 `json:"timestamp,omitempty"`
		IncludeOperations bool   `json:"includeOperations,omitempty"`
	}{FirstSubLoanID: firstSubLoanID, Timestamp: timestamp, IncludeOperations: includeOperations}
	var result lending.LoanPreview
	if err := c.call(ctx, "lending_getLoanPreview", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListOperations(ctx context.Context, subLoanID uint64) ([]lending.OperationView, error) {
	params := struct {
		SubLoanID uint64 `json:"subLoanId"`
	}{SubLoanID: subLoanID}
	var result struct {
		Operations []lending.OperationView `json:"operations"`
	}
	if err := c.call(ctx, "lending_listOperations", params, false, &result); err != nil {
		return nil, err
	}
	return result.Operations, nil
}

func (c *Client) ListSubLoans(ctx context.Context, offset uint64, limit uint32) (*ListSubLoansResult, error) {
	params := struct {
		Offset uint64 `json:"offset,omitempty"`
		Limit  uint32 `json:"limit,omitempty"`
	}{Offset: offset, Limit: limit}
	var result ListSubLoansResult
	if err := c.call(ctx, "lending_listSubLoans", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetBorrowerStats(ctx context.Context, borrower string) (*BorrowerStats, error) {
	params := struct {
		Borrower string `json:"borrower"`
	}{Borrower: borrower}
	var result BorrowerStats
	if err := c.call(ctx, "creditline_getBorrowerStats", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, requireAuth bool, out interface{}) error {
	if requireAuth && c.authToken == "" {
		return fmt.Errorf("client: auth token required for %s", method)
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	payload := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      defaultRPCID,
		Method:  method,
		Params:  []interface{}{params},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode rpc payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: rpc call failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("client: read rpc response: %w", err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("client: rpc error status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("client: decode rpc response: %w", err)
	}
	// The node pairs JSON-RPC error envelopes with meaningful HTTP statuses;
	// keep both so callers can map them onto their own surface.
	if decoded.Error != nil {
		return &Error{
			Code:       decoded.Error.Code,
			Message:    decoded.Error.Message,
			HTTPStatus: resp.StatusCode,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: rpc error status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("client: decode rpc result: %w", err)
	}
	return nil
}
