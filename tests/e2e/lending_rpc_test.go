package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwalk/brlc-monorepo-sub002/core"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/rpc"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func addressWithTag(tag byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = tag
	}
	return crypto.NewAddress(crypto.BRLCPrefix, raw)
}

func TestLendingRPCLifecycle(t *testing.T) {
	token := "test-token"
	t.Setenv("LEDGERD_RPC_TOKEN", token)

	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })

	base := uint64(1_700_000_000)
	day := func(n uint64) uint64 { return n * lending.SecondsPerDay }
	var clock atomic.Uint64
	clock.Store(base)

	borrower := addressWithTag(0x11)
	node, err := core.NewNode(db, core.NodeConfig{
		PoolAddress: addressWithTag(0xA0),
		NowFunc:     clock.Load,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	server := rpc.NewServer(node, rpc.ServerConfig{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client := &http.Client{Timeout: 5 * time.Second}
	borrowerStr := borrower.String()

	takeResp := callRPC(t, client, ts.URL, token, "lending_takeLoan", map[string]interface{}{
		"borrower":  borrowerStr,
		"programId": 42,
		"subLoans": []map[string]interface{}{
			{"borrowedAmount": "100000", "durationDays": 30, "rates": map[string]uint64{"upToDue": 10_000_000}},
			{"borrowedAmount": "200000", "durationDays": 60, "rates": map[string]uint64{"upToDue": 10_000_000}},
		},
	})
	var takeResult struct {
		FirstSubLoanID uint64 `json:"firstSubLoanId"`
		SubLoanCount   int    `json:"subLoanCount"`
	}
	decodeResult(t, takeResp.Result, &takeResult)
	if takeResult.FirstSubLoanID != 1 || takeResult.SubLoanCount != 2 {
		t.Fatalf("unexpected take result: %+v", takeResult)
	}

	statsResp := callRPC(t, client, ts.URL, token, "creditline_getBorrowerStats", map[string]string{"borrower": borrowerStr})
	var stats struct {
		Borrower      string `json:"borrower"`
		ActiveLoans   uint32 `json:"activeLoans"`
		ClosedLoans   uint32 `json:"closedLoans"`
		TotalExposure string `json:"totalExposure"`
	}
	decodeResult(t, statsResp.Result, &stats)
	if stats.ActiveLoans != 1 || stats.ClosedLoans != 0 || stats.TotalExposure != "300000" {
		t.Fatalf("unexpected stats after take: %+v", stats)
	}

	// Ten ledger days of 1% daily compounding on the first installment.
	clock.Store(base + day(10))
	preview := fetchSubLoanPreview(t, client, ts.URL, token, 1, clock.Load())
	if preview.Status != "ongoing" {
		t.Fatalf("expected ongoing sub-loan, got %q", preview.Status)
	}
	if preview.UpToDue.Tracked.Cmp(big.NewInt(10_463)) != 0 {
		t.Fatalf("up-to-due interest = %s, want 10463", preview.UpToDue.Tracked)
	}
	if preview.Outstanding.Cmp(big.NewInt(110_463)) != 0 {
		t.Fatalf("outstanding = %s, want 110463", preview.Outstanding)
	}
	if preview.OutstandingRounded.Cmp(big.NewInt(110_000)) != 0 {
		t.Fatalf("rounded outstanding = %s, want 110000", preview.OutstandingRounded)
	}

	// Paying the rounded outstanding settles the unrounded total in full.
	submitResp := callRPC(t, client, ts.URL, token, "lending_submitOperations", map[string]interface{}{
		"operations": []map[string]interface{}{
			{"subLoanId": 1, "kind": "repayment", "value": "110000"},
		},
	})
	var submitResult struct {
		Batch    string `json:"batch"`
		Receipts []struct {
			SubLoanID   uint64 `json:"subLoanId"`
			OperationID uint32 `json:"operationId"`
		} `json:"receipts"`
	}
	decodeResult(t, submitResp.Result, &submitResult)
	if submitResult.Batch == "" {
		t.Fatalf("expected batch identifier")
	}
	if len(submitResult.Receipts) != 1 || submitResult.Receipts[0].OperationID != 1 {
		t.Fatalf("unexpected receipts: %+v", submitResult.Receipts)
	}

	settled := fetchSubLoanPreview(t, client, ts.URL, token, 1, lending.PreviewAtTracked)
	if settled.Status != "repaid" {
		t.Fatalf("expected repaid status, got %q", settled.Status)
	}
	if settled.Outstanding.Sign() != 0 {
		t.Fatalf("expected zero outstanding, got %s", settled.Outstanding)
	}
	if settled.RepaidTotal.Cmp(big.NewInt(110_463)) != 0 {
		t.Fatalf("repaid total = %s, want 110463", settled.RepaidTotal)
	}

	loanResp := callRPC(t, client, ts.URL, token, "lending_getLoanPreview", map[string]interface{}{
		"firstSubLoanId": 1,
		"timestamp":      clock.Load(),
	})
	var loan lending.LoanPreview
	decodeResult(t, loanResp.Result, &loan)
	if loan.SubLoanCount != 2 || loan.OngoingCount != 1 {
		t.Fatalf("unexpected loan counts: %+v", loan)
	}
	if loan.TotalRepaid.Cmp(big.NewInt(110_463)) != 0 {
		t.Fatalf("loan total repaid = %s, want 110463", loan.TotalRepaid)
	}
	if loan.TotalOutstanding.Cmp(big.NewInt(220_924)) != 0 {
		t.Fatalf("loan total outstanding = %s, want 220924", loan.TotalOutstanding)
	}

	opsResp := callRPC(t, client, ts.URL, token, "lending_listOperations", map[string]interface{}{"subLoanId": 1})
	var opsResult struct {
		SubLoanID  uint64                  `json:"subLoanId"`
		Operations []lending.OperationView `json:"operations"`
	}
	decodeResult(t, opsResp.Result, &opsResult)
	if len(opsResult.Operations) != 1 {
		t.Fatalf("expected one journal record, got %d", len(opsResult.Operations))
	}
	record := opsResult.Operations[0]
	if record.Kind != "repayment" || record.Status != "applied" || record.Account != borrowerStr {
		t.Fatalf("unexpected journal record: %+v", record)
	}

	// Voiding the applied repayment refunds it and resurrects the sub-loan.
	voidResp := callRPC(t, client, ts.URL, token, "lending_voidOperations", map[string]interface{}{
		"operations": []map[string]interface{}{
			{"subLoanId": 1, "operationId": 1, "counterparty": borrowerStr},
		},
	})
	var voidResult struct {
		Receipts []struct {
			SubLoanID   uint64 `json:"subLoanId"`
			OperationID uint32 `json:"operationId"`
			Outcome     string `json:"outcome"`
		} `json:"receipts"`
	}
	decodeResult(t, voidResp.Result, &voidResult)
	if len(voidResult.Receipts) != 1 || voidResult.Receipts[0].Outcome != "revoked" {
		t.Fatalf("unexpected void receipts: %+v", voidResult.Receipts)
	}

	restored := fetchSubLoanPreview(t, client, ts.URL, token, 1, clock.Load())
	if restored.Status != "ongoing" {
		t.Fatalf("expected resurrected sub-loan, got %q", restored.Status)
	}
	if restored.Outstanding.Cmp(big.NewInt(110_463)) != 0 {
		t.Fatalf("restored outstanding = %s, want 110463", restored.Outstanding)
	}
	if restored.RepaidTotal.Sign() != 0 {
		t.Fatalf("expected zero repaid after void, got %s", restored.RepaidTotal)
	}

	listResp := callRPC(t, client, ts.URL, token, "lending_listSubLoans", map[string]interface{}{"offset": 0, "limit": 10})
	var listResult struct {
		Total    uint64                    `json:"total"`
		SubLoans []*lending.SubLoanPreview `json:"subLoans"`
	}
	decodeResult(t, listResp.Result, &listResult)
	if listResult.Total != 2 || len(listResult.SubLoans) != 2 {
		t.Fatalf("unexpected listing: total=%d entries=%d", listResult.Total, len(listResult.SubLoans))
	}
	if listResult.SubLoans[0].ID != 1 || listResult.SubLoans[1].ID != 2 {
		t.Fatalf("unexpected listing order: %d, %d", listResult.SubLoans[0].ID, listResult.SubLoans[1].ID)
	}

	clock.Store(base + day(12))
	revokeResp := callRPC(t, client, ts.URL, token, "lending_revokeLoan", map[string]interface{}{"firstSubLoanId": 1})
	var revokeResult struct {
		FirstSubLoanID uint64 `json:"firstSubLoanId"`
		Revoked        bool   `json:"revoked"`
	}
	decodeResult(t, revokeResp.Result, &revokeResult)
	if !revokeResult.Revoked {
		t.Fatalf("expected revocation, got %+v", revokeResult)
	}

	revoked := fetchSubLoanPreview(t, client, ts.URL, token, 1, clock.Load())
	if revoked.Status != "revoked" || revoked.Outstanding.Sign() != 0 {
		t.Fatalf("unexpected revoked preview: status=%q outstanding=%s", revoked.Status, revoked.Outstanding)
	}

	statsResp = callRPC(t, client, ts.URL, token, "creditline_getBorrowerStats", map[string]string{"borrower": borrowerStr})
	decodeResult(t, statsResp.Result, &stats)
	if stats.ActiveLoans != 0 || stats.ClosedLoans != 1 || stats.TotalExposure != "0" {
		t.Fatalf("unexpected stats after revoke: %+v", stats)
	}
}

func TestLendingRPCRejections(t *testing.T) {
	token := "test-token"
	t.Setenv("LEDGERD_RPC_TOKEN", token)

	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })

	node, err := core.NewNode(db, core.NodeConfig{PoolAddress: addressWithTag(0xF0)})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	server := rpc.NewServer(node, rpc.ServerConfig{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client := &http.Client{Timeout: 5 * time.Second}
	borrowerStr := addressWithTag(0x22).String()

	takeParams := map[string]interface{}{
		"borrower":  borrowerStr,
		"programId": 1,
		"subLoans": []map[string]interface{}{
			{"borrowedAmount": "50000", "durationDays": 10, "rates": map[string]uint64{}},
		},
	}

	t.Run("write without token", func(t *testing.T) {
		status, resp := postRPC(t, client, ts.URL, "", "lending_takeLoan", takeParams)
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if resp.Error == nil || resp.Error.Code != -32001 {
			t.Fatalf("expected unauthorized error, got %+v", resp.Error)
		}
	})

	t.Run("unrounded repayment", func(t *testing.T) {
		callRPC(t, client, ts.URL, token, "lending_takeLoan", takeParams)
		status, resp := postRPC(t, client, ts.URL, token, "lending_submitOperations", map[string]interface{}{
			"operations": []map[string]interface{}{
				{"subLoanId": 1, "kind": "repayment", "value": "12345"},
			},
		})
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
		if resp.Error == nil || resp.Error.Code != -32602 {
			t.Fatalf("expected invalid params error, got %+v", resp.Error)
		}
	})

	t.Run("unknown sub-loan", func(t *testing.T) {
		status, resp := postRPC(t, client, ts.URL, token, "lending_getSubLoanPreview", map[string]interface{}{"subLoanId": 99})
		if status != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", status)
		}
		if resp.Error == nil || resp.Error.Code != -32004 {
			t.Fatalf("expected not found error, got %+v", resp.Error)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		status, resp := postRPC(t, client, ts.URL, token, "lending_unknown", nil)
		if status != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", status)
		}
		if resp.Error == nil || resp.Error.Code != -32601 {
			t.Fatalf("expected method not found error, got %+v", resp.Error)
		}
	})
}

func fetchSubLoanPreview(t *testing.T, client *http.Client, url, token string, subLoanID, timestamp uint64) *lending.SubLoanPreview {
	t.Helper()
	resp := callRPC(t, client, url, token, "lending_getSubLoanPreview", map[string]interface{}{
		"subLoanId": subLoanID,
		"timestamp": timestamp,
	})
	preview := &lending.SubLoanPreview{}
	decodeResult(t, resp.Result, preview)
	return preview
}

func decodeResult(t *testing.T, raw json.RawMessage, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func callRPC(t *testing.T, client *http.Client, url, token, method string, params interface{}) rpcResponse {
	t.Helper()
	status, parsed := postRPC(t, client, url, token, method, params)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d for method %s", status, method)
	}
	if parsed.Error != nil {
		t.Fatalf("rpc error for %s: %+v", method, parsed.Error)
	}
	return parsed
}

func postRPC(t *testing.T, client *http.Client, url, token, method string, params interface{}) (int, rpcResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{},
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("rpc request: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		t.Fatalf("decode response for %s: %v (%s)", method, err, string(bodyBytes))
	}
	return resp.StatusCode, parsed
}
