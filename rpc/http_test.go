package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cloudwalk/brlc-monorepo-sub002/core"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

const testToken = "test-secret"

func testAddr(suffix byte) crypto.Address {
	payload := make([]byte, crypto.AddressLength)
	payload[crypto.AddressLength-1] = suffix
	return crypto.NewAddress(crypto.BRLCPrefix, payload)
}

// newTestServer spins up a full RPC stack over an in-memory node with a
// controllable clock.
func newTestServer(t *testing.T, cfg ServerConfig) (*httptest.Server, *uint64) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })

	now := lending.DayStart(0)
	node, err := core.NewNode(db, core.NodeConfig{
		PoolAddress:   testAddr(0xF0),
		AddonTreasury: testAddr(0xAA),
		NowFunc:       func() uint64 { return now },
	})
	require.NoError(t, err)

	if cfg.AuthToken == "" {
		cfg.AuthToken = testToken
	}
	server := httptest.NewServer(NewServer(node, cfg).Handler())
	t.Cleanup(server.Close)
	return server, &now
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func rpcCall(t *testing.T, server *httptest.Server, token, method string, params interface{}) (int, rpcEnvelope) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope rpcEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope
}

func decodeResult(t *testing.T, envelope rpcEnvelope, target interface{}) {
	t.Helper()
	require.Nil(t, envelope.Error, "unexpected RPC error: %+v", envelope.Error)
	require.NoError(t, json.Unmarshal(envelope.Result, target))
}

func takeTestLoan(t *testing.T, server *httptest.Server, borrower string) uint64 {
	t.Helper()
	status, envelope := rpcCall(t, server, testToken, "lending_takeLoan", map[string]interface{}{
		"borrower":  borrower,
		"programId": 1,
		"subLoans": []map[string]interface{}{{
			"borrowedAmount": "100000",
			"durationDays":   10,
			"rates":          map[string]uint64{"upToDue": 10_000_000, "postDue": 20_000_000},
		}},
	})
	require.Equal(t, http.StatusOK, status)
	var result takeLoanResult
	decodeResult(t, envelope, &result)
	return result.FirstSubLoanID
}

func TestWriteMethodsRequireAuth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})

	params := map[string]interface{}{"firstSubLoanId": 1}
	status, envelope := rpcCall(t, server, "", "lending_revokeLoan", params)
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeUnauthorized, envelope.Error.Code)

	status, envelope = rpcCall(t, server, "wrong-token", "lending_revokeLoan", params)
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeUnauthorized, envelope.Error.Code)

	status, envelope = rpcCall(t, server, "", "lending_listSubLoans", nil)
	require.Equal(t, http.StatusOK, status)
	var listed listSubLoansResult
	decodeResult(t, envelope, &listed)
	require.Zero(t, listed.Total)
}

func TestLoanLifecycleOverRPC(t *testing.T) {
	server, now := newTestServer(t, ServerConfig{})
	borrower := testAddr(0x01).String()

	firstID := takeTestLoan(t, server, borrower)
	require.Equal(t, uint64(1), firstID)

	*now = lending.DayStart(10)

	type previewResult struct {
		Status             string   `json:"status"`
		Outstanding        *big.Int `json:"outstanding"`
		OutstandingRounded *big.Int `json:"outstandingRounded"`
		RepaidTotal        *big.Int `json:"repaidTotal"`
	}
	status, envelope := rpcCall(t, server, "", "lending_getSubLoanPreview", map[string]interface{}{"subLoanId": firstID})
	require.Equal(t, http.StatusOK, status)
	var preview previewResult
	decodeResult(t, envelope, &preview)
	require.Equal(t, "ongoing", preview.Status)
	require.Equal(t, "110463", preview.Outstanding.String())
	require.Equal(t, "110000", preview.OutstandingRounded.String())

	status, envelope = rpcCall(t, server, testToken, "lending_submitOperations", map[string]interface{}{
		"operations": []map[string]interface{}{{
			"subLoanId": firstID,
			"kind":      "repayment",
			"value":     "110000",
		}},
	})
	require.Equal(t, http.StatusOK, status)
	var submitted submitOperationsResult
	decodeResult(t, envelope, &submitted)
	require.NotEmpty(t, submitted.Batch)
	require.Len(t, submitted.Receipts, 1)
	require.Equal(t, uint32(1), submitted.Receipts[0].OperationID)

	status, envelope = rpcCall(t, server, "", "lending_getSubLoanPreview", map[string]interface{}{"subLoanId": firstID})
	require.Equal(t, http.StatusOK, status)
	decodeResult(t, envelope, &preview)
	require.Equal(t, "repaid", preview.Status)
	require.Zero(t, preview.Outstanding.Sign())
	require.Equal(t, "110463", preview.RepaidTotal.String())

	status, envelope = rpcCall(t, server, "", "creditline_getBorrowerStats", map[string]interface{}{"borrower": borrower})
	require.Equal(t, http.StatusOK, status)
	var stats borrowerStatsResult
	decodeResult(t, envelope, &stats)
	require.Equal(t, uint32(0), stats.ActiveLoans)
	require.Equal(t, uint32(1), stats.ClosedLoans)
	require.Equal(t, "0", stats.TotalExposure)

	status, envelope = rpcCall(t, server, "", "lending_listOperations", map[string]interface{}{"subLoanId": firstID})
	require.Equal(t, http.StatusOK, status)
	var ops listOperationsResult
	decodeResult(t, envelope, &ops)
	require.Len(t, ops.Operations, 1)
	require.Equal(t, "repayment", ops.Operations[0].Kind)
	require.Equal(t, "applied", ops.Operations[0].Status)
	require.Equal(t, borrower, ops.Operations[0].Account)

	status, envelope = rpcCall(t, server, testToken, "lending_voidOperations", map[string]interface{}{
		"operations": []map[string]interface{}{{"subLoanId": firstID, "operationId": 1}},
	})
	require.Equal(t, http.StatusOK, status)
	var voided voidOperationsResult
	decodeResult(t, envelope, &voided)
	require.Len(t, voided.Receipts, 1)
	require.Equal(t, "revoked", voided.Receipts[0].Outcome)

	status, envelope = rpcCall(t, server, "", "lending_getSubLoanPreview", map[string]interface{}{"subLoanId": firstID})
	require.Equal(t, http.StatusOK, status)
	decodeResult(t, envelope, &preview)
	require.Equal(t, "ongoing", preview.Status)
	require.Equal(t, "110463", preview.Outstanding.String())

	status, envelope = rpcCall(t, server, "", "creditline_getBorrowerStats", map[string]interface{}{"borrower": borrower})
	require.Equal(t, http.StatusOK, status)
	decodeResult(t, envelope, &stats)
	require.Equal(t, uint32(1), stats.ActiveLoans)
	require.Equal(t, "100000", stats.TotalExposure)
}

func TestEngineErrorsMapToStatuses(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	borrower := testAddr(0x02).String()
	takeTestLoan(t, server, borrower)

	status, envelope := rpcCall(t, server, "", "lending_getSubLoanPreview", map[string]interface{}{"subLoanId": 99})
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeNotFound, envelope.Error.Code)

	status, envelope = rpcCall(t, server, testToken, "lending_submitOperations", map[string]interface{}{
		"operations": []map[string]interface{}{{
			"subLoanId": 1,
			"kind":      "repayment",
			"value":     "99999999",
		}},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeInvalidParams, envelope.Error.Code)

	status, envelope = rpcCall(t, server, testToken, "lending_submitOperations", map[string]interface{}{
		"operations": []map[string]interface{}{{
			"subLoanId": 1,
			"kind":      "teleportation",
			"value":     "10000",
		}},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeInvalidParams, envelope.Error.Code)

	status, envelope = rpcCall(t, server, testToken, "lending_voidOperations", map[string]interface{}{
		"operations": []map[string]interface{}{{"subLoanId": 1, "operationId": 42}},
	})
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeNotFound, envelope.Error.Code)
}

func TestUnknownMethodRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	status, envelope := rpcCall(t, server, "", "lending_transmogrify", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeMethodNotFound, envelope.Error.Code)
}

func TestOversizedRequestRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{MaxRequestBytes: 256})

	body := `{"jsonrpc":"2.0","id":1,"method":"lending_listSubLoans","params":[{"note":"` +
		strings.Repeat("x", 1024) + `"}]}`
	resp, err := server.Client().Post(server.URL, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestWriteRateLimitThrottles(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{WriteRate: 0.01, WriteBurst: 2})

	params := map[string]interface{}{"firstSubLoanId": 7}
	for i := 0; i < 2; i++ {
		status, envelope := rpcCall(t, server, testToken, "lending_revokeLoan", params)
		require.Equal(t, http.StatusNotFound, status)
		require.NotNil(t, envelope.Error)
	}
	status, envelope := rpcCall(t, server, testToken, "lending_revokeLoan", params)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeRateLimited, envelope.Error.Code)
}

func TestClientSourceHonoursTrustedProxies(t *testing.T) {
	request := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = "10.0.0.1:9000"
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		return r
	}

	plain := NewServer(nil, ServerConfig{AuthToken: testToken})
	require.Equal(t, "10.0.0.1", plain.clientSource(request()))

	trusted := NewServer(nil, ServerConfig{AuthToken: testToken, TrustedProxies: []string{"10.0.0.1"}})
	require.Equal(t, "203.0.113.7", trusted.clientSource(request()))

	open := NewServer(nil, ServerConfig{AuthToken: testToken, TrustProxyHeaders: true})
	require.Equal(t, "203.0.113.7", open.clientSource(request()))
}

func TestEventsWebsocketReplaysFromCursor(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	borrower := testAddr(0x03).String()
	takeTestLoan(t, server, borrower)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL+"/ws/events?cursor=0", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var first core.EventUpdate
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Equal(t, "lending.loan.taken", first.Type)
	require.Equal(t, "1", first.Cursor)

	var second core.EventUpdate
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	require.Equal(t, "lending.loan.opened", second.Type)
	require.Equal(t, "2", second.Cursor)
}

func TestEventsWebsocketRejectsBadCursor(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp, err := server.Client().Get(server.URL + "/ws/events?cursor=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
