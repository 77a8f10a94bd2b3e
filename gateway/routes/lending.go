package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/client"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/middleware"
	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/store"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability"
)

const (
	maxRequestBody       = 1 << 20 // 1 MiB
	headerIdempotencyKey = "Idempotency-Key"
)

type handlers struct {
	client *client.Client
	store  *store.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

type takeLoanBody struct {
	Borrower  string               `json:"borrower"`
	ProgramID uint32               `json:"programId"`
	SubLoans  []client.SubLoanSpec `json:"subLoans"`
}

func (h *handlers) takeLoan(w http.ResponseWriter, r *http.Request) {
	h.serveWrite(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		var req takeLoanBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequestf("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Borrower) == "" {
			return nil, badRequestf("borrower required")
		}
		if len(req.SubLoans) == 0 {
			return nil, badRequestf("subLoans required")
		}
		return h.client.TakeLoan(ctx, client.TakeLoanRequest{
			Borrower:  req.Borrower,
			ProgramID: req.ProgramID,
			SubLoans:  req.SubLoans,
		})
	})
}

func (h *handlers) revokeLoan(w http.ResponseWriter, r *http.Request) {
	firstID, err := parseUintParam(r, "firstID")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	h.serveWrite(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		return h.client.RevokeLoan(ctx, firstID)
	})
}

type submitOperationsBody struct {
	Operations []client.Operation `json:"operations"`
}

func (h *handlers) submitOperations(w http.ResponseWriter, r *http.Request) {
	subLoanID, err := parseUintParam(r, "subLoanID")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	h.serveWrite(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		var req submitOperationsBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequestf("invalid JSON payload: %v", err)
		}
		if len(req.Operations) == 0 {
			return nil, badRequestf("operations required")
		}
		for i := range req.Operations {
			if req.Operations[i].SubLoanID != 0 && req.Operations[i].SubLoanID != subLoanID {
				return nil, badRequestf("operation %d targets sub-loan %d, path targets %d", i, req.Operations[i].SubLoanID, subLoanID)
			}
			req.Operations[i].SubLoanID = subLoanID
		}
		return h.client.SubmitOperations(ctx, req.Operations)
	})
}

func (h *handlers) voidOperation(w http.ResponseWriter, r *http.Request) {
	subLoanID, err := parseUintParam(r, "subLoanID")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	rawOpID := chi.URLParam(r, "operationID")
	operationID, err := strconv.ParseUint(rawOpID, 10, 32)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid operationID %q", rawOpID), nil)
		return
	}
	counterparty := strings.TrimSpace(r.URL.Query().Get("counterparty"))
	h.serveWrite(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		return h.client.VoidOperations(ctx, []client.VoidRequest{{
			SubLoanID:    subLoanID,
			OperationID:  uint32(operationID),
			Counterparty: counterparty,
		}})
	})
}

func (h *handlers) subLoanPreview(w http.ResponseWriter, r *http.Request) {
	subLoanID, err := parseUintParam(r, "subLoanID")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	timestamp, includeOps, err := previewQuery(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	preview, err := h.client.SubLoanPreview(r.Context(), subLoanID, timestamp, includeOps)
	if err != nil {
		h.writeNodeError(w, r, err, nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, preview, nil)
}

func (h *handlers) loanPreview(w http.ResponseWriter, r *http.Request) {
	firstID, err := parseUintParam(r, "firstID")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	timestamp, includeOps, err := previewQuery(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	preview, err := h.client.LoanPreview(r.Context(), firstID, timestamp, includeOps)
	if err != nil {
		h.writeNodeError(w, r, err, nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, preview, nil)
}

// serveWrite runs the idempotency protocol around a node write: unseen keys
// execute and store their response, replays return the stored bytes without
// touching the node, and key reuse with a different payload is a conflict.
func (h *handlers) serveWrite(w http.ResponseWriter, r *http.Request, invoke func(ctx context.Context, body []byte) (interface{}, error)) {
	body, err := readBody(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		h.writeError(w, r, status, err, nil)
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("missing Idempotency-Key header"), body)
		return
	}
	digest := store.RequestDigest(r.Method, canonicalRequestPath(r), body)
	cached, err := h.store.LookupIdempotency(r.Context(), key, digest)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrIdempotencyConflict) {
			status = http.StatusConflict
		}
		h.writeError(w, r, status, err, body)
		return
	}
	if cached != nil {
		observability.Gateway().RecordIdempotentReplay()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		h.audit(r, body, cached.Body, cached.Status)
		return
	}
	result, err := invoke(r.Context(), body)
	if err != nil {
		h.writeNodeError(w, r, err, body)
		return
	}
	respBody, err := json.Marshal(result)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err, body)
		return
	}
	if err := h.store.SaveIdempotency(r.Context(), key, digest, http.StatusOK, respBody); err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err, body)
		return
	}
	h.writeJSONBytes(w, r, http.StatusOK, respBody, body)
}

type badRequestError struct {
	message string
}

func (e *badRequestError) Error() string { return e.message }

func badRequestf(format string, args ...interface{}) error {
	return &badRequestError{message: fmt.Sprintf(format, args...)}
}

// writeNodeError translates a node failure onto the REST surface. Statuses
// the node assigns to caller mistakes pass through; everything else is an
// upstream fault and reads as 502 so operators do not chase gateway bugs.
func (h *handlers) writeNodeError(w http.ResponseWriter, r *http.Request, err error, reqBody []byte) {
	var reqErr *badRequestError
	if errors.As(err, &reqErr) {
		h.writeError(w, r, http.StatusBadRequest, err, reqBody)
		return
	}
	var rpcErr *client.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.HTTPStatus {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
			h.writeError(w, r, rpcErr.HTTPStatus, errors.New(rpcErr.Message), reqBody)
			return
		}
		h.logger.Error("node rejected request", "component", "gateway", "code", rpcErr.Code, "error", rpcErr.Message)
		h.writeError(w, r, http.StatusBadGateway, errors.New(rpcErr.Message), reqBody)
		return
	}
	h.logger.Error("node unreachable", "component", "gateway", "error", err)
	h.writeError(w, r, http.StatusBadGateway, err, reqBody)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(reader)
}

func (h *handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}, reqBody []byte) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err, reqBody)
		return
	}
	h.writeJSONBytes(w, r, status, body, reqBody)
}

func (h *handlers) writeJSONBytes(w http.ResponseWriter, r *http.Request, status int, body []byte, reqBody []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	h.audit(r, reqBody, body, status)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, status int, err error, reqBody []byte) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	h.audit(r, reqBody, body, status)
}

func (h *handlers) audit(r *http.Request, requestBody, responseBody []byte, status int) {
	principal := middleware.Principal(r.Context())
	if principal == "" {
		principal = "anonymous"
	}
	entry := store.AuditEntry{
		Principal:      principal,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    requestBody,
		ResponseStatus: status,
		ResponseBody:   responseBody,
		Timestamp:      h.nowFn().UTC(),
	}
	if err := h.store.InsertAudit(r.Context(), entry); err != nil {
		h.logger.Error("audit insert failed", "component", "gateway", "error", err)
	}
}

func parseUintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return value, nil
}

func previewQuery(r *http.Request) (timestamp uint64, includeOps bool, err error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("timestamp")); raw != "" {
		timestamp, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid timestamp %q", raw)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("operations")); raw != "" {
		includeOps, err = strconv.ParseBool(raw)
		if err != nil {
			return 0, false, fmt.Errorf("invalid operations flag %q", raw)
		}
	}
	return timestamp, includeOps, nil
}

func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}
