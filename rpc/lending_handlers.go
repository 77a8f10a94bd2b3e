package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability"
)

type subLoanSpecParam struct {
	BorrowedAmount string        `json:"borrowedAmount"`
	AddonAmount    string        `json:"addonAmount,omitempty"`
	DurationDays   uint32        `json:"durationDays"`
	Rates          lending.Rates `json:"rates"`
}

type takeLoanParams struct {
	Borrower  string             `json:"borrower"`
	ProgramID uint32             `json:"programId"`
	SubLoans  []subLoanSpecParam `json:"subLoans"`
}

type takeLoanResult struct {
	FirstSubLoanID uint64 `json:"firstSubLoanId"`
	SubLoanCount   int    `json:"subLoanCount"`
}

func (s *Server) handleTakeLoan(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params takeLoanParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	borrower, err := decodeAddress(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	specs := make([]lending.SubLoanSpec, 0, len(params.SubLoans))
	for _, spec := range params.SubLoans {
		borrowed, err := parseAmount(spec.BorrowedAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrowed amount", err.Error())
			return
		}
		converted := lending.SubLoanSpec{
			BorrowedAmount: borrowed,
			DurationDays:   spec.DurationDays,
			Rates:          spec.Rates,
		}
		if spec.AddonAmount != "" {
			addon, err := parseAmount(spec.AddonAmount)
			if err != nil {
				writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid addon amount", err.Error())
				return
			}
			converted.AddonAmount = addon
		}
		specs = append(specs, converted)
	}
	firstID, err := s.node.TakeLoan(lending.TakeLoanRequest{
		Borrower:  borrower,
		ProgramID: params.ProgramID,
		SubLoans:  specs,
	})
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	observability.Ledger().RecordSubLoans(len(specs))
	slog.Info("loan taken", "component", "rpc", "loan", firstID, "installments", len(specs))
	writeResult(w, req.ID, takeLoanResult{FirstSubLoanID: firstID, SubLoanCount: len(specs)})
}

type revokeLoanParams struct {
	FirstSubLoanID uint64 `json:"firstSubLoanId"`
}

type revokeLoanResult struct {
	FirstSubLoanID uint64 `json:"firstSubLoanId"`
	Revoked        bool   `json:"revoked"`
}

func (s *Server) handleRevokeLoan(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params revokeLoanParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	err := s.node.RevokeLoan(params.FirstSubLoanID)
	observability.Ledger().RecordOperation(lending.OperationKindRevocation.String(), err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	slog.Info("loan revoked", "component", "rpc", "loan", params.FirstSubLoanID)
	writeResult(w, req.ID, revokeLoanResult{FirstSubLoanID: params.FirstSubLoanID, Revoked: true})
}

type operationParam struct {
	SubLoanID    uint64 `json:"subLoanId"`
	Kind         string `json:"kind"`
	Timestamp    uint64 `json:"timestamp,omitempty"`
	Value        string `json:"value"`
	Counterparty string `json:"counterparty,omitempty"`
}

type submitOperationsParams struct {
	Operations []operationParam `json:"operations"`
}

type operationReceiptResult struct {
	SubLoanID   uint64 `json:"subLoanId"`
	OperationID uint32 `json:"operationId"`
}

type submitOperationsResult struct {
	Batch    string                   `json:"batch"`
	Receipts []operationReceiptResult `json:"receipts"`
}

func (s *Server) handleSubmitOperations(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params submitOperationsParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	requests := make([]lending.OperationRequest, 0, len(params.Operations))
	kinds := make([]string, 0, len(params.Operations))
	for _, op := range params.Operations {
		kind, err := lending.ParseOperationKind(op.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		value, err := parseAmount(op.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid operation value", err.Error())
			return
		}
		converted := lending.OperationRequest{
			SubLoanID: op.SubLoanID,
			Kind:      kind,
			Timestamp: op.Timestamp,
			Value:     value,
		}
		if op.Counterparty != "" {
			counterparty, err := decodeAddress(op.Counterparty)
			if err != nil {
				writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid counterparty address", err.Error())
				return
			}
			converted.Counterparty = counterparty
		}
		requests = append(requests, converted)
		kinds = append(kinds, kind.String())
	}
	receipts, err := s.node.SubmitOperations(requests)
	for _, kind := range kinds {
		observability.Ledger().RecordOperation(kind, err)
	}
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	batch := uuid.NewString()
	results := make([]operationReceiptResult, 0, len(receipts))
	for _, receipt := range receipts {
		results = append(results, operationReceiptResult{
			SubLoanID:   receipt.SubLoanID,
			OperationID: receipt.OperationID,
		})
	}
	slog.Info("operations submitted", "component", "rpc", "batch", batch, "operations", len(results))
	writeResult(w, req.ID, submitOperationsResult{Batch: batch, Receipts: results})
}

type voidOperationParam struct {
	SubLoanID    uint64 `json:"subLoanId"`
	OperationID  uint32 `json:"operationId"`
	Counterparty string `json:"counterparty,omitempty"`
}

type voidOperationsParams struct {
	Operations []voidOperationParam `json:"operations"`
}

type voidReceiptResult struct {
	SubLoanID   uint64 `json:"subLoanId"`
	OperationID uint32 `json:"operationId"`
	Outcome     string `json:"outcome"`
}

type voidOperationsResult struct {
	Batch    string              `json:"batch"`
	Receipts []voidReceiptResult `json:"receipts"`
}

func (s *Server) handleVoidOperations(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params voidOperationsParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	requests := make([]lending.VoidRequest, 0, len(params.Operations))
	for _, op := range params.Operations {
		converted := lending.VoidRequest{
			SubLoanID:   op.SubLoanID,
			OperationID: op.OperationID,
		}
		if op.Counterparty != "" {
			counterparty, err := decodeAddress(op.Counterparty)
			if err != nil {
				writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid counterparty address", err.Error())
				return
			}
			converted.Counterparty = counterparty
		}
		requests = append(requests, converted)
	}
	receipts, err := s.node.VoidOperations(requests)
	for range requests {
		observability.Ledger().RecordOperation("void", err)
	}
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	batch := uuid.NewString()
	results := make([]voidReceiptResult, 0, len(receipts))
	for _, receipt := range receipts {
		results = append(results, voidReceiptResult{
			SubLoanID:   receipt.SubLoanID,
			OperationID: receipt.OperationID,
			Outcome:     receipt.Outcome,
		})
	}
	slog.Info("operations voided", "component", "rpc", "batch", batch, "operations", len(results))
	writeResult(w, req.ID, voidOperationsResult{Batch: batch, Receipts: results})
}

type subLoanPreviewParams struct {
	SubLoanID         uint64 `json:"subLoanId"`
	Timestamp         uint64 `json:"timestamp,omitempty"`
	IncludeOperations bool   `json:"includeOperations,omitempty"`
}

func (s *Server) handleGetSubLoanPreview(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params subLoanPreviewParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	var flags lending.PreviewFlags
	if params.IncludeOperations {
		flags |= lending.PreviewFlagOperations
	}
	preview, err := s.node.SubLoanPreview(params.SubLoanID, params.Timestamp, flags)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, preview)
}

type loanPreviewParams struct {
	FirstSubLoanID    uint64 `json:"firstSubLoanId"`
	Timestamp         uint64 `json:"timestamp,omitempty"`
	IncludeOperations bool   `json:"includeOperations,omitempty"`
}

func (s *Server) handleGetLoanPreview(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params loanPreviewParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	var flags lending.PreviewFlags
	if params.IncludeOperations {
		flags |= lending.PreviewFlagOperations
	}
	preview, err := s.node.LoanPreview(params.FirstSubLoanID, params.Timestamp, flags)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, preview)
}

type listOperationsParams struct {
	SubLoanID uint64 `json:"subLoanId"`
}

type listOperationsResult struct {
	SubLoanID  uint64                  `json:"subLoanId"`
	Operations []lending.OperationView `json:"operations"`
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listOperationsParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	operations, err := s.node.ListOperations(params.SubLoanID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listOperationsResult{SubLoanID: params.SubLoanID, Operations: operations})
}

type listSubLoansParams struct {
	Offset uint64 `json:"offset,omitempty"`
	Limit  uint32 `json:"limit,omitempty"`
}

type listSubLoansResult struct {
	Total    uint64                    `json:"total"`
	SubLoans []*lending.SubLoanPreview `json:"subLoans"`
}

func (s *Server) handleListSubLoans(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listSubLoansParams
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected at most one params object", nil)
		return
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params payload", err.Error())
			return
		}
	}
	previews, total, err := s.node.ListSubLoans(params.Offset, params.Limit)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if previews == nil {
		previews = []*lending.SubLoanPreview{}
	}
	writeResult(w, req.ID, listSubLoansResult{Total: total, SubLoans: previews})
}

type borrowerStatsParams struct {
	Borrower string `json:"borrower"`
}

type borrowerStatsResult struct {
	Borrower      string `json:"borrower"`
	ActiveLoans   uint32 `json:"activeLoans"`
	ClosedLoans   uint32 `json:"closedLoans"`
	TotalExposure string `json:"totalExposure"`
}

func (s *Server) handleGetBorrowerStats(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params borrowerStatsParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	borrower, err := decodeAddress(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	stats, err := s.node.BorrowerStats(borrower)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	result := borrowerStatsResult{
		Borrower:    stats.Borrower.String(),
		ActiveLoans: stats.ActiveLoans,
		ClosedLoans: stats.ClosedLoans,
	}
	if stats.TotalExposure != nil {
		result.TotalExposure = stats.TotalExposure.String()
	} else {
		result.TotalExposure = "0"
	}
	writeResult(w, req.ID, result)
}

// decodeSingleParam unmarshals the single positional params object shared by
// every method that takes arguments.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, target interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected exactly one params object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], target); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params payload", err.Error())
		return false
	}
	return true
}
