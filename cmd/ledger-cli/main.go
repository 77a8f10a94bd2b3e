package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwalk/brlc-monorepo-sub002/cmd/internal/token"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var tokenSource = token.NewSource("LEDGERD_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "take":
		if len(args) < 4 {
			fmt.Println("Usage: take <borrower> <programId> <subLoansJSON>")
			return
		}
		takeLoan(args[1], args[2], args[3])
	case "revoke":
		if len(args) < 2 {
			fmt.Println("Usage: revoke <firstSubLoanId>")
			return
		}
		revokeLoan(args[1])
	case "repay":
		if len(args) < 3 {
			fmt.Println("Usage: repay <subLoanId> <amount> [counterparty]")
			return
		}
		counterparty := ""
		if len(args) > 3 {
			counterparty = args[3]
		}
		repay(args[1], args[2], counterparty)
	case "submit":
		if len(args) < 2 {
			fmt.Println("Usage: submit <operationsJSON>")
			return
		}
		submitOperations(args[1])
	case "void":
		if len(args) < 3 {
			fmt.Println("Usage: void <subLoanId> <operationId> [counterparty]")
			return
		}
		counterparty := ""
		if len(args) > 3 {
			counterparty = args[3]
		}
		voidOperation(args[1], args[2], counterparty)
	case "preview":
		if len(args) < 2 {
			fmt.Println("Usage: preview <subLoanId> [timestamp]")
			return
		}
		timestamp := "0"
		if len(args) > 2 {
			timestamp = args[2]
		}
		previewSubLoan(args[1], timestamp)
	case "loan":
		if len(args) < 2 {
			fmt.Println("Usage: loan <firstSubLoanId> [timestamp]")
			return
		}
		timestamp := "0"
		if len(args) > 2 {
			timestamp = args[2]
		}
		previewLoan(args[1], timestamp)
	case "operations":
		if len(args) < 2 {
			fmt.Println("Usage: operations <subLoanId>")
			return
		}
		listOperations(args[1])
	case "list":
		offset, limit := "0", "50"
		if len(args) > 1 {
			offset = args[1]
		}
		if len(args) > 2 {
			limit = args[2]
		}
		listSubLoans(offset, limit)
	case "stats":
		if len(args) < 2 {
			fmt.Println("Usage: stats <borrower>")
			return
		}
		borrowerStats(args[1])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func parseID(value, what string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid %s %q\n", what, value)
		return 0, false
	}
	return id, true
}

func takeLoan(borrower, programID, subLoansJSON string) {
	program, ok := parseID(programID, "program id")
	if !ok {
		return
	}
	var subLoans json.RawMessage
	if err := json.Unmarshal([]byte(subLoansJSON), &subLoans); err != nil {
		fmt.Printf("Invalid sub-loans JSON: %v\n", err)
		return
	}
	param := map[string]interface{}{
		"borrower":  borrower,
		"programId": program,
		"subLoans":  subLoans,
	}
	result, err := callRPC("lending_takeLoan", param, true)
	if err != nil {
		fmt.Printf("Error taking loan: %v\n", err)
		return
	}
	var taken struct {
		FirstSubLoanID uint64 `json:"firstSubLoanId"`
		SubLoanCount   int    `json:"subLoanCount"`
	}
	if err := json.Unmarshal(result, &taken); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Loan taken: first sub-loan %d (%d installments)\n", taken.FirstSubLoanID, taken.SubLoanCount)
}

func revokeLoan(firstID string) {
	id, ok := parseID(firstID, "sub-loan id")
	if !ok {
		return
	}
	if _, err := callRPC("lending_revokeLoan", map[string]interface{}{"firstSubLoanId": id}, true); err != nil {
		fmt.Printf("Error revoking loan: %v\n", err)
		return
	}
	fmt.Printf("Loan %d revoked.\n", id)
}

func repay(subLoanID, amount, counterparty string) {
	id, ok := parseID(subLoanID, "sub-loan id")
	if !ok {
		return
	}
	op := map[string]interface{}{
		"subLoanId": id,
		"kind":      "repayment",
		"value":     strings.TrimSpace(amount),
	}
	if strings.TrimSpace(counterparty) != "" {
		op["counterparty"] = strings.TrimSpace(counterparty)
	}
	result, err := callRPC("lending_submitOperations", map[string]interface{}{
		"operations": []interface{}{op},
	}, true)
	if err != nil {
		fmt.Printf("Error submitting repayment: %v\n", err)
		return
	}
	printJSONResult(result)
}

func submitOperations(operationsJSON string) {
	var operations json.RawMessage
	if err := json.Unmarshal([]byte(operationsJSON), &operations); err != nil {
		fmt.Printf("Invalid operations JSON: %v\n", err)
		return
	}
	result, err := callRPC("lending_submitOperations", map[string]interface{}{"operations": operations}, true)
	if err != nil {
		fmt.Printf("Error submitting operations: %v\n", err)
		return
	}
	printJSONResult(result)
}

func voidOperation(subLoanID, operationID, counterparty string) {
	id, ok := parseID(subLoanID, "sub-loan id")
	if !ok {
		return
	}
	opID, ok := parseID(operationID, "operation id")
	if !ok {
		return
	}
	op := map[string]interface{}{"subLoanId": id, "operationId": opID}
	if strings.TrimSpace(counterparty) != "" {
		op["counterparty"] = strings.TrimSpace(counterparty)
	}
	result, err := callRPC("lending_voidOperations", map[string]interface{}{
		"operations": []interface{}{op},
	}, true)
	if err != nil {
		fmt.Printf("Error voiding operation: %v\n", err)
		return
	}
	printJSONResult(result)
}

func previewSubLoan(subLoanID, timestamp string) {
	id, ok := parseID(subLoanID, "sub-loan id")
	if !ok {
		return
	}
	ts, ok := parseID(timestamp, "timestamp")
	if !ok {
		return
	}
	result, err := callRPC("lending_getSubLoanPreview", map[string]interface{}{
		"subLoanId":         id,
		"timestamp":         ts,
		"includeOperations": true,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching preview: %v\n", err)
		return
	}
	printJSONResult(result)
}

func previewLoan(firstID, timestamp string) {
	id, ok := parseID(firstID, "sub-loan id")
	if !ok {
		return
	}
	ts, ok := parseID(timestamp, "timestamp")
	if !ok {
		return
	}
	result, err := callRPC("lending_getLoanPreview", map[string]interface{}{
		"firstSubLoanId": id,
		"timestamp":      ts,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching loan preview: %v\n", err)
		return
	}
	printJSONResult(result)
}

func listOperations(subLoanID string) {
	id, ok := parseID(subLoanID, "sub-loan id")
	if !ok {
		return
	}
	result, err := callRPC("lending_listOperations", map[string]interface{}{"subLoanId": id}, false)
	if err != nil {
		fmt.Printf("Error listing operations: %v\n", err)
		return
	}
	printJSONResult(result)
}

func listSubLoans(offset, limit string) {
	off, ok := parseID(offset, "offset")
	if !ok {
		return
	}
	lim, ok := parseID(limit, "limit")
	if !ok {
		return
	}
	result, err := callRPC("lending_listSubLoans", map[string]interface{}{
		"offset": off,
		"limit":  lim,
	}, false)
	if err != nil {
		fmt.Printf("Error listing sub-loans: %v\n", err)
		return
	}
	printJSONResult(result)
}

func borrowerStats(borrower string) {
	result, err := callRPC("creditline_getBorrowerStats", map[string]interface{}{"borrower": borrower}, false)
	if err != nil {
		fmt.Printf("Error fetching borrower stats: %v\n", err)
		return
	}
	printJSONResult(result)
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		value, err := tokenSource.Get()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

func printUsage() {
	fmt.Println("Usage: ledger-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Write commands need the RPC token; set LEDGERD_RPC_TOKEN or enter it when prompted.")
	fmt.Println("Sub-loan specs and operation batches are passed as JSON, for example:")
	fmt.Println(`  take brlc1... 7 '[{"borrowedAmount":"100000","durationDays":10,"rates":{"upToDue":10000000}}]'`)
	fmt.Println(`  submit '[{"subLoanId":1,"kind":"repayment","value":"10000"}]'`)
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  take <borrower> <programId> <subLoansJSON>  - Takes a loan with the given installments")
	fmt.Println("  revoke <firstSubLoanId>                     - Revokes a whole loan")
	fmt.Println("  repay <subLoanId> <amount> [counterparty]   - Submits a single repayment")
	fmt.Println("  submit <operationsJSON>                     - Submits a batch of journal operations")
	fmt.Println("  void <subLoanId> <operationId> [counterparty] - Voids one journal operation")
	fmt.Println("  preview <subLoanId> [timestamp]             - Previews a sub-loan (0 now, 1 tracked)")
	fmt.Println("  loan <firstSubLoanId> [timestamp]           - Previews a whole loan")
	fmt.Println("  operations <subLoanId>                      - Lists the journal of a sub-loan")
	fmt.Println("  list [offset] [limit]                       - Pages through all sub-loans")
	fmt.Println("  stats <borrower>                            - Shows the borrower's credit-line stats")
}
