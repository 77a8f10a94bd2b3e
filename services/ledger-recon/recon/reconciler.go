package recon

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/cloudwalk/brlc-monorepo-sub002/gateway/client"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability"
)

// Checks performed against every sub-loan during a sweep.
const (
	CheckBucketConservation = "bucket_conservation"
	CheckOutstandingSum     = "outstanding_sum"
	CheckJournalOrder       = "journal_order"
	CheckRevocationTerminus = "revocation_terminus"
	CheckStatusBuckets      = "status_buckets"
	CheckPreviewDrift       = "preview_drift"
)

// Source exposes the slice of the node's read API the sweep consumes. The
// JSON-RPC client in gateway/client satisfies it.
type Source interface {
	ListSubLoans(ctx context.Context, offset uint64, limit uint32) (*client.ListSubLoansResult, error)
	SubLoanPreview(ctx context.Context, subLoanID, timestamp uint64, includeOperations bool) (*lending.SubLoanPreview, error)
}

// AlertFunc is invoked for every anomaly detected during a sweep.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	Source    Source
	OutputDir string
	PageSize  uint32
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *log.Logger
	Metrics   *observability.ReconcilerMetrics
}

// Reconciler sweeps the ledger through its public read API and rechecks the
// invariants the engine is supposed to uphold: bucket conservation, journal
// ordering, revocation terminality and preview idempotence.
type Reconciler struct {
	db        *gorm.DB
	source    Source
	outputDir string
	pageSize  uint32
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *log.Logger
	metrics   *observability.ReconcilerMetrics
}

// Anomaly captures one invariant violation requiring operator review.
type Anomaly struct {
	SubLoanID uint64
	Check     string
	Details   string
}

// PositionRow is the snapshot of one sub-loan at its tracked timestamp.
// Amounts stay decimal strings so base units survive any column width.
type PositionRow struct {
	SubLoanID          uint64
	Borrower           string
	ProgramID          uint32
	Status             string
	InstallmentIndex   uint16
	InstallmentCount   uint16
	StartTimestamp     uint64
	TrackedTimestamp   uint64
	PendingTimestamp   uint64
	FreezeTimestamp    uint64
	DurationDays       uint32
	DueTimestamp       uint64
	BorrowedAmount     string
	AddonAmount        string
	PrincipalTracked   string
	PrincipalRepaid    string
	PrincipalDiscount  string
	UpToDueTracked     string
	PostDueTracked     string
	MoratoryTracked    string
	LateFeeTracked     string
	ClawbackTracked    string
	Outstanding        string
	OutstandingRounded string
	RepaidTotal        string
	OperationCount     uint32
	UpdateCounter      uint64
}

// Result summarises one sweep.
type Result struct {
	RunID        uuid.UUID
	StartedAt    time.Time
	FinishedAt   time.Time
	SubLoans     int64
	Positions    []*PositionRow
	Anomalies    []Anomaly
	Outcome      string
	SnapshotPath string
	ReportPath   string
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Source == nil {
		return nil, errors.New("recon: source is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("ledger-data-local", "recon")
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = 256
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:        cfg.DB,
		source:    cfg.Source,
		outputDir: outputDir,
		pageSize:  pageSize,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Run executes one full sweep over every sub-loan the node reports.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	started := r.now().UTC()
	result := &Result{RunID: uuid.New(), StartedAt: started}

	sweepErr := r.sweep(ctx, result)
	result.FinishedAt = r.now().UTC()

	switch {
	case sweepErr != nil:
		result.Outcome = OutcomeError
	case len(result.Anomalies) > 0:
		result.Outcome = OutcomeAnomalies
	default:
		result.Outcome = OutcomeClean
	}

	if sweepErr == nil && !r.dryRun {
		if err := r.writeArtifacts(result); err != nil {
			sweepErr = err
			result.Outcome = OutcomeError
		}
	}
	if err := r.persistRun(result, sweepErr); err != nil {
		r.logger.Printf("recon: persist run %s: %v", result.RunID, err)
	}
	r.metrics.ObserveSweep(result.FinishedAt.Sub(result.StartedAt), sweepErr)

	if sweepErr != nil {
		return result, sweepErr
	}
	r.logger.Printf("recon: sweep %s finished outcome=%s subloans=%d anomalies=%d",
		result.RunID, result.Outcome, result.SubLoans, len(result.Anomalies))
	return result, nil
}

func (r *Reconciler) sweep(ctx context.Context, result *Result) error {
	var offset uint64
	for {
		page, err := r.source.ListSubLoans(ctx, offset, r.pageSize)
		if err != nil {
			return fmt.Errorf("recon: list sub-loans at offset %d: %w", offset, err)
		}
		for _, preview := range page.SubLoans {
			if preview == nil {
				continue
			}
			if err := r.checkSubLoan(ctx, preview.ID, result); err != nil {
				return err
			}
			result.SubLoans++
		}
		offset += uint64(len(page.SubLoans))
		if offset >= page.Total || len(page.SubLoans) == 0 {
			return nil
		}
	}
}

// checkSubLoan previews one sub-loan twice at its tracked timestamp and runs
// every invariant check against the projection. Previewing twice is itself
// the idempotence check: a read must never move persisted state, so the two
// replies have to be byte-identical.
func (r *Reconciler) checkSubLoan(ctx context.Context, subLoanID uint64, result *Result) error {
	first, err := r.source.SubLoanPreview(ctx, subLoanID, lending.PreviewAtTracked, true)
	if err != nil {
		return fmt.Errorf("recon: preview sub-loan %d: %w", subLoanID, err)
	}
	second, err := r.source.SubLoanPreview(ctx, subLoanID, lending.PreviewAtTracked, true)
	if err != nil {
		return fmt.Errorf("recon: re-preview sub-loan %d: %w", subLoanID, err)
	}
	if drift := previewDrift(first, second); drift != "" {
		r.report(ctx, result, Anomaly{SubLoanID: subLoanID, Check: CheckPreviewDrift, Details: drift})
	}

	r.checkBuckets(ctx, first, result)
	r.checkJournal(ctx, first, result)
	result.Positions = append(result.Positions, positionRow(first))
	return nil
}

func (r *Reconciler) checkBuckets(ctx context.Context, preview *lending.SubLoanPreview, result *Result) {
	principalSplit := bucketTotal(preview.Principal)
	inception := new(big.Int).Add(amountOrZero(preview.BorrowedAmount), amountOrZero(preview.AddonAmount))
	if principalSplit.Cmp(inception) != 0 {
		r.report(ctx, result, Anomaly{
			SubLoanID: preview.ID,
			Check:     CheckBucketConservation,
			Details:   fmt.Sprintf("principal tracked+repaid+discount %s != borrowed+addon %s", principalSplit, inception),
		})
	}

	trackedSum := big.NewInt(0)
	for _, bucket := range []lending.BucketView{
		preview.Principal, preview.UpToDue, preview.PostDue,
		preview.Moratory, preview.LateFee, preview.Clawback,
	} {
		trackedSum.Add(trackedSum, amountOrZero(bucket.Tracked))
	}
	if trackedSum.Cmp(amountOrZero(preview.Outstanding)) != 0 {
		r.report(ctx, result, Anomaly{
			SubLoanID: preview.ID,
			Check:     CheckOutstandingSum,
			Details:   fmt.Sprintf("sum of tracked buckets %s != reported outstanding %s", trackedSum, preview.Outstanding),
		})
	}

	switch preview.Status {
	case lending.SubLoanStatusRevoked.String():
		if trackedSum.Sign() != 0 {
			r.report(ctx, result, Anomaly{
				SubLoanID: preview.ID,
				Check:     CheckStatusBuckets,
				Details:   fmt.Sprintf("revoked sub-loan still tracks %s outstanding", trackedSum),
			})
		}
	case lending.SubLoanStatusRepaid.String():
		if trackedSum.Sign() != 0 {
			r.report(ctx, result, Anomaly{
				SubLoanID: preview.ID,
				Check:     CheckStatusBuckets,
				Details:   fmt.Sprintf("repaid sub-loan still tracks %s outstanding", trackedSum),
			})
		}
	}
}

func (r *Reconciler) checkJournal(ctx context.Context, preview *lending.SubLoanPreview, result *Result) {
	operations := preview.Operations
	ordered := sort.SliceIsSorted(operations, func(i, j int) bool {
		if operations[i].Timestamp != operations[j].Timestamp {
			return operations[i].Timestamp < operations[j].Timestamp
		}
		return operations[i].ID < operations[j].ID
	})
	if !ordered {
		r.report(ctx, result, Anomaly{
			SubLoanID: preview.ID,
			Check:     CheckJournalOrder,
			Details:   "journal not ordered by (timestamp, id)",
		})
	}

	revocationSeen := false
	for _, op := range operations {
		active := op.Status == lending.OperationStatusPending.String() ||
			op.Status == lending.OperationStatusApplied.String()
		if revocationSeen && active {
			r.report(ctx, result, Anomaly{
				SubLoanID: preview.ID,
				Check:     CheckRevocationTerminus,
				Details:   fmt.Sprintf("active operation %d follows a revocation", op.ID),
			})
		}
		if op.Kind == lending.OperationKindRevocation.String() && active {
			revocationSeen = true
		}
	}
}

func (r *Reconciler) report(ctx context.Context, result *Result, anomaly Anomaly) {
	result.Anomalies = append(result.Anomalies, anomaly)
	r.metrics.RecordAnomaly(anomaly.Check)
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Printf("recon: alert delivery failed: %v", err)
		}
	}
}

func (r *Reconciler) writeArtifacts(result *Result) error {
	runDir := filepath.Join(r.outputDir, result.StartedAt.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("recon: ensure output dir: %w", err)
	}
	snapshotPath := filepath.Join(runDir, "positions.parquet")
	if err := writeSnapshot(snapshotPath, result.Positions); err != nil {
		return err
	}
	reportPath := filepath.Join(runDir, "anomalies.csv")
	if err := writeAnomalyReport(reportPath, result.RunID, result.StartedAt, result.Anomalies); err != nil {
		return err
	}
	result.SnapshotPath = snapshotPath
	result.ReportPath = reportPath
	r.logger.Printf("recon: wrote %s (%d rows)", snapshotPath, len(result.Positions))
	r.logger.Printf("recon: wrote %s (%d rows)", reportPath, len(result.Anomalies))
	return nil
}

func (r *Reconciler) persistRun(result *Result, sweepErr error) error {
	if r.db == nil {
		return nil
	}
	record := RunRecord{
		ID:              result.RunID,
		StartedAt:       result.StartedAt,
		FinishedAt:      result.FinishedAt,
		SubLoansChecked: result.SubLoans,
		AnomalyCount:    int64(len(result.Anomalies)),
		Outcome:         result.Outcome,
		DryRun:          r.dryRun,
		SnapshotPath:    result.SnapshotPath,
		ReportPath:      result.ReportPath,
	}
	if sweepErr != nil {
		record.Error = sweepErr.Error()
	}
	if err := r.db.Create(&record).Error; err != nil {
		return fmt.Errorf("recon: save run record: %w", err)
	}
	for _, anomaly := range result.Anomalies {
		row := AnomalyRecord{
			ID:        uuid.New(),
			RunID:     result.RunID,
			SubLoanID: anomaly.SubLoanID,
			Check:     anomaly.Check,
			Details:   anomaly.Details,
			CreatedAt: result.FinishedAt,
		}
		if err := r.db.Create(&row).Error; err != nil {
			return fmt.Errorf("recon: save anomaly record: %w", err)
		}
	}
	return nil
}

// previewDrift compares two projections of the same sub-loan taken at its
// tracked timestamp. It returns a description of the first difference, or an
// empty string when the projections match.
func previewDrift(first, second *lending.SubLoanPreview) string {
	if first.TrackedTimestamp != second.TrackedTimestamp {
		return fmt.Sprintf("tracked timestamp moved %d -> %d between previews",
			first.TrackedTimestamp, second.TrackedTimestamp)
	}
	if first.UpdateCounter != second.UpdateCounter {
		return fmt.Sprintf("update counter moved %d -> %d between previews",
			first.UpdateCounter, second.UpdateCounter)
	}
	a, err := json.Marshal(first)
	if err != nil {
		return fmt.Sprintf("encode first preview: %v", err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		return fmt.Sprintf("encode second preview: %v", err)
	}
	if string(a) != string(b) {
		return "consecutive previews returned different projections"
	}
	return ""
}

func positionRow(preview *lending.SubLoanPreview) *PositionRow {
	return &PositionRow{
		SubLoanID:          preview.ID,
		Borrower:           preview.Borrower,
		ProgramID:          preview.ProgramID,
		Status:             preview.Status,
		InstallmentIndex:   preview.InstallmentIndex,
		InstallmentCount:   preview.InstallmentCount,
		StartTimestamp:     preview.StartTimestamp,
		TrackedTimestamp:   preview.TrackedTimestamp,
		PendingTimestamp:   preview.PendingTimestamp,
		FreezeTimestamp:    preview.FreezeTimestamp,
		DurationDays:       preview.DurationDays,
		DueTimestamp:       preview.DueTimestamp,
		BorrowedAmount:     amountString(preview.BorrowedAmount),
		AddonAmount:        amountString(preview.AddonAmount),
		PrincipalTracked:   amountString(preview.Principal.Tracked),
		PrincipalRepaid:    amountString(preview.Principal.Repaid),
		PrincipalDiscount:  amountString(preview.Principal.Discount),
		UpToDueTracked:     amountString(preview.UpToDue.Tracked),
		PostDueTracked:     amountString(preview.PostDue.Tracked),
		MoratoryTracked:    amountString(preview.Moratory.Tracked),
		LateFeeTracked:     amountString(preview.LateFee.Tracked),
		ClawbackTracked:    amountString(preview.Clawback.Tracked),
		Outstanding:        amountString(preview.Outstanding),
		OutstandingRounded: amountString(preview.OutstandingRounded),
		RepaidTotal:        amountString(preview.RepaidTotal),
		OperationCount:     preview.OperationCount,
		UpdateCounter:      preview.UpdateCounter,
	}
}

type parquetPosition struct {
	SubLoanID          int64  `parquet:"name=sub_loan_id, type=INT64"`
	Borrower           string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProgramID          int32  `parquet:"name=program_id, type=INT32"`
	Status             string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstallmentIndex   int32  `parquet:"name=installment_index, type=INT32"`
	InstallmentCount   int32  `parquet:"name=installment_count, type=INT32"`
	StartTimestamp     int64  `parquet:"name=start_timestamp, type=INT64"`
	TrackedTimestamp   int64  `parquet:"name=tracked_timestamp, type=INT64"`
	PendingTimestamp   int64  `parquet:"name=pending_timestamp, type=INT64"`
	FreezeTimestamp    int64  `parquet:"name=freeze_timestamp, type=INT64"`
	DurationDays       int32  `parquet:"name=duration_days, type=INT32"`
	DueTimestamp       int64  `parquet:"name=due_timestamp, type=INT64"`
	BorrowedAmount     string `parquet:"name=borrowed_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AddonAmount        string `parquet:"name=addon_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrincipalTracked   string `parquet:"name=principal_tracked, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrincipalRepaid    string `parquet:"name=principal_repaid, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrincipalDiscount  string `parquet:"name=principal_discount, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpToDueTracked     string `parquet:"name=up_to_due_tracked, type=BYTE_ARRAY, convertedtype=UTF8"`
	PostDueTracked     string `parquet:"name=post_due_tracked, type=BYTE_ARRAY, convertedtype=UTF8"`
	MoratoryTracked    string `parquet:"name=moratory_tracked, type=BYTE_ARRAY, convertedtype=UTF8"`
	LateFeeTracked     string `parquet:"name=late_fee_tracked, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClawbackTracked    string `parquet:"name=clawback_tracked, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outstanding        string `parquet:"name=outstanding, type=BYTE_ARRAY, convertedtype=UTF8"`
	OutstandingRounded string `parquet:"name=outstanding_rounded, type=BYTE_ARRAY, convertedtype=UTF8"`
	RepaidTotal        string `parquet:"name=repaid_total, type=BYTE_ARRAY, convertedtype=UTF8"`
	OperationCount     int32  `parquet:"name=operation_count, type=INT32"`
	UpdateCounter      int64  `parquet:"name=update_counter, type=INT64"`
}

func writeSnapshot(path string, rows []*PositionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetPosition), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetPosition{
			SubLoanID:          int64(row.SubLoanID),
			Borrower:           row.Borrower,
			ProgramID:          int32(row.ProgramID),
			Status:             row.Status,
			InstallmentIndex:   int32(row.InstallmentIndex),
			InstallmentCount:   int32(row.InstallmentCount),
			StartTimestamp:     int64(row.StartTimestamp),
			TrackedTimestamp:   int64(row.TrackedTimestamp),
			PendingTimestamp:   int64(row.PendingTimestamp),
			FreezeTimestamp:    int64(row.FreezeTimestamp),
			DurationDays:       int32(row.DurationDays),
			DueTimestamp:       int64(row.DueTimestamp),
			BorrowedAmount:     row.BorrowedAmount,
			AddonAmount:        row.AddonAmount,
			PrincipalTracked:   row.PrincipalTracked,
			PrincipalRepaid:    row.PrincipalRepaid,
			PrincipalDiscount:  row.PrincipalDiscount,
			UpToDueTracked:     row.UpToDueTracked,
			PostDueTracked:     row.PostDueTracked,
			MoratoryTracked:    row.MoratoryTracked,
			LateFeeTracked:     row.LateFeeTracked,
			ClawbackTracked:    row.ClawbackTracked,
			Outstanding:        row.Outstanding,
			OutstandingRounded: row.OutstandingRounded,
			RepaidTotal:        row.RepaidTotal,
			OperationCount:     int32(row.OperationCount),
			UpdateCounter:      int64(row.UpdateCounter),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func writeAnomalyReport(path string, runID uuid.UUID, detectedAt time.Time, anomalies []Anomaly) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	csvWriter := csv.NewWriter(file)
	header := []string{"run_id", "sub_loan_id", "check", "details", "detected_at"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, anomaly := range anomalies {
		record := []string{
			runID.String(),
			fmt.Sprintf("%d", anomaly.SubLoanID),
			anomaly.Check,
			anomaly.Details,
			detectedAt.Format(time.RFC3339),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

func bucketTotal(bucket lending.BucketView) *big.Int {
	total := new(big.Int).Set(amountOrZero(bucket.Tracked))
	total.Add(total, amountOrZero(bucket.Repaid))
	total.Add(total, amountOrZero(bucket.Discount))
	return total
}

func amountOrZero(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return amount
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
