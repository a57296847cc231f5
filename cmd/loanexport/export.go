package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"revenuechannels/native/lending"
)

// LoanBook is the read surface of the lending engine the export needs.
type LoanBook interface {
	Loans() ([]*lending.Loan, error)
	GetLoanParams(id common.Hash) (*lending.LoanParams, error)
	Position(id common.Hash) (*lending.Position, error)
}

type loanRow struct {
	LoanID            string `parquet:"name=loan_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ParamsID          string `parquet:"name=params_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Borrower          string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	LoanToken         string `parquet:"name=loan_token, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralToken   string `parquet:"name=collateral_token, type=BYTE_ARRAY, convertedtype=UTF8"`
	State             string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal         string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Collateral        string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	StartRate         string `parquet:"name=start_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	StartTimestamp    int64  `parquet:"name=start_timestamp, type=INT64"`
	EndTimestamp      int64  `parquet:"name=end_timestamp, type=INT64"`
	Owed              string `parquet:"name=owed, type=BYTE_ARRAY, convertedtype=UTF8"`
	Interest          string `parquet:"name=interest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralValue   string `parquet:"name=collateral_value, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarginPercent     string `parquet:"name=margin_percent, type=BYTE_ARRAY, convertedtype=UTF8"`
	MaintenanceMargin string `parquet:"name=maintenance_margin_percent, type=BYTE_ARRAY, convertedtype=UTF8"`
	Liquidatable      bool   `parquet:"name=liquidatable, type=BOOLEAN"`
	Expired           bool   `parquet:"name=expired, type=BOOLEAN"`
	ValuationError    string `parquet:"name=valuation_error, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExportedAt        string `parquet:"name=exported_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func hexAddr(a common.Address) string { return strings.ToLower(a.Hex()) }

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// collectRows flattens the loan book, valuing open loans at the engine's
// clock. Closed and liquidated loans keep their terms with empty valuations;
// an open loan that cannot be priced carries the error instead.
func collectRows(book LoanBook, onlyOpen bool, exportedAt time.Time) ([]loanRow, error) {
	loans, err := book.Loans()
	if err != nil {
		return nil, fmt.Errorf("loanexport: list loans: %w", err)
	}
	sort.Slice(loans, func(i, j int) bool {
		if loans[i].StartTimestamp != loans[j].StartTimestamp {
			return loans[i].StartTimestamp < loans[j].StartTimestamp
		}
		return loans[i].ID.Hex() < loans[j].ID.Hex()
	})
	stamp := exportedAt.UTC().Format(time.RFC3339)
	rows := make([]loanRow, 0, len(loans))
	for _, loan := range loans {
		if onlyOpen && !loan.Active() {
			continue
		}
		params, err := book.GetLoanParams(loan.LoanParamsID)
		if err != nil {
			return nil, fmt.Errorf("loanexport: params %s: %w", loan.LoanParamsID.Hex(), err)
		}
		row := loanRow{
			LoanID:          loan.ID.Hex(),
			ParamsID:        loan.LoanParamsID.Hex(),
			Borrower:        hexAddr(loan.Borrower),
			LoanToken:       hexAddr(params.LoanToken),
			CollateralToken: hexAddr(params.CollateralToken),
			State:           loan.State.String(),
			Principal:       intString(loan.Principal),
			Collateral:      intString(loan.Collateral),
			StartRate:       lending.FormatPercent(loan.StartRate),
			StartTimestamp:  int64(loan.StartTimestamp),
			EndTimestamp:    int64(loan.EndTimestamp),
			ExportedAt:      stamp,
		}
		row.MaintenanceMargin = lending.FormatPercent(params.MaintenanceMargin)
		if loan.Active() {
			pos, err := book.Position(loan.ID)
			switch {
			case err != nil:
				row.ValuationError = err.Error()
			default:
				row.Owed = intString(pos.Owed)
				row.Interest = intString(pos.Interest)
				row.CollateralValue = intString(pos.CollateralValue)
				row.MarginPercent = lending.FormatPercent(pos.Margin)
				row.Liquidatable = pos.Liquidatable
				row.Expired = pos.Expired
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeParquet(path string, rows []loanRow) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("loanexport: create parquet: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("loanexport: close parquet: %w", cerr)
		}
	}()
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(loanRow), 1)
	if err != nil {
		return fmt.Errorf("loanexport: parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("loanexport: write row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("loanexport: finish parquet: %w", err)
	}
	return nil
}

// writeDigest stores the BLAKE3-256 digest of path next to it in the
// "<hex>  <name>" layout used by b3sum.
func writeDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("loanexport: read export: %w", err)
	}
	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(path))
	if err := os.WriteFile(path+".b3", []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("loanexport: write digest: %w", err)
	}
	return digest, nil
}

// Export writes the loan book under dir and returns the parquet path and its
// digest.
func Export(book LoanBook, dir string, onlyOpen bool, now time.Time) (string, string, int, error) {
	if book == nil {
		return "", "", 0, errors.New("loanexport: loan book required")
	}
	rows, err := collectRows(book, onlyOpen, now)
	if err != nil {
		return "", "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("loanexport: create output dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("loans_%s.parquet", now.UTC().Format("20060102T150405Z")))
	if err := writeParquet(path, rows); err != nil {
		return "", "", 0, err
	}
	digest, err := writeDigest(path)
	if err != nil {
		return "", "", 0, err
	}
	return path, digest, len(rows), nil
}
