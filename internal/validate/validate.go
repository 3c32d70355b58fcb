// Package validate classifies parsed rows into accepted products or rejected failures.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/sheet"
)

const (
	ReasonRequiredMissing = "required field missing"
	ReasonDuplicate       = "duplicate/existing"
)

const (
	defaultName     = "Unnamed"
	defaultCategory = "General"
	defaultSupplier = "Unknown"
)

// ExistenceChecker reports whether a product code has already been accepted by any job.
type ExistenceChecker interface {
	ProductExists(ctx context.Context, code string) (bool, error)
}

// Result is either an accepted Product or a rejected Failure, never both.
type Result struct {
	Product *job.Product
	Failure *job.Failure
}

func (r Result) Accepted() bool { return r.Product != nil }

// Validator checks the rows of one file. Codes it accepts count as existing
// for the rows that follow, so one file never lands the same code twice.
type Validator struct {
	jobID    int64
	period   string
	exists   ExistenceChecker
	accepted map[string]bool
	now      func() time.Time
}

func New(jobID int64, period string, exists ExistenceChecker) *Validator {
	return &Validator{
		jobID:    jobID,
		period:   period,
		exists:   exists,
		accepted: make(map[string]bool),
		now:      time.Now,
	}
}

// Validate applies the rules in order and stops at the first that fails.
// An error is returned only when the existence check itself fails.
func (v *Validator) Validate(ctx context.Context, row sheet.Row) (Result, error) {
	code := row.Get(sheet.FieldCode)
	if code == "" {
		return v.reject(row, ReasonRequiredMissing), nil
	}

	if v.accepted[code] {
		return v.reject(row, ReasonDuplicate), nil
	}
	found, err := v.exists.ProductExists(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("row %d: %w", row.Position, err)
	}
	if found {
		return v.reject(row, ReasonDuplicate), nil
	}

	v.accepted[code] = true
	return Result{Product: &job.Product{
		JobID:       v.jobID,
		Period:      v.period,
		Code:        code,
		Name:        orDefault(row.Get(sheet.FieldName), defaultName),
		Price:       ParsePrice(row.Get(sheet.FieldPrice)),
		Category:    orDefault(row.Get(sheet.FieldCategory), defaultCategory),
		Stock:       ParseStock(row.Get(sheet.FieldStock)),
		Supplier:    orDefault(row.Get(sheet.FieldSupplier), defaultSupplier),
		Description: row.Get(sheet.FieldDescription),
		CreatedAt:   v.now().UTC(),
	}}, nil
}

func (v *Validator) reject(row sheet.Row, reason string) Result {
	raw, err := json.Marshal(row.Fields)
	if err != nil {
		raw = []byte("{}")
	}
	return Result{Failure: &job.Failure{
		JobID:     v.jobID,
		Position:  row.Position,
		Reason:    reason,
		Raw:       raw,
		CreatedAt: v.now().UTC(),
	}}
}

// ParsePrice accepts either decimal separator and rounds to the stored scale.
// Unparseable input and values too large for the column yield null.
func ParsePrice(s string) decimal.NullDecimal {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	d = d.Round(priceScale)
	if d.Abs().Cmp(maxPrice) >= 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// Prices are stored as NUMERIC(18, 4).
const priceScale = 4

var (
	maxPrice = decimal.New(1, 18-priceScale)
	minStock = decimal.NewFromInt(math.MinInt64)
	maxStock = decimal.NewFromInt(math.MaxInt64)
)

// ParseStock accepts integral values within int64, including spreadsheet
// renderings like "4.0".
func ParseStock(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() || d.Cmp(minStock) < 0 || d.Cmp(maxStock) > 0 {
		return nil
	}
	n := d.IntPart()
	return &n
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
