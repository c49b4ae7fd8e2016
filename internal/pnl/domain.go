package pnl

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Granularity selects the calendar bucket a record is assigned to.
type Granularity string

const (
	GroupDay     Granularity = "day"
	GroupWeek    Granularity = "week"
	GroupMonth   Granularity = "month"
	GroupQuarter Granularity = "quarter"
	GroupHalf    Granularity = "half"
	GroupYear    Granularity = "year"
	GroupTotal   Granularity = "total"
)

// Dimension selects the rollup axis of a report.
type Dimension string

const (
	DimensionProduct Dimension = "product"
	DimensionVariant Dimension = "variant"
	DimensionBatch   Dimension = "batch"
)

// RefundAttribution decides which instant places a refund into a bucket.
type RefundAttribution string

const (
	// AttributeRefundDate buckets a refund by the return request's creation time.
	AttributeRefundDate RefundAttribution = "refund_date"
	// AttributeSaleDate buckets a refund by the refunded order's creation time.
	AttributeSaleDate RefundAttribution = "sale_date"
)

// CostSource tags where a line's unit cost came from.
type CostSource string

const (
	CostSourceSnapshot CostSource = "SNAPSHOT"
	CostSourceFrozen   CostSource = "FROZEN"
	CostSourceMissing  CostSource = "MISSING_COST"
)

// Defaults applied by Params.WithDefaults.
const (
	DefaultGroup       = GroupMonth
	DefaultDimension   = DimensionProduct
	DefaultAttribution = AttributeRefundDate
	DefaultLimit       = 200
	MaxLimit           = 5000
)

// PaidStatuses are the payment states counted as settled revenue.
var PaidStatuses = []string{"PAID", "SETTLED", "CAPTURED", "SUCCEEDED"}

// IsPaidStatus reports whether status is paid-like.
func IsPaidStatus(status string) bool {
	status = strings.ToUpper(strings.TrimSpace(status))
	for _, paid := range PaidStatuses {
		if status == paid {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidParams wraps every parameter validation failure.
	ErrInvalidParams = errors.New("pnl: invalid parameters")
	// ErrComputationFailed wraps store and cancellation failures; no partial report accompanies it.
	ErrComputationFailed = errors.New("P&L computation failed")
)

// OrderLine is one sold order item together with the order and catalog fields the engine needs.
type OrderLine struct {
	ID             string
	OrderID        string
	OrderCreatedAt time.Time
	PaymentStatus  string
	VariantID      string
	VariantTitle   string
	ProductID      string
	ProductName    string
	ProductSlug    string
	SKU            string
	Title          string
	Quantity       int
	Subtotal       decimal.Decimal
	DiscountTotal  decimal.Decimal
	TaxTotal       decimal.Decimal
	Total          decimal.Decimal
	UnitPrice      decimal.Decimal
	FrozenCostUnit *decimal.Decimal
	CostSource     string
	CreatedAt      time.Time
	BatchID        string
	BatchCode      string
}

// SalesNet is the discounted subtotal, never negative.
func (l OrderLine) SalesNet() decimal.Decimal {
	net := l.Subtotal.Sub(l.DiscountTotal)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// CostSnapshot is a point-in-time unit cost for a variant.
type CostSnapshot struct {
	VariantID       string
	CreatedAt       time.Time
	CogsUnit        decimal.Decimal
	OverheadPerUnit decimal.Decimal
	VersionLabel    string
}

// ReturnLine is a refunded quantity of an order item. Line is the refunded
// order item and may be nil when the reference no longer resolves.
type ReturnLine struct {
	ID              string
	ReturnRequestID string
	RefundedAt      time.Time
	OrderItemID     string
	Quantity        int
	LineRefund      decimal.Decimal
	Line            *OrderLine
}

// AttributedAt returns the instant the refund is bucketed by.
func (r ReturnLine) AttributedAt(mode RefundAttribution) time.Time {
	if mode == AttributeSaleDate {
		if r.Line == nil {
			return time.Time{}
		}
		return r.Line.OrderCreatedAt
	}
	return r.RefundedAt
}

// Params are the inputs of ComputeProfit. Start and End are inclusive calendar days.
// A nil PaidOnly means true.
type Params struct {
	Start             time.Time         `validate:"required"`
	End               time.Time         `validate:"required"`
	Group             Granularity       `validate:"oneof=day week month quarter half year total"`
	Dimension         Dimension         `validate:"oneof=product variant batch"`
	PaidOnly          *bool
	RefundAttribution RefundAttribution `validate:"oneof=refund_date sale_date"`
	Limit             int               `validate:"min=1,max=5000"`
}

var paramsValidator = validator.New()

// WithDefaults fills unset fields with the documented defaults.
func (p Params) WithDefaults() Params {
	if p.Group == "" {
		p.Group = DefaultGroup
	}
	if p.Dimension == "" {
		p.Dimension = DefaultDimension
	}
	if p.RefundAttribution == "" {
		p.RefundAttribution = DefaultAttribution
	}
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	if p.PaidOnly == nil {
		paid := true
		p.PaidOnly = &paid
	}
	return p
}

// Validate checks enumerations, bounds and range ordering.
func (p Params) Validate() error {
	if err := paramsValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s %s", ErrInvalidParams, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if floorDay(p.End).Before(floorDay(p.Start)) {
		return fmt.Errorf("%w: end before start", ErrInvalidParams)
	}
	return nil
}

// IsPaidOnly resolves the PaidOnly pointer.
func (p Params) IsPaidOnly() bool {
	return p.PaidOnly == nil || *p.PaidOnly
}

// Capabilities describes optional features of the backing store, resolved once at start-up.
type Capabilities struct {
	SupportsBatchDimension bool
}

// Row is one finalized (bucket, dimension key) cell of the report.
type Row struct {
	Bucket           string            `json:"bucket"`
	DimensionKey     string            `json:"dimensionKey"`
	Label            string            `json:"label"`
	Meta             map[string]string `json:"meta"`
	Units            int               `json:"units"`
	SalesNet         float64           `json:"salesNet"`
	Tax              float64           `json:"tax"`
	SalesGross       float64           `json:"salesGross"`
	Refunds          float64           `json:"refunds"`
	COGS             float64           `json:"cogs"`
	GrossProfit      float64           `json:"grossProfit"`
	MarginPct        float64           `json:"marginPct"`
	CostSourceCounts map[string]int    `json:"costSourceCounts"`
}

// Totals aggregates every row; MarginPct comes from the aggregate net revenue.
type Totals struct {
	Units       int     `json:"units"`
	SalesNet    float64 `json:"salesNet"`
	Refunds     float64 `json:"refunds"`
	COGS        float64 `json:"cogs"`
	GrossProfit float64 `json:"grossProfit"`
	MarginPct   float64 `json:"marginPct"`
}

// ReportRange echoes the resolved inclusive day range.
type ReportRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Report is the output of ComputeProfit.
type Report struct {
	OK                bool              `json:"ok"`
	Range             ReportRange       `json:"range"`
	Group             Granularity       `json:"group"`
	Dimension         Dimension         `json:"dimension"`
	PaidOnly          bool              `json:"paidOnly"`
	RefundAttribution RefundAttribution `json:"refundAttribution"`
	Totals            Totals            `json:"totals"`
	Rows              []Row             `json:"rows"`
}
