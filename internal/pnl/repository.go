package pnl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type dbtx interface {
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
}

// PGRepository reads sold lines, return lines and cost snapshots from Postgres.
type PGRepository struct {
	db dbtx
}

// NewRepository constructs a Postgres backed Repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool}
}

const batchProbeQuery = `SELECT oi.batch_id, b.code FROM order_items oi LEFT JOIN inventory_batches b ON b.id = oi.batch_id LIMIT 0`

// ProbeCapabilities checks once whether the schema carries the batch dimension.
// A missing column or table is a capability answer, not an error.
func (r *PGRepository) ProbeCapabilities(ctx context.Context) (Capabilities, error) {
	rows, err := r.db.Query(ctx, batchProbeQuery)
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		if isUndefinedSchema(err) {
			return Capabilities{SupportsBatchDimension: false}, nil
		}
		return Capabilities{}, fmt.Errorf("pnl: probe batch dimension: %w", err)
	}
	return Capabilities{SupportsBatchDimension: true}, nil
}

func isUndefinedSchema(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 42703 undefined_column, 42P01 undefined_table
	return pgErr.Code == "42703" || pgErr.Code == "42P01"
}

const lineColumns = `COALESCE(oi.id::text, ''), COALESCE(o.id::text, ''), o.created_at, COALESCE(o.payment_status, ''),
	COALESCE(oi.variant_id::text, ''), COALESCE(v.title, ''), COALESCE(p.id::text, ''), COALESCE(p.name, ''), COALESCE(p.slug, ''),
	COALESCE(oi.sku, ''), COALESCE(oi.title, ''), COALESCE(oi.quantity, 0),
	COALESCE(oi.subtotal, 0)::text, COALESCE(oi.discount_total, 0)::text, COALESCE(oi.tax_total, 0)::text,
	COALESCE(oi.total, 0)::text, COALESCE(oi.unit_price, 0)::text,
	oi.cogs_unit_frozen::text, COALESCE(oi.cost_source, ''), oi.created_at`

const batchColumns = `, COALESCE(oi.batch_id::text, ''), COALESCE(b.code, '')`

const noBatchColumns = `, '', ''`

const lineJoins = `
	LEFT JOIN product_variants v ON v.id = oi.variant_id
	LEFT JOIN products p ON p.id = v.product_id`

const batchJoin = `
	LEFT JOIN inventory_batches b ON b.id = oi.batch_id`

// ListSoldLines implements Repository.
func (r *PGRepository) ListSoldLines(ctx context.Context, q LineQuery) ([]OrderLine, error) {
	sql, args := buildLineQuery(q)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]OrderLine, 0)
	for rows.Next() {
		var row lineRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		line, err := row.toOrderLine()
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func buildLineQuery(q LineQuery) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(lineColumns)
	sb.WriteString(selectBatch(q.IncludeBatch))
	sb.WriteString("\nFROM order_items oi\n\tJOIN orders o ON o.id = oi.order_id")
	sb.WriteString(lineJoins)
	if q.IncludeBatch {
		sb.WriteString(batchJoin)
	}

	conditions := []string{"o.created_at >= $1", "o.created_at < $2"}
	args := []interface{}{q.StartAt, q.EndExclusive}
	if q.PaidOnly {
		args = append(args, PaidStatuses)
		conditions = append(conditions, fmt.Sprintf("upper(o.payment_status) = ANY($%d)", len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.At, q.After.ID)
		conditions = append(conditions, fmt.Sprintf("(o.created_at, oi.id::text) > ($%d, $%d)", len(args)-1, len(args)))
	}
	sb.WriteString("\nWHERE ")
	sb.WriteString(strings.Join(conditions, " AND "))
	sb.WriteString("\nORDER BY o.created_at, oi.id::text")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf("\nLIMIT $%d", len(args)))
	}
	return sb.String(), args
}

// ListReturnLines implements Repository.
func (r *PGRepository) ListReturnLines(ctx context.Context, q ReturnQuery) ([]ReturnLine, error) {
	sql, args := buildReturnQuery(q)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]ReturnLine, 0)
	for rows.Next() {
		var (
			ret       ReturnLine
			refundRaw string
			line      lineRow
		)
		dest := append([]interface{}{&ret.ID, &ret.ReturnRequestID, &ret.RefundedAt, &ret.OrderItemID, &ret.Quantity, &refundRaw}, line.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ret.LineRefund, err = decimal.NewFromString(refundRaw)
		if err != nil {
			return nil, fmt.Errorf("pnl: return line %s refund: %w", ret.ID, err)
		}
		if line.ID != "" {
			orderLine, err := line.toOrderLine()
			if err != nil {
				return nil, err
			}
			ret.Line = &orderLine
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func buildReturnQuery(q ReturnQuery) (string, []interface{}) {
	attributed := "rr.created_at"
	if q.Attribution == AttributeSaleDate {
		attributed = "o.created_at"
	}

	var sb strings.Builder
	sb.WriteString("SELECT ri.id::text, rr.id::text, rr.created_at, COALESCE(ri.order_item_id::text, ''), COALESCE(ri.quantity, 0), COALESCE(ri.line_refund, 0)::text,\n\t")
	sb.WriteString(lineColumns)
	sb.WriteString(selectBatch(q.IncludeBatch))
	sb.WriteString("\nFROM return_items ri\n\tJOIN return_requests rr ON rr.id = ri.return_request_id")
	sb.WriteString("\n\tLEFT JOIN order_items oi ON oi.id = ri.order_item_id\n\tLEFT JOIN orders o ON o.id = oi.order_id")
	sb.WriteString(lineJoins)
	if q.IncludeBatch {
		sb.WriteString(batchJoin)
	}

	conditions := []string{attributed + " >= $1", attributed + " < $2"}
	args := []interface{}{q.StartAt, q.EndExclusive}
	if q.PaidOnly {
		args = append(args, PaidStatuses)
		conditions = append(conditions, fmt.Sprintf("upper(o.payment_status) = ANY($%d)", len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.At, q.After.ID)
		conditions = append(conditions, fmt.Sprintf("(%s, ri.id::text) > ($%d, $%d)", attributed, len(args)-1, len(args)))
	}
	sb.WriteString("\nWHERE ")
	sb.WriteString(strings.Join(conditions, " AND "))
	sb.WriteString("\nORDER BY " + attributed + ", ri.id::text")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf("\nLIMIT $%d", len(args)))
	}
	return sb.String(), args
}

const costSnapshotsQuery = `SELECT variant_id::text, created_at, COALESCE(cogs_unit, 0)::text, COALESCE(overhead_per_unit, 0)::text, COALESCE(version_label, '')
FROM cogs_snapshots
WHERE variant_id::text = ANY($1)
ORDER BY created_at, id`

// ListCostSnapshots implements Repository.
func (r *PGRepository) ListCostSnapshots(ctx context.Context, variantIDs []string) ([]CostSnapshot, error) {
	if len(variantIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, costSnapshotsQuery, variantIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]CostSnapshot, 0)
	for rows.Next() {
		var (
			snap                 CostSnapshot
			cogsRaw, overheadRaw string
		)
		if err := rows.Scan(&snap.VariantID, &snap.CreatedAt, &cogsRaw, &overheadRaw, &snap.VersionLabel); err != nil {
			return nil, err
		}
		if snap.CogsUnit, err = decimal.NewFromString(cogsRaw); err != nil {
			return nil, fmt.Errorf("pnl: snapshot %s cogs: %w", snap.VariantID, err)
		}
		if snap.OverheadPerUnit, err = decimal.NewFromString(overheadRaw); err != nil {
			return nil, fmt.Errorf("pnl: snapshot %s overhead: %w", snap.VariantID, err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func selectBatch(include bool) string {
	if include {
		return batchColumns
	}
	return noBatchColumns
}

// lineRow mirrors lineColumns plus the two batch columns.
type lineRow struct {
	ID             string
	OrderID        string
	OrderCreatedAt *time.Time
	PaymentStatus  string
	VariantID      string
	VariantTitle   string
	ProductID      string
	ProductName    string
	ProductSlug    string
	SKU            string
	Title          string
	Quantity       int
	Subtotal       string
	DiscountTotal  string
	TaxTotal       string
	Total          string
	UnitPrice      string
	FrozenCostUnit *string
	CostSource     string
	CreatedAt      *time.Time
	BatchID        string
	BatchCode      string
}

func (l *lineRow) dest() []interface{} {
	return []interface{}{
		&l.ID, &l.OrderID, &l.OrderCreatedAt, &l.PaymentStatus,
		&l.VariantID, &l.VariantTitle, &l.ProductID, &l.ProductName, &l.ProductSlug,
		&l.SKU, &l.Title, &l.Quantity,
		&l.Subtotal, &l.DiscountTotal, &l.TaxTotal, &l.Total, &l.UnitPrice,
		&l.FrozenCostUnit, &l.CostSource, &l.CreatedAt,
		&l.BatchID, &l.BatchCode,
	}
}

func (l lineRow) toOrderLine() (OrderLine, error) {
	line := OrderLine{
		ID:            l.ID,
		OrderID:       l.OrderID,
		PaymentStatus: l.PaymentStatus,
		VariantID:     l.VariantID,
		VariantTitle:  l.VariantTitle,
		ProductID:     l.ProductID,
		ProductName:   l.ProductName,
		ProductSlug:   l.ProductSlug,
		SKU:           l.SKU,
		Title:         l.Title,
		Quantity:      l.Quantity,
		CostSource:    l.CostSource,
		BatchID:       l.BatchID,
		BatchCode:     l.BatchCode,
	}
	if l.OrderCreatedAt != nil {
		line.OrderCreatedAt = l.OrderCreatedAt.UTC()
	}
	if l.CreatedAt != nil {
		line.CreatedAt = l.CreatedAt.UTC()
	}
	money := []struct {
		raw  string
		dest *decimal.Decimal
		name string
	}{
		{l.Subtotal, &line.Subtotal, "subtotal"},
		{l.DiscountTotal, &line.DiscountTotal, "discount_total"},
		{l.TaxTotal, &line.TaxTotal, "tax_total"},
		{l.Total, &line.Total, "total"},
		{l.UnitPrice, &line.UnitPrice, "unit_price"},
	}
	for _, m := range money {
		v, err := decimal.NewFromString(m.raw)
		if err != nil {
			return OrderLine{}, fmt.Errorf("pnl: line %s %s: %w", l.ID, m.name, err)
		}
		*m.dest = v
	}
	if l.FrozenCostUnit != nil {
		v, err := decimal.NewFromString(*l.FrozenCostUnit)
		if err != nil {
			return OrderLine{}, fmt.Errorf("pnl: line %s cogs_unit_frozen: %w", l.ID, err)
		}
		line.FrozenCostUnit = &v
	}
	return line, nil
}
