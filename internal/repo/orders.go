package repo

import (
	"context"
	"database/sql"
	"strings"

	"stockline/internal/domain"
)

const orderColumns = `o.id,o.product_id,o.quantity_requested,o.quantity_granted,o.status,o.priority,o.submitted_at,o.customer_reference,o.updated_at`

func scanOrder(row interface{ Scan(...any) error }, extra ...any) (domain.Order, error) {
	var o domain.Order
	dest := append([]any{&o.ID, &o.ProductID, &o.QuantityRequested, &o.QuantityGranted, &o.Status, &o.Priority, &o.SubmittedAt, &o.CustomerReference, &o.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO orders(product_id,quantity_requested,quantity_granted,status,priority,submitted_at,customer_reference,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		o.ProductID, o.QuantityRequested, o.QuantityGranted, o.Status, o.Priority, o.SubmittedAt, o.CustomerReference, o.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return r.GetOrderTx(ctx, nil, id)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Order, error) {
	return scanOrder(r.q(tx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id=?`, id))
}

type OrderFilter struct {
	ProductID int64
	Status    string
	Limit     int
	Cursor    int64
}

// ListOrders returns orders newest first. Cursor pages by id.
func (r Repo) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProductID > 0 {
		clauses = append(clauses, "o.product_id=?")
		args = append(args, f.ProductID)
	}
	if f.Status != "" {
		clauses = append(clauses, "o.status=?")
		args = append(args, f.Status)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "o.id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY o.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// OpenOrdersTx returns pending and partial orders for a product with their
// customer rank. Unranked customers rank 0.
func (r Repo) OpenOrdersTx(ctx context.Context, tx *sql.Tx, productID int64) ([]domain.QueuedOrder, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+orderColumns+`, COALESCE(c.rank,0)
FROM orders o LEFT JOIN customer_ranks c ON c.reference=o.customer_reference
WHERE o.product_id=? AND o.status IN ('pending','partial')
ORDER BY o.id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedOrder
	for rows.Next() {
		var rank int
		o, err := scanOrder(rows, &rank)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.QueuedOrder{Order: o, Remaining: o.Remaining(), CustomerRank: rank})
	}
	return res, rows.Err()
}

// SwapOrderGrantedTx moves quantity_granted from observed to next and stores
// status. It reports false when the row no longer holds observed.
func (r Repo) SwapOrderGrantedTx(ctx context.Context, tx *sql.Tx, id int64, observed, next int, status, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET quantity_granted=?, status=?, updated_at=? WHERE id=? AND quantity_granted=? AND ? <= quantity_requested`,
		next, status, updatedAt, id, observed, next)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
