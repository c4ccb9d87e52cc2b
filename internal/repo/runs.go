package repo

import (
	"context"
	"database/sql"

	"stockline/internal/domain"
)

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.AllocationRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO allocation_runs(id,product_id,criterion,stock_before,stock_after,total_granted,orders_touched,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProductID, run.Criterion, run.StockBefore, run.StockAfter, run.TotalGranted, run.OrdersTouched, run.ActorID, run.CreatedAt)
	return err
}

// ListRuns returns committed runs newest first, optionally for one product.
func (r Repo) ListRuns(ctx context.Context, productID int64, limit int) ([]domain.AllocationRun, error) {
	query := `SELECT id,product_id,criterion,stock_before,stock_after,total_granted,orders_touched,actor_id,created_at FROM allocation_runs`
	var args []any
	if productID > 0 {
		query += ` WHERE product_id=?`
		args = append(args, productID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AllocationRun
	for rows.Next() {
		var run domain.AllocationRun
		if err := rows.Scan(&run.ID, &run.ProductID, &run.Criterion, &run.StockBefore, &run.StockAfter, &run.TotalGranted, &run.OrdersTouched, &run.ActorID, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
