package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockline/internal/config"
	"stockline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const productColumns = `id,code,name,stock,created_at,updated_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProductTx(ctx context.Context, tx *sql.Tx, p domain.Product) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO products(code,name,stock,created_at,updated_at) VALUES (?,?,?,?,?)`,
		p.Code, p.Name, p.Stock, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	return r.GetProductTx(ctx, nil, id)
}

func (r Repo) GetProductTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Product, error) {
	return scanProduct(r.q(tx).QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id=?`, id))
}

func (r Repo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SwapProductStockTx sets stock to next only if it still equals observed.
// It reports whether the row was updated.
func (r Repo) SwapProductStockTx(ctx context.Context, tx *sql.Tx, id int64, observed, next int, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE products SET stock=?, updated_at=? WHERE id=? AND stock=?`, next, updatedAt, id, observed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertMovementTx(ctx context.Context, tx *sql.Tx, m domain.Movement) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO movements(product_id,type,quantity,stock_after,actor_id,notes,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ProductID, m.Type, m.Quantity, m.StockAfter, m.ActorID, nullable(m.Notes), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListMovements(ctx context.Context, productID int64, limit int) ([]domain.Movement, error) {
	query := `SELECT id,product_id,type,quantity,stock_after,actor_id,notes,created_at FROM movements WHERE product_id=? ORDER BY id DESC`
	args := []any{productID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Movement
	for rows.Next() {
		var m domain.Movement
		var notes sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.StockAfter, &m.ActorID, &notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		if notes.Valid {
			m.Notes = notes.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpsertWarehouseConfig(ctx context.Context, cfg *config.Config) error {
	return r.UpsertWarehouseConfigTx(ctx, nil, cfg)
}

func (r Repo) UpsertWarehouseConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO warehouse_configs(warehouse_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(warehouse_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, cfg.Warehouse.ID, string(payload), now, now)
	return err
}

// GetWarehouseConfig returns the most recently stored warehouse config.
func (r Repo) GetWarehouseConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM warehouse_configs ORDER BY updated_at DESC, warehouse_id LIMIT 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (r Repo) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	var d domain.Dashboard
	err := r.DB.QueryRowContext(ctx, `SELECT
  (SELECT count(*) FROM products WHERE stock=0),
  (SELECT count(*) FROM orders WHERE status IN ('pending','partial')),
  (SELECT count(*) FROM products),
  (SELECT COALESCE(SUM(stock),0) FROM products)`).Scan(&d.OutOfStockProducts, &d.OpenOrders, &d.TotalProducts, &d.TotalUnits)
	return d, err
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
