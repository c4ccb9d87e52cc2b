package repo

import (
	"context"
	"database/sql"

	"stockline/internal/domain"
)

const ruleColumns = `id,name,criterion,active,updated_at`

func scanRule(row interface{ Scan(...any) error }) (domain.AllocationRule, error) {
	var rule domain.AllocationRule
	var active int
	err := row.Scan(&rule.ID, &rule.Name, &rule.Criterion, &active, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	rule.Active = active == 1
	return rule, err
}

func (r Repo) InsertRuleTx(ctx context.Context, tx *sql.Tx, rule domain.AllocationRule) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO allocation_rules(name,criterion,active,updated_at) VALUES (?,?,?,?)`,
		rule.Name, rule.Criterion, boolInt(rule.Active), rule.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListRules(ctx context.Context) ([]domain.AllocationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM allocation_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AllocationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) CountRules(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM allocation_rules`).Scan(&n)
	return n, err
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, id int64) (domain.AllocationRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM allocation_rules WHERE id=?`, id))
}

func (r Repo) GetRuleByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.AllocationRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM allocation_rules WHERE name=?`, name))
}

// ActiveRule returns the rule flagged active, or ErrNotFound.
func (r Repo) ActiveRule(ctx context.Context) (domain.AllocationRule, error) {
	return r.ActiveRuleTx(ctx, nil)
}

func (r Repo) ActiveRuleTx(ctx context.Context, tx *sql.Tx) (domain.AllocationRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM allocation_rules WHERE active=1 LIMIT 1`))
}

// DeactivateRulesTx clears the active flag on every rule except keepID.
func (r Repo) DeactivateRulesTx(ctx context.Context, tx *sql.Tx, keepID int64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE allocation_rules SET active=0, updated_at=? WHERE active=1 AND id<>?`, updatedAt, keepID)
	return err
}

func (r Repo) UpdateRuleTx(ctx context.Context, tx *sql.Tx, rule domain.AllocationRule) error {
	res, err := tx.ExecContext(ctx, `UPDATE allocation_rules SET name=?, criterion=?, active=?, updated_at=? WHERE id=?`,
		rule.Name, rule.Criterion, boolInt(rule.Active), rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertCustomerRankTx(ctx context.Context, tx *sql.Tx, rank domain.CustomerRank) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO customer_ranks(reference,rank,updated_at) VALUES (?,?,?)
ON CONFLICT(reference) DO UPDATE SET rank=excluded.rank, updated_at=excluded.updated_at`, rank.Reference, rank.Rank, rank.UpdatedAt)
	return err
}

func (r Repo) ListCustomerRanks(ctx context.Context) ([]domain.CustomerRank, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reference,rank,updated_at FROM customer_ranks ORDER BY rank DESC, reference`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CustomerRank
	for rows.Next() {
		var c domain.CustomerRank
		if err := rows.Scan(&c.Reference, &c.Rank, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
