package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"stockline/internal/allocation"
	"stockline/internal/config"
	"stockline/internal/domain"
	"stockline/internal/events"
	"stockline/internal/repo"
)

func (e Engine) ListRules(ctx context.Context) ([]domain.AllocationRule, error) {
	rules, err := e.Repo.ListRules(ctx)
	if err != nil {
		return nil, storeErr("list rules", "rules", err)
	}
	return rules, nil
}

type RuleUpdateOptions struct {
	ID        int64
	Name      *string
	Criterion *string
	Active    *bool
	ActorID   string
}

// UpdateRule edits a rule. Activating it deactivates every other rule in
// the same transaction.
func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.AllocationRule, error) {
	const op = "update rule"
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.AllocationRule{}, err
	}
	defer tx.Rollback()
	rule, err := e.Repo.GetRuleTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.AllocationRule{}, storeErr(op, "rule "+strconv.FormatInt(opts.ID, 10), err)
	}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return domain.AllocationRule{}, invalid(op, "name cannot be empty")
		}
		rule.Name = name
	}
	if opts.Criterion != nil {
		c, err := allocation.ParseCriterion(*opts.Criterion)
		if err != nil {
			return domain.AllocationRule{}, err
		}
		rule.Criterion = string(c)
	}
	if opts.Active != nil {
		rule.Active = *opts.Active
	}
	rule.UpdatedAt = e.stamp()
	if rule.Active {
		if err := e.Repo.DeactivateRulesTx(ctx, tx, rule.ID, rule.UpdatedAt); err != nil {
			return domain.AllocationRule{}, storeErr(op, "rule", err)
		}
	}
	if err := e.Repo.UpdateRuleTx(ctx, tx, rule); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.AllocationRule{}, invalid(op, "rule name %s already exists", rule.Name)
		}
		return domain.AllocationRule{}, storeErr(op, "rule", err)
	}
	if err := e.events().Append(ctx, tx, events.RuleUpdated, "allocation_rule", strconv.FormatInt(rule.ID, 10), opts.ActorID, events.EventPayload{
		"name":      rule.Name,
		"criterion": rule.Criterion,
		"active":    rule.Active,
	}); err != nil {
		return domain.AllocationRule{}, storeErr(op, "event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AllocationRule{}, storeErr(op, "rule", err)
	}
	e.Log.Info("allocation rule updated", "rule_id", rule.ID, "criterion", rule.Criterion, "active", rule.Active)
	return rule, nil
}

func (e Engine) SetCustomerRank(ctx context.Context, reference string, rank int, actorID string) (domain.CustomerRank, error) {
	const op = "set customer rank"
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.CustomerRank{}, invalid(op, "customer reference is required")
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return domain.CustomerRank{}, err
	}
	defer tx.Rollback()
	c := domain.CustomerRank{Reference: reference, Rank: rank, UpdatedAt: e.stamp()}
	if err := e.Repo.UpsertCustomerRankTx(ctx, tx, c); err != nil {
		return domain.CustomerRank{}, storeErr(op, "customer rank", err)
	}
	if err := e.events().Append(ctx, tx, events.CustomerRanked, "customer", reference, actorID, events.EventPayload{"rank": rank}); err != nil {
		return domain.CustomerRank{}, storeErr(op, "event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.CustomerRank{}, storeErr(op, "customer rank", err)
	}
	return c, nil
}

func (e Engine) ListCustomerRanks(ctx context.Context) ([]domain.CustomerRank, error) {
	ranks, err := e.Repo.ListCustomerRanks(ctx)
	if err != nil {
		return nil, storeErr("list customer ranks", "customer ranks", err)
	}
	return ranks, nil
}

// ApplyConfig stores cfg and syncs allocation rules and customer ranks from
// it. Rules are matched by name; rules missing from cfg are left as they are
// but lose the active flag when cfg names an active rule.
func (e Engine) ApplyConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	const op = "apply config"
	if cfg == nil {
		return invalid(op, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return &allocation.Error{Kind: allocation.KindInvalidInput, Op: op, Err: err}
	}
	tx, err := e.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWarehouseConfigTx(ctx, tx, cfg); err != nil {
		return storeErr(op, "config", err)
	}
	now := e.stamp()
	if _, ok := cfg.ActiveRule(); ok {
		if err := e.Repo.DeactivateRulesTx(ctx, tx, 0, now); err != nil {
			return storeErr(op, "rule", err)
		}
	}
	ev := e.events()
	for _, rc := range cfg.Allocation.Rules {
		c, _ := allocation.ParseCriterion(rc.Criterion)
		rule, err := e.Repo.GetRuleByNameTx(ctx, tx, rc.Name)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			rule = domain.AllocationRule{Name: rc.Name, Criterion: string(c), Active: rc.Active, UpdatedAt: now}
			if rule.ID, err = e.Repo.InsertRuleTx(ctx, tx, rule); err != nil {
				return storeErr(op, "rule", err)
			}
		case err != nil:
			return storeErr(op, "rule", err)
		default:
			rule.Criterion = string(c)
			rule.Active = rc.Active
			rule.UpdatedAt = now
			if err := e.Repo.UpdateRuleTx(ctx, tx, rule); err != nil {
				return storeErr(op, "rule", err)
			}
		}
		if err := ev.Append(ctx, tx, events.RuleUpdated, "allocation_rule", strconv.FormatInt(rule.ID, 10), actorID, events.EventPayload{
			"name":      rule.Name,
			"criterion": rule.Criterion,
			"active":    rule.Active,
		}); err != nil {
			return storeErr(op, "event", err)
		}
	}
	for ref, rank := range cfg.Allocation.CustomerRanks {
		if err := e.Repo.UpsertCustomerRankTx(ctx, tx, domain.CustomerRank{Reference: ref, Rank: rank, UpdatedAt: now}); err != nil {
			return storeErr(op, "customer rank", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, "config", err)
	}
	return nil
}
