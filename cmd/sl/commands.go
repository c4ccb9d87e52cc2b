package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stockline/internal/domain"
	"stockline/internal/engine"
	"stockline/internal/repo"
)

func productCmd() *cobra.Command {
	p := &cobra.Command{Use: "product", Short: "Manage products"}
	p.AddCommand(productCreateCmd())
	p.AddCommand(productListCmd())
	p.AddCommand(productShowCmd())
	return p
}

func productCreateCmd() *cobra.Command {
	var opts engine.ProductCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProduct(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Code, "code", "", "product code (unique)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "product name")
	cmd.Flags().IntVar(&opts.Stock, "stock", 0, "initial stock")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func productListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				products, err := e.ListProducts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(products))
				}
				tw := newTable("ID", "Code", "Name", "Stock")
				for _, p := range products {
					tw.AppendRow(table.Row{p.ID, p.Code, p.Name, p.Stock})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func productShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProduct(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func stockCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "stock",
		Short: "Stock movements",
		Long:  "Movements change a product's stock: purchase_in and return_in add, sale_out and writeoff_out remove. Stock never goes below zero.",
	}
	s.AddCommand(stockMoveCmd())
	s.AddCommand(stockHistoryCmd())
	return s
}

func stockMoveCmd() *cobra.Command {
	var opts engine.MovementOptions
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Record a stock movement",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordMovement(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %d: stock %d -> %d\n", res.Movement.Type, res.Movement.Quantity, res.PreviousStock, res.Stock)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ProductID, "product", 0, "product id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "purchase_in, return_in, sale_out or writeoff_out")
	cmd.Flags().IntVar(&opts.Quantity, "quantity", 0, "units moved")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free text")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func stockHistoryCmd() *cobra.Command {
	var productID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List movements of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				movements, err := e.ListMovements(ctx, productID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(movements))
				}
				tw := newTable("ID", "Type", "Quantity", "Stock After", "Actor", "At")
				for _, m := range movements {
					tw.AppendRow(table.Row{m.ID, m.Type, m.Quantity, m.StockAfter, m.ActorID, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&productID, "product", 0, "product id")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of movements")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "order",
		Short: "Manage orders",
		Long:  "Orders request units of one product. Allocation runs grant stock; status follows: pending (nothing granted), partial, fulfilled.",
	}
	o.AddCommand(orderCreateCmd())
	o.AddCommand(orderListCmd())
	o.AddCommand(orderShowCmd())
	return o
}

func orderCreateCmd() *cobra.Command {
	var opts engine.OrderCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ProductID, "product", 0, "product id")
	cmd.Flags().IntVar(&opts.Quantity, "quantity", 0, "units requested")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher is served first under priority_desc)")
	cmd.Flags().StringVar(&opts.CustomerReference, "customer", "", "customer reference")
	cmd.Flags().StringVar(&opts.SubmittedAt, "submitted-at", "", "RFC 3339 submission time (defaults to now)")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("quantity")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orders, err := e.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(orders))
				}
				tw := newTable("ID", "Product", "Customer", "Requested", "Granted", "Status", "Priority", "Submitted")
				for _, o := range orders {
					tw.AppendRow(table.Row{o.ID, o.ProductID, o.CustomerReference, o.QuantityRequested, o.QuantityGranted, o.Status, o.Priority, o.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProductID, "product", 0, "product filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of orders")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect open-order queues"}
	q.AddCommand(queueShowCmd())
	return q
}

func queueShowCmd() *cobra.Command {
	var productID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a product's open orders in the order the active rule serves them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.Queue(ctx, productID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Product %s: stock %d, criterion %s\n", view.Product.Code, view.Product.Stock, view.Criterion)
				tw := newTable("#", "Order", "Customer", "Remaining", "Priority", "Rank", "Submitted")
				for i, o := range view.Orders {
					tw.AppendRow(table.Row{i + 1, o.ID, o.CustomerReference, o.Remaining, o.Priority, o.CustomerRank, o.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&productID, "product", 0, "product id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func ruleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rule",
		Short: "Allocation rules",
		Long:  "Each rule names a criterion (fifo, priority_desc, smallest_first, customer_priority). Exactly one rule is active; runs use it.",
	}
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleUpdateCmd())
	return r
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List allocation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(rules))
				}
				tw := newTable("ID", "Name", "Criterion", "Active")
				for _, r := range rules {
					active := ""
					if r.Active {
						active = "*"
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Criterion, active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleUpdateCmd() *cobra.Command {
	var name, criterion string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an allocation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.RuleUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("criterion") {
				opts.Criterion = &criterion
			}
			if cmd.Flags().Changed("active") {
				opts.Active = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.UpdateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&criterion, "criterion", "", "criterion")
	cmd.Flags().BoolVar(&active, "active", false, "make this the active rule")
	return cmd
}

func customerCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "customer",
		Short: "Customer ranks",
		Long:  "Ranks order customers under the customer_priority criterion; higher rank is served first, unranked customers have rank 0.",
	}
	c.AddCommand(customerRankCmd())
	c.AddCommand(customerListCmd())
	return c
}

func customerRankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank <reference> <rank>",
		Short: "Set a customer's rank",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rank must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetCustomerRank(ctx, args[0], rank, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func customerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List customer ranks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ranks, err := e.ListCustomerRanks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(ranks))
				}
				tw := newTable("Customer", "Rank", "Updated")
				for _, r := range ranks {
					tw.AppendRow(table.Row{r.Reference, r.Rank, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func allocateCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "allocate",
		Short: "Allocation runs",
		Long:  "A run grants a product's current stock to its open orders under the active rule. Use 'sl queue show' to preview the order.",
	}
	a.AddCommand(allocateRunCmd())
	a.AddCommand(allocateHistoryCmd())
	return a
}

func allocateRunCmd() *cobra.Command {
	var productID int64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run allocation for a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunAllocation(ctx, engine.RunOptions{ProductID: productID, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Run %s (%s): stock %d -> %d, allocated %d\n", res.RunID, res.Criterion, res.StockBefore, res.StockAfter, res.TotalAllocated)
				printOutcomes(res.Orders)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&productID, "product", 0, "product id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func printOutcomes(orders []engine.OrderOutcome) {
	if len(orders) == 0 {
		fmt.Println("No open orders.")
		return
	}
	tw := newTable("Order", "Customer", "Requested", "Granted", "Total Granted", "Status")
	for _, o := range orders {
		status := o.Status
		if o.PreviousStatus != o.Status {
			status = o.PreviousStatus + " -> " + o.Status
		}
		tw.AppendRow(table.Row{o.OrderID, o.CustomerReference, o.Requested, o.Granted, o.NewGranted, status})
	}
	tw.Render()
}

func allocateHistoryCmd() *cobra.Command {
	var productID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List committed allocation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListRuns(ctx, productID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(runs))
				}
				printRuns(runs)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&productID, "product", 0, "product filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func printRuns(runs []domain.AllocationRun) {
	tw := newTable("Run", "Product", "Criterion", "Stock Before", "Stock After", "Granted", "Orders", "Actor", "At")
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.ProductID, r.Criterion, r.StockBefore, r.StockAfter, r.TotalGranted, r.OrdersTouched, r.ActorID, r.CreatedAt})
	}
	tw.Render()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
