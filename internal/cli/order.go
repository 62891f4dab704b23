package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"neo-trader/internal/errors"
	"neo-trader/internal/models"
	"neo-trader/pkg/utils"
)

func newOrderCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place, modify, cancel and list orders",
	}
	cmd.AddCommand(newOrderPlaceCmd(app))
	cmd.AddCommand(newOrderModifyCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))
	cmd.AddCommand(newOrderListCmd(app))
	cmd.AddCommand(newOrderTradesCmd(app))
	return cmd
}

// readyForOrders bootstraps the app and makes sure symbols resolve.
func readyForOrders(ctx context.Context, app *App) error {
	if err := app.bootstrap(ctx); err != nil {
		return err
	}
	return app.loadCatalog(ctx)
}

// orderRequestFromFlags builds a placement from the place command's flags.
func orderRequestFromFlags(cmd *cobra.Command, symbol string) models.OrderRequest {
	req := models.DefaultOrderRequest()
	req.Symbol = symbol

	side, _ := cmd.Flags().GetString("side")
	orderType, _ := cmd.Flags().GetString("type")
	product, _ := cmd.Flags().GetString("product")
	validity, _ := cmd.Flags().GetString("validity")
	req.Side = models.OrderSide(strings.ToUpper(side))
	req.Type = models.OrderType(strings.ToUpper(orderType))
	req.Product = models.ProductType(strings.ToUpper(product))
	req.Validity = strings.ToUpper(validity)

	req.Quantity, _ = cmd.Flags().GetInt("qty")
	req.Price, _ = cmd.Flags().GetFloat64("price")
	req.TriggerPrice, _ = cmd.Flags().GetFloat64("trigger")
	req.DisclosedQuantity, _ = cmd.Flags().GetInt("disclosed")
	req.AMO, _ = cmd.Flags().GetBool("amo")

	if cmd.Flags().Changed("sl") {
		v, _ := cmd.Flags().GetFloat64("sl")
		req.StopLossSpread = &v
	}
	if cmd.Flags().Changed("target") {
		v, _ := cmd.Flags().GetFloat64("target")
		req.TargetSpread = &v
	}
	if cmd.Flags().Changed("trailing-sl") {
		v, _ := cmd.Flags().GetFloat64("trailing-sl")
		req.TrailingStopLoss = &v
	}
	return req
}

// warnIfMarketClosed tells the user a regular order placed outside the
// segment's session will be rejected or queued by the broker.
func warnIfMarketClosed(output *Output, app *App, req models.OrderRequest, now time.Time) {
	inst, ok := app.Catalog.Get(req.Symbol)
	if !ok || req.AMO || utils.IsMarketOpen(inst.ExchangeSegment, now) {
		return
	}
	next := utils.GetNextMarketOpen(inst.ExchangeSegment, now)
	output.Warning("%s is closed until %s; pass --amo for an after-market order",
		utils.ExchangeLabel(inst.ExchangeSegment), next.Format("Mon 02 Jan 15:04 IST"))
}

func newOrderPlaceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <trading-symbol>",
		Short: "Place an order and verify it reached the order book",
		Example: `  neo-trader order place BEL-EQ --qty 1
  neo-trader order place TCS-EQ --side SELL --type LIMIT --price 4050 --qty 5 --product MIS
  neo-trader order place BEL-EQ --product BO --type LIMIT --price 290 --sl 2 --target 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := readyForOrders(ctx, app); err != nil {
				return err
			}

			req := orderRequestFromFlags(cmd, args[0])
			if !output.IsJSON() {
				warnIfMarketClosed(output, app, req, time.Now())
				output.Info("Placing %s %s %s x %s (%s)...", req.Type, req.Side,
					utils.FormatQuantity(int64(req.Quantity)), req.Symbol, req.Product)
			}

			res, err := app.Orders.Place(ctx, req)
			if err != nil {
				output.Error("Order failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}

			output.Printf("  Order:   %s\n", res.OrderID)
			output.Printf("  Status:  %s\n", output.Status(res.BrokerStatus))
			output.Printf("  Result:  %s\n", output.Status(string(res.Result)))
			if res.Reason != "" {
				output.Printf("  Reason:  %s\n", res.Reason)
			}
			output.Printf("  Message: %s\n", res.Message)
			return nil
		},
	}

	cmd.Flags().String("side", "BUY", "BUY or SELL")
	cmd.Flags().String("type", "MARKET", "MARKET, LIMIT, SL or SL-M")
	cmd.Flags().String("product", "CNC", "CNC, MIS, NRML or BO")
	cmd.Flags().String("validity", models.ValidityGFD, "order validity")
	cmd.Flags().Int("qty", 1, "quantity")
	cmd.Flags().Float64("price", 0, "limit price")
	cmd.Flags().Float64("trigger", 0, "trigger price for stop orders")
	cmd.Flags().Int("disclosed", 0, "disclosed quantity")
	cmd.Flags().Bool("amo", false, "after-market order")
	cmd.Flags().Float64("sl", 0, "bracket stop-loss spread")
	cmd.Flags().Float64("target", 0, "bracket target spread")
	cmd.Flags().Float64("trailing-sl", 0, "bracket trailing stop-loss")
	return cmd
}

func newOrderModifyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify <order-id>",
		Short: "Modify an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}

			req := models.ModifyRequest{OrderID: args[0]}
			if cmd.Flags().Changed("qty") {
				qty, _ := cmd.Flags().GetInt("qty")
				req.Quantity = &qty
			}
			if cmd.Flags().Changed("price") {
				price, _ := cmd.Flags().GetFloat64("price")
				req.Price = &price
			}
			if t, _ := cmd.Flags().GetString("type"); t != "" {
				req.OrderType = models.OrderType(strings.ToUpper(t))
			}
			if req.Quantity == nil && req.Price == nil && req.OrderType == "" {
				return errors.NewValidationError("modify", args[0], "nothing to change: pass --qty, --price or --type")
			}

			raw, err := app.Orders.Modify(ctx, req)
			if err != nil {
				output.Error("Modify failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.RawJSON(raw)
			}
			output.Success("✓ Order %s modified", args[0])
			return nil
		},
	}
	cmd.Flags().Int("qty", 0, "new quantity")
	cmd.Flags().Float64("price", 0, "new price")
	cmd.Flags().String("type", "", "new order type")
	return cmd
}

func newOrderCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			raw, err := app.Orders.Cancel(ctx, args[0])
			if err != nil {
				output.Error("Cancel failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.RawJSON(raw)
			}
			output.Success("✓ Order %s cancelled", args[0])
			return nil
		},
	}
}

func newOrderListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List today's orders plus recent ledger history",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}

			days := app.Orders.DefaultHistory()
			if cmd.Flags().Changed("days") {
				days, _ = cmd.Flags().GetInt("days")
			}
			entries, err := app.Orders.ListOrders(ctx, days)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				if entries == nil {
					entries = []models.BookEntry{}
				}
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Dim("No orders")
				return nil
			}

			table := NewTable(output, "ORDER", "SYMBOL", "SIDE", "QTY", "PRICE", "STATUS", "TIME", "SOURCE")
			for _, e := range entries {
				source := "broker"
				if e.String("_source") != "" {
					source = e.String("_source")
				}
				table.AddRow(
					e.OrderID(),
					e.String("trdSym"),
					e.String("trnsTp"),
					utils.FormatQuantity(cast.ToInt64(e.String("qty"))),
					utils.FormatIndianCurrency(cast.ToFloat64(e.String("prc"))),
					output.Status(e.Status()),
					e.String("ordDtTm"),
					source,
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "days of ledger history to merge (default from config)")
	return cmd
}

func newOrderTradesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "trades",
		Short: "Show today's trade book",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			raw, err := app.Orders.TradeBook(ctx)
			if err != nil {
				return err
			}
			return output.RawJSON(raw)
		},
	}
}

func newPortfolioCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Positions, holdings, limits and quotes",
	}

	for _, sub := range []struct {
		use, short string
		fetch      func(ctx context.Context) ([]byte, error)
	}{
		{"positions", "Show open positions", func(ctx context.Context) ([]byte, error) { return app.Client.Positions(ctx) }},
		{"holdings", "Show demat holdings", func(ctx context.Context) ([]byte, error) { return app.Client.Holdings(ctx) }},
		{"limits", "Show funds and margin limits", func(ctx context.Context) ([]byte, error) { return app.Client.Limits(ctx) }},
	} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				if err := app.bootstrap(ctx); err != nil {
					return err
				}
				raw, err := sub.fetch(ctx)
				if err != nil {
					return err
				}
				return NewOutput(cmd).RawJSON(raw)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "quote <exchange_segment|token>",
		Short: "Fetch a quote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			query := args[0]
			// A trading symbol is translated to segment|token.
			if !strings.Contains(query, "|") && app.loadCatalog(ctx) == nil {
				if inst, ok := app.Catalog.Get(query); ok {
					query = inst.ExchangeSegment + "|" + inst.InstrumentToken
				}
			}
			raw, err := app.Client.Quote(ctx, query)
			if err != nil {
				return err
			}
			if !output.IsJSON() {
				output.Dim("%s at %s", query, time.Now().In(utils.IndiaLocation).Format("15:04:05 IST"))
			}
			return output.RawJSON(raw)
		},
	})
	return cmd
}
