package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"neo-trader/internal/errors"
	"neo-trader/internal/models"
	"neo-trader/internal/performance"
	"neo-trader/pkg/utils"
)

func newScripCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrip",
		Short: "Scrip master (instrument catalog) commands",
	}
	cmd.AddCommand(newScripReloadCmd(app))
	cmd.AddCommand(newScripSearchCmd(app))
	cmd.AddCommand(newScripGetCmd(app))
	return cmd
}

func newScripReloadCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Download and rebuild the scrip master",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}

			n, err := app.Catalog.Reload(ctx)
			if err != nil {
				output.Error("Reload failed: %v", err)
				return err
			}
			stats := app.Catalog.Stats()
			if output.IsJSON() {
				return output.JSON(stats)
			}

			output.Success("✓ Loaded %s instruments in %s", utils.FormatQuantity(int64(n)), stats.Duration.Round(time.Millisecond))
			table := NewTable(output, "SEGMENT", "INSTRUMENTS", "STATUS")
			for _, f := range stats.Files {
				status := output.Green("ok")
				if f.Error != "" {
					status = output.Red(f.Error)
				}
				table.AddRow(f.Segment, utils.FormatQuantity(int64(f.Instruments)), status)
			}
			table.Render()
			if stats.Overwrites > 0 {
				output.Dim("%d duplicate tokens overwritten", stats.Overwrites)
			}
			output.Dim("Heap in use: %s", performance.FormatBytes(performance.MemoryStats().HeapInuse))
			return nil
		},
	}
}

func newScripSearchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search instruments by symbol or company name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			if err := app.loadCatalog(ctx); err != nil {
				return err
			}

			limit, _ := cmd.Flags().GetInt("limit")
			results := app.Catalog.Search(args[0], limit)
			if output.IsJSON() {
				if results == nil {
					results = []models.Instrument{}
				}
				return output.JSON(results)
			}
			if len(results) == 0 {
				output.Warning("No instruments match %q", args[0])
				return nil
			}
			renderInstruments(output, results)
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "maximum results (default from config)")
	return cmd
}

func newScripGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <trading-symbol>",
		Short: "Show one instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			if err := app.loadCatalog(ctx); err != nil {
				return err
			}

			inst, ok := app.Catalog.Get(args[0])
			if !ok {
				return errors.UnknownSymbol(args[0])
			}
			if output.IsJSON() {
				return output.JSON(inst)
			}

			output.Bold(utils.DisplayName(inst))
			output.Printf("  Symbol:    %s\n", inst.TradingSymbol)
			output.Printf("  Token:     %s\n", inst.InstrumentToken)
			output.Printf("  Segment:   %s (%s)\n", inst.ExchangeSegment, utils.ExchangeLabel(inst.ExchangeSegment))
			if inst.InstrumentType != "" {
				output.Printf("  Type:      %s\n", inst.InstrumentType)
			}
			output.Printf("  Lot size:  %d\n", inst.LotSize)
			if inst.IsDerivative() {
				output.Printf("  Expiry:    %s\n", utils.FormatExpiry(inst.ExpiryDate))
			}
			if inst.IsOption() {
				output.Printf("  Strike:    %s %s\n", utils.FormatStrike(inst.StrikePrice), inst.OptionType)
			}
			if inst.CompanyName != "" {
				output.Printf("  Company:   %s\n", inst.CompanyName)
			}
			return nil
		},
	}
}

func renderInstruments(output *Output, insts []models.Instrument) {
	table := NewTable(output, "SYMBOL", "TOKEN", "SEGMENT", "LOT", "NAME")
	for _, inst := range insts {
		table.AddRow(
			inst.TradingSymbol,
			inst.InstrumentToken,
			inst.ExchangeSegment,
			fmt.Sprint(inst.LotSize),
			utils.DisplayName(inst),
		)
	}
	table.Render()
}
