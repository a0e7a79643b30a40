package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/twitter"
)

// Export renders stored sales as CSV and/or a PNG price chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	sales, err := store.ListSalesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(sales) == 0 {
		a.Logger.Info().Msg("no sales found for export window")
		return nil
	}

	downsampled := downsampleSales(sales, opts.MaxPoints)
	a.Logger.Info().Int("total", len(sales)).Int("exported", len(downsampled)).Msg("exporting sales")

	if opts.CSVPath != "" {
		if err := writeSalesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSalesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSales(sales []storage.SaleEvent, max int) []storage.SaleEvent {
	if max <= 0 || len(sales) <= max {
		return sales
	}

	result := make([]storage.SaleEvent, 0, max)
	step := float64(len(sales)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(sales) {
			idx = len(sales) - 1
		}
		result = append(result, sales[idx])
	}
	return result
}

func writeSalesCSV(path string, sales []storage.SaleEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"occurred_at", "tx_id", "block_height", "category", "name", "buyer", "seller", "price_eth", "price_usd", "tier", "posted"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sale := range sales {
		record := []string{
			sale.OccurredAt.UTC().Format(time.RFC3339),
			sale.TxID,
			strconv.FormatInt(sale.BlockHeight, 10),
			sale.Category,
			sale.AssetName,
			sale.Buyer,
			sale.Seller,
			sale.PriceETH.String(),
			sale.PriceUSD.String(),
			sale.TierName,
			strconv.FormatBool(sale.Posted),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSalesPNG(path string, sales []storage.SaleEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	png, err := twitter.BuildPriceChart(sales)
	if err != nil {
		return err
	}
	return os.WriteFile(path, png, 0o644)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
