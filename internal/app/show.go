package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/identity"
)

// Show prints recently ingested sales.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sales, err := store.ListRecentSales(ctx, opts.Limit, opts.Posted)
	if err != nil {
		return err
	}
	if len(sales) == 0 {
		fmt.Fprintln(os.Stdout, "no sales found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tName\tCategory\tETH\tUSD\tTier\tBuyer\tPosted")

	for _, sale := range sales {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			sale.OccurredAt.UTC().Format(time.RFC3339),
			sanitizeInline(sale.AssetName),
			sale.Category,
			formatDecimal(sale.PriceETH, 3),
			formatDecimal(sale.PriceUSD, 0),
			sale.TierName,
			identity.Shorten(sale.Buyer),
			sale.Posted,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
