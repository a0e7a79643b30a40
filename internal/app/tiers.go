package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
)

// ShowTiers prints the configured tier ladders, optionally one category.
func (a *App) ShowTiers(ctx context.Context, category string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	bands, err := store.ListTierBands(ctx)
	if err != nil {
		return err
	}

	if category != "" {
		filtered := bands[:0]
		for _, band := range bands {
			if band.Category == category {
				filtered = append(filtered, band)
			}
		}
		bands = filtered
	}
	if len(bands) == 0 {
		fmt.Fprintln(os.Stdout, "no tier bands found")
		return nil
	}

	sort.Slice(bands, func(i, j int) bool {
		if bands[i].Category != bands[j].Category {
			return bands[i].Category < bands[j].Category
		}
		return bands[i].Index < bands[j].Index
	})

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Category\tIdx\tName\tMin USD\tMax USD\tAuto-post ETH floor")
	for _, band := range bands {
		maxUSD := "-"
		if band.MaxUSD != nil {
			maxUSD = band.MaxUSD.String()
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\n",
			band.Category,
			band.Index,
			band.Name,
			band.MinUSD.String(),
			maxUSD,
			band.MinNative.String(),
		)
	}

	return writer.Flush()
}
