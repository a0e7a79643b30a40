package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/service"
)

// Status prints the scheduler state, rate-limit window, and 24h activity.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter := ratelimit.New(store, a.Config.RateLimit.MaxPosts, a.Config.RateLimit.Window)
	svc := service.New(a.Config, nil, nil, nil, store, nil, nil, limiter, a.Logger)

	state, err := svc.SchedulerStatus(ctx)
	if err != nil {
		return err
	}
	rl, err := svc.RateLimitStatus(ctx)
	if err != nil {
		return err
	}
	stats, err := svc.ActivityStats(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Scheduler\t%s\n", state.State)
	fmt.Fprintf(writer, "Cursor height\t%d\n", state.CursorHeight)
	fmt.Fprintf(writer, "Consecutive errors\t%d\n", state.ErrorCount)
	if state.LastTickAt != nil {
		fmt.Fprintf(writer, "Last tick\t%s\n", state.LastTickAt.UTC().Format(time.RFC3339))
	}
	if state.LastError != nil {
		fmt.Fprintf(writer, "Last error\t%s\n", sanitizeInline(*state.LastError))
	}
	fmt.Fprintf(writer, "Posts used\t%d/%d\n", rl.Used, rl.Max)
	if rl.ResetAt != nil {
		fmt.Fprintf(writer, "Next slot frees\t%s\n", rl.ResetAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(writer, "Sales (24h)\t%d\n", stats.SalesIngested)
	fmt.Fprintf(writer, "Posts ok/failed (24h)\t%d/%d\n", stats.PostsSucceeded, stats.PostsFailed)

	return writer.Flush()
}
