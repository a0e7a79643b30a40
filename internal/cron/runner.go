package cronrunner

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner 封装 robfig/cron 的调度器，为每个任务注入统一的基础上下文。
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	baseCtx context.Context
}

// New 构造秒级精度的定时任务调度器。
func New(logger zerolog.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger.With().Str("component", "cron").Logger(),
		baseCtx: baseCtx,
	}
}

// Add 按照六段 cron 表达式注册一个任务。
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		r.logger.Debug().Str("job", name).Msg("cron job firing")
		job(r.baseCtx)
	})
}

func (r *Runner) Start() {
	r.logger.Info().Msg("cron started")
	r.cron.Start()
}

// Stop 停止调度并等待运行中的任务结束。
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("cron stopped")
}
