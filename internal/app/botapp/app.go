package botapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/app/core"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/config"
	tginfra "github.com/Valerii-S84/quiz-arena-sub002/internal/infra/telegram"
)

type App struct {
	cfg    config.Config
	logger *zap.Logger
	core   *core.Core
	bot    *tginfra.Bot
	flow   *flow
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if strings.TrimSpace(cfg.Bot.Token) == "" {
		return nil, fmt.Errorf("BOT_TOKEN is empty")
	}

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	bot, err := tginfra.NewBot(cfg.Bot.Token)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		core:   c,
		bot:    bot,
		flow:   newFlow(bot, c.Purchases, c.Promo, c.Catalog, logger),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("bot app started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.bot.Listen(ctx, a.handlers())
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("bot app stopped")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// handlers keeps a failed update from stopping the listener.
func (a *App) handlers() tginfra.Handlers {
	return tginfra.Handlers{
		OnCommand: func(ctx context.Context, u tginfra.CommandUpdate) error {
			a.logFailure("command", a.flow.handleCommand(ctx, u))
			return nil
		},
		OnPreCheckout: func(ctx context.Context, u tginfra.PreCheckoutUpdate) error {
			a.logFailure("pre_checkout", a.flow.handlePreCheckout(ctx, u))
			return nil
		},
		OnSuccessfulPayment: func(ctx context.Context, u tginfra.SuccessfulPaymentUpdate) error {
			a.logFailure("successful_payment", a.flow.handleSuccessfulPayment(ctx, u))
			return nil
		},
	}
}

func (a *App) logFailure(update string, err error) {
	if err != nil {
		a.logger.Error("telegram update failed", zap.String("update", update), zap.Error(err))
	}
}

func (a *App) Close() {
	if err := a.core.Close(); err != nil {
		a.logger.Warn("close bot dependencies", zap.Error(err))
	}
}
