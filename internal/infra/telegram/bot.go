package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// StarsCurrency is the Telegram Stars currency code. Stars invoices carry no
// provider token.
const StarsCurrency = "XTR"

type Bot struct {
	api *tgbotapi.BotAPI
}

type CommandUpdate struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Command   string
	Args      string
}

type PreCheckoutUpdate struct {
	QueryID        string
	UserID         int64
	Currency       string
	TotalAmount    int
	InvoicePayload string
}

type SuccessfulPaymentUpdate struct {
	ChatID                  int64
	UserID                  int64
	Currency                string
	TotalAmount             int
	InvoicePayload          string
	TelegramPaymentChargeID string
	ProviderPaymentChargeID string
}

// Raw returns the gateway payload stored with the purchase.
func (u SuccessfulPaymentUpdate) Raw() map[string]any {
	return map[string]any{
		"currency":                   u.Currency,
		"total_amount":               u.TotalAmount,
		"invoice_payload":            u.InvoicePayload,
		"telegram_payment_charge_id": u.TelegramPaymentChargeID,
		"provider_payment_charge_id": u.ProviderPaymentChargeID,
	}
}

type Handlers struct {
	OnCommand           func(context.Context, CommandUpdate) error
	OnPreCheckout       func(context.Context, PreCheckoutUpdate) error
	OnSuccessfulPayment func(context.Context, SuccessfulPaymentUpdate) error
}

type Invoice struct {
	ChatID      int64
	Title       string
	Description string
	Payload     string
	Amount      int
}

func NewBot(token string) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}

	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot api: %w", err)
	}

	return &Bot{api: api}, nil
}

func (b *Bot) Listen(ctx context.Context, handlers Handlers) error {
	if b == nil || b.api == nil {
		return fmt.Errorf("telegram bot is not initialized")
	}

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updateCfg.AllowedUpdates = []string{"message", "pre_checkout_query"}
	updates := b.api.GetUpdatesChan(updateCfg)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-updates:
			if err := dispatch(ctx, update, handlers); err != nil {
				return err
			}
		}
	}
}

func dispatch(ctx context.Context, update tgbotapi.Update, handlers Handlers) error {
	if q := update.PreCheckoutQuery; q != nil && q.From != nil {
		if handlers.OnPreCheckout == nil {
			return nil
		}
		return handlers.OnPreCheckout(ctx, PreCheckoutUpdate{
			QueryID:        q.ID,
			UserID:         q.From.ID,
			Currency:       q.Currency,
			TotalAmount:    q.TotalAmount,
			InvoicePayload: q.InvoicePayload,
		})
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil
	}

	if p := msg.SuccessfulPayment; p != nil {
		if handlers.OnSuccessfulPayment == nil {
			return nil
		}
		return handlers.OnSuccessfulPayment(ctx, SuccessfulPaymentUpdate{
			ChatID:                  msg.Chat.ID,
			UserID:                  msg.From.ID,
			Currency:                p.Currency,
			TotalAmount:             p.TotalAmount,
			InvoicePayload:          p.InvoicePayload,
			TelegramPaymentChargeID: p.TelegramPaymentChargeID,
			ProviderPaymentChargeID: p.ProviderPaymentChargeID,
		})
	}

	if msg.IsCommand() && handlers.OnCommand != nil {
		return handlers.OnCommand(ctx, CommandUpdate{
			ChatID:    msg.Chat.ID,
			MessageID: msg.MessageID,
			UserID:    msg.From.ID,
			Username:  msg.From.UserName,
			Command:   msg.Command(),
			Args:      msg.CommandArguments(),
		})
	}
	return nil
}

func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	if b == nil || b.api == nil {
		return fmt.Errorf("telegram bot is not initialized")
	}
	if chatID == 0 {
		return fmt.Errorf("chat id is required")
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	_ = ctx
	return nil
}

// SendInvoice sends a Stars invoice priced in whole stars.
func (b *Bot) SendInvoice(ctx context.Context, invoice Invoice) error {
	if b == nil || b.api == nil {
		return fmt.Errorf("telegram bot is not initialized")
	}
	if invoice.ChatID == 0 || invoice.Payload == "" || invoice.Amount <= 0 {
		return fmt.Errorf("invalid invoice")
	}

	cfg := tgbotapi.NewInvoice(
		invoice.ChatID,
		invoice.Title,
		invoice.Description,
		invoice.Payload,
		"",
		"",
		StarsCurrency,
		[]tgbotapi.LabeledPrice{{Label: invoice.Title, Amount: invoice.Amount}},
	)
	cfg.SuggestedTipAmounts = []int{}

	if _, err := b.api.Send(cfg); err != nil {
		return fmt.Errorf("send telegram invoice: %w", err)
	}

	_ = ctx
	return nil
}

// AnswerPreCheckout must be called within ten seconds of the query.
func (b *Bot) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	if b == nil || b.api == nil {
		return fmt.Errorf("telegram bot is not initialized")
	}

	cfg := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: queryID,
		OK:                 ok,
	}
	if !ok {
		cfg.ErrorMessage = errorMessage
	}
	if _, err := b.api.Request(cfg); err != nil {
		return fmt.Errorf("answer pre-checkout query: %w", err)
	}

	_ = ctx
	return nil
}
