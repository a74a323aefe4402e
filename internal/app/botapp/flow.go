package botapp

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
	tginfra "github.com/Valerii-S84/quiz-arena-sub002/internal/infra/telegram"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/catalog"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/services/purchases"
)

const (
	helpText = "Commands:\n/products - list what you can buy\n/buy PRODUCT [PROMO] - get an invoice"
	buyUsage = "Usage: /buy PRODUCT [PROMO]"

	paymentDelayedText   = "Payment received. Crediting is delayed, it will be applied automatically."
	paymentReviewText    = "Payment received. Crediting needs a manual check, support has been notified."
	precheckoutRejectMsg = "This invoice can no longer be paid."
)

type messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendInvoice(ctx context.Context, invoice tginfra.Invoice) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

type purchaseService interface {
	Init(ctx context.Context, in purchases.InitInput) (purchases.InitResult, error)
	MarkInvoiceSent(ctx context.Context, purchaseID string) (model.Purchase, error)
	ValidatePrecheckout(ctx context.Context, in purchases.PrecheckoutInput) (model.Purchase, error)
	ApplySuccessfulPayment(ctx context.Context, in purchases.PaymentInput) (purchases.PaymentResult, error)
}

type promoService interface {
	Redeem(ctx context.Context, userID int64, code string) (model.PromoRedemption, error)
}

// flow drives the Stars purchase conversation: invoice, pre-checkout answer
// and successful payment.
type flow struct {
	out       messenger
	purchases purchaseService
	promo     promoService
	catalog   *catalog.Catalog
	logger    *zap.Logger
}

func newFlow(out messenger, purchaseSvc purchaseService, promoSvc promoService, products *catalog.Catalog, logger *zap.Logger) *flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &flow{
		out:       out,
		purchases: purchaseSvc,
		promo:     promoSvc,
		catalog:   products,
		logger:    logger,
	}
}

func (f *flow) handleCommand(ctx context.Context, update tginfra.CommandUpdate) error {
	switch strings.ToLower(strings.TrimSpace(update.Command)) {
	case "start", "help":
		return f.out.SendText(ctx, update.ChatID, helpText)
	case "products":
		return f.out.SendText(ctx, update.ChatID, f.productList())
	case "buy":
		return f.handleBuy(ctx, update)
	default:
		return nil
	}
}

func (f *flow) productList() string {
	var b strings.Builder
	b.WriteString("Products:")
	for _, product := range f.catalog.All() {
		fmt.Fprintf(&b, "\n%s - %s, %d stars", product.Code, product.Title, product.PriceStars)
	}
	return b.String()
}

func (f *flow) handleBuy(ctx context.Context, update tginfra.CommandUpdate) error {
	args := strings.Fields(update.Args)
	if len(args) == 0 || len(args) > 2 {
		return f.out.SendText(ctx, update.ChatID, buyUsage)
	}

	in := purchases.InitInput{
		UserID:         update.UserID,
		ProductCode:    args[0],
		IdempotencyKey: fmt.Sprintf("tg:%d:%d", update.ChatID, update.MessageID),
	}
	if len(args) == 2 {
		redemption, err := f.promo.Redeem(ctx, update.UserID, args[1])
		if err != nil {
			return f.reply(ctx, update.ChatID, err)
		}
		in.PromoRedemptionID = redemption.ID
	}

	result, err := f.purchases.Init(ctx, in)
	if err != nil {
		return f.reply(ctx, update.ChatID, err)
	}

	purchase := result.Purchase
	if err := f.out.SendInvoice(ctx, tginfra.Invoice{
		ChatID:      update.ChatID,
		Title:       result.Product.Title,
		Description: result.Product.Description,
		Payload:     purchase.InvoicePayload,
		Amount:      purchase.FinalPrice,
	}); err != nil {
		return err
	}

	if _, err := f.purchases.MarkInvoiceSent(ctx, purchase.ID); err != nil {
		f.logger.Warn("mark invoice sent", zap.String("purchase_id", purchase.ID), zap.Error(err))
	}
	return nil
}

func (f *flow) handlePreCheckout(ctx context.Context, update tginfra.PreCheckoutUpdate) error {
	if update.Currency != tginfra.StarsCurrency {
		return f.out.AnswerPreCheckout(ctx, update.QueryID, false, precheckoutRejectMsg)
	}

	_, err := f.purchases.ValidatePrecheckout(ctx, purchases.PrecheckoutInput{
		UserID:         update.UserID,
		InvoicePayload: update.InvoicePayload,
		TotalAmount:    update.TotalAmount,
	})
	if err != nil {
		f.logger.Info("precheckout rejected",
			zap.String("invoice_payload", update.InvoicePayload),
			zap.Int64("user_id", update.UserID),
			zap.Error(err),
		)
		return f.out.AnswerPreCheckout(ctx, update.QueryID, false, precheckoutRejectMsg)
	}
	return f.out.AnswerPreCheckout(ctx, update.QueryID, true, "")
}

func (f *flow) handleSuccessfulPayment(ctx context.Context, update tginfra.SuccessfulPaymentUpdate) error {
	result, err := f.purchases.ApplySuccessfulPayment(ctx, purchases.PaymentInput{
		UserID:         update.UserID,
		InvoicePayload: update.InvoicePayload,
		ChargeID:       update.TelegramPaymentChargeID,
		RawPayload:     update.Raw(),
	})
	if err != nil {
		f.logger.Error("apply successful payment",
			zap.String("invoice_payload", update.InvoicePayload),
			zap.String("charge_id", update.TelegramPaymentChargeID),
			zap.Error(err),
		)
		text := paymentDelayedText
		if purchases.Classify(err) == purchases.ClassRecoveryExhausted {
			text = paymentReviewText
		}
		return f.out.SendText(ctx, update.ChatID, text)
	}

	if result.Idempotent {
		return nil
	}
	return f.out.SendText(ctx, update.ChatID, fmt.Sprintf("Payment received, %s is credited.", result.Purchase.ProductCode))
}

// reply reports a business failure to the chat; internal failures are
// returned to the listener.
func (f *flow) reply(ctx context.Context, chatID int64, err error) error {
	text, ok := userMessage(err)
	if !ok {
		return err
	}
	return f.out.SendText(ctx, chatID, text)
}

func userMessage(err error) (string, bool) {
	switch purchases.Classify(err) {
	case purchases.ClassNotFound:
		return "Unknown product or promo code.", true
	case purchases.ClassValidation:
		return "The request is not valid: " + err.Error(), true
	case purchases.ClassBusinessRule:
		return "The purchase is not available right now: " + err.Error(), true
	case purchases.ClassRecoveryExhausted:
		return paymentReviewText, true
	default:
		return "", false
	}
}
