package dto

type InvoiceSentRequest struct {
	PurchaseID string `json:"purchase_id"`
}

type PrecheckoutRequest struct {
	UserID         int64  `json:"user_id"`
	InvoicePayload string `json:"invoice_payload"`
	TotalAmount    int    `json:"total_amount"`
}

type PrecheckoutResponse struct {
	OK         bool   `json:"ok"`
	PurchaseID string `json:"purchase_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

type SuccessfulPaymentRequest struct {
	UserID                  int64          `json:"user_id"`
	InvoicePayload          string         `json:"invoice_payload"`
	TelegramPaymentChargeID string         `json:"telegram_payment_charge_id"`
	Raw                     map[string]any `json:"raw,omitempty"`
}

type SuccessfulPaymentResponse struct {
	Purchase   PurchaseResponse `json:"purchase"`
	Idempotent bool             `json:"idempotent"`
}
