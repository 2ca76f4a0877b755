package httpapi

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

type addressDTO struct {
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Street     string `json:"street"`
	Note       string `json:"note,omitempty"`
	ProvinceID int    `json:"province_id,omitempty"`
	DistrictID int    `json:"district_id,omitempty"`
	WardCode   string `json:"ward_code,omitempty"`
}

func (a addressDTO) toDomain() domain.ShippingAddress {
	return domain.ShippingAddress{
		FullName:   a.FullName,
		Phone:      a.Phone,
		Email:      a.Email,
		Street:     a.Street,
		Note:       a.Note,
		ProvinceID: a.ProvinceID,
		DistrictID: a.DistrictID,
		WardCode:   a.WardCode,
	}
}

func addressFromDomain(a domain.ShippingAddress) addressDTO {
	return addressDTO{
		FullName:   a.FullName,
		Phone:      a.Phone,
		Email:      a.Email,
		Street:     a.Street,
		Note:       a.Note,
		ProvinceID: a.ProvinceID,
		DistrictID: a.DistrictID,
		WardCode:   a.WardCode,
	}
}

type createOrderRequest struct {
	UserID           string             `json:"user_id"`
	Items            []saga.LineRequest `json:"items"`
	Address          addressDTO         `json:"address"`
	PaymentMethod    string             `json:"payment_method"`
	ShippingFeeMinor int64              `json:"shipping_fee_minor,omitempty"`
}

func (r createOrderRequest) toSaga() saga.CreateOrderRequest {
	return saga.CreateOrderRequest{
		UserID:                   r.UserID,
		Items:                    r.Items,
		Address:                  r.Address.toDomain(),
		PaymentMethod:            domain.PaymentMethod(r.PaymentMethod),
		FallbackShippingFeeMinor: r.ShippingFeeMinor,
	}
}

type transitionRequest struct {
	Status string       `json:"status"`
	Actor  domain.Actor `json:"actor"`
}

type actionRequest struct {
	Actor  domain.Actor `json:"actor"`
	Reason string       `json:"reason,omitempty"`
}

type initiatePaymentRequest struct {
	Actor     domain.Actor `json:"actor"`
	ReturnURL string       `json:"return_url,omitempty"`
	CancelURL string       `json:"cancel_url,omitempty"`
	Locale    string       `json:"locale,omitempty"`
}

type quoteFeeRequest struct {
	Address        addressDTO `json:"address"`
	WeightGrams    int32      `json:"weight_grams"`
	InsuranceMinor int64      `json:"insurance_minor,omitempty"`
}

type quoteFeeResponse struct {
	FeeMinor int64  `json:"fee_minor"`
	Currency string `json:"currency"`
}

type orderItemDTO struct {
	ProductID   string `json:"product_id"`
	Name        string `json:"name"`
	PriceMinor  int64  `json:"price_minor"`
	Qty         int32  `json:"qty"`
	ImageRef    string `json:"image_ref,omitempty"`
	WeightGrams int32  `json:"weight_grams,omitempty"`
}

type carrierDTO struct {
	OrderCode          string     `json:"order_code"`
	Status             string     `json:"status,omitempty"`
	ExpectedDeliveryAt *time.Time `json:"expected_delivery_at,omitempty"`
}

type refundDTO struct {
	ID                    string       `json:"id"`
	ExternalID            string       `json:"external_id,omitempty"`
	BaseAmountMinor       int64        `json:"base_amount_minor"`
	SettlementAmountMinor int64        `json:"settlement_amount_minor,omitempty"`
	SettlementCurrency    string       `json:"settlement_currency,omitempty"`
	ExchangeRate          string       `json:"exchange_rate,omitempty"`
	Reason                string       `json:"reason,omitempty"`
	InitiatedBy           domain.Actor `json:"initiated_by"`
	Outcome               string       `json:"outcome"`
	FailureReason         string       `json:"failure_reason,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
}

type orderResponse struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Items            []orderItemDTO `json:"items"`
	Currency         string         `json:"currency"`
	AmountMinor      int64          `json:"amount_minor"`
	ShippingFeeMinor int64          `json:"shipping_fee_minor"`
	TotalMinor       int64          `json:"total_minor"`
	Address          addressDTO     `json:"address"`
	Status           string         `json:"status"`
	PaymentMethod    string         `json:"payment_method"`
	PaymentStatus    string         `json:"payment_status"`
	Carrier          *carrierDTO    `json:"carrier,omitempty"`
	Refunds          []refundDTO    `json:"refunds,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func orderFromDomain(o domain.Order) orderResponse {
	resp := orderResponse{
		ID:               o.ID,
		UserID:           o.UserID,
		Items:            make([]orderItemDTO, 0, len(o.Items)),
		Currency:         o.Currency,
		AmountMinor:      o.AmountMinor,
		ShippingFeeMinor: o.ShippingFeeMinor,
		TotalMinor:       o.TotalMinor,
		Address:          addressFromDomain(o.Address),
		Status:           string(o.Status),
		PaymentMethod:    string(o.PaymentMethod),
		PaymentStatus:    string(o.PaymentStatus),
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, orderItemDTO{
			ProductID:   item.ProductID,
			Name:        item.Name,
			PriceMinor:  item.PriceMinor,
			Qty:         item.Qty,
			ImageRef:    item.ImageRef,
			WeightGrams: item.WeightGrams,
		})
	}
	if !o.Carrier.Empty() {
		carrier := &carrierDTO{OrderCode: o.Carrier.OrderCode, Status: o.Carrier.Status}
		if !o.Carrier.ExpectedDeliveryAt.IsZero() {
			expected := o.Carrier.ExpectedDeliveryAt
			carrier.ExpectedDeliveryAt = &expected
		}
		resp.Carrier = carrier
	}
	for _, refund := range o.Refunds {
		dto := refundDTO{
			ID:                    refund.ID,
			ExternalID:            refund.ExternalID,
			BaseAmountMinor:       refund.BaseAmountMinor,
			SettlementAmountMinor: refund.SettlementAmountMinor,
			SettlementCurrency:    refund.SettlementCurrency,
			Reason:                refund.Reason,
			InitiatedBy:           refund.InitiatedBy,
			Outcome:               string(refund.Outcome),
			FailureReason:         refund.FailureReason,
			CreatedAt:             refund.CreatedAt,
		}
		if !refund.ExchangeRate.IsZero() {
			dto.ExchangeRate = refund.ExchangeRate.String()
		}
		resp.Refunds = append(resp.Refunds, dto)
	}
	return resp
}

type listOrdersResponse struct {
	Orders []orderResponse `json:"orders"`
}

type timelineEventDTO struct {
	Type       string         `json:"type"`
	Reason     string         `json:"reason,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type timelineResponse struct {
	OrderID string             `json:"order_id"`
	Events  []timelineEventDTO `json:"events"`
}

type ledgerEntryDTO struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	Method               string          `json:"method"`
	Status               string          `json:"status"`
	OriginalCurrency     string          `json:"original_currency"`
	OriginalAmountMinor  int64           `json:"original_amount_minor"`
	ProcessedCurrency    string          `json:"processed_currency,omitempty"`
	ProcessedAmountMinor int64           `json:"processed_amount_minor,omitempty"`
	ExchangeRate         string          `json:"exchange_rate,omitempty"`
	Details              json.RawMessage `json:"details,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

type paymentResponse struct {
	Entry       ledgerEntryDTO `json:"entry"`
	RedirectURL string         `json:"redirect_url,omitempty"`
}

func paymentFromDomain(entry domain.LedgerEntry, gp domain.GatewayPayment) paymentResponse {
	dto := ledgerEntryDTO{
		ID:                   entry.ID,
		OrderID:              entry.OrderID,
		Method:               string(entry.Method),
		Status:               string(entry.Status),
		OriginalCurrency:     entry.OriginalCurrency,
		OriginalAmountMinor:  entry.OriginalAmountMinor,
		ProcessedCurrency:    entry.ProcessedCurrency,
		ProcessedAmountMinor: entry.ProcessedAmountMinor,
		CreatedAt:            entry.CreatedAt,
	}
	if entry.Details != nil {
		if data, err := domain.MarshalGatewayDetails(entry.Details); err == nil {
			dto.Details = data
		}
	}
	if entry.Converted() {
		dto.ExchangeRate = entry.ExchangeRate.String()
	}
	return paymentResponse{Entry: dto, RedirectURL: gp.RedirectURL}
}

type webhookResponse struct {
	Status string `json:"status"`
}
