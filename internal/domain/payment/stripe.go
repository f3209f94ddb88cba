package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

// StripeGateway implements Gateway with PaymentIntents in manual capture
// mode and Checkout Sessions.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	currency      string
	log           logrus.FieldLogger
}

func NewStripeGateway(cfg StripeConfig, log logrus.FieldLogger) *StripeGateway {
	return newStripeGateway(cfg, nil, log)
}

// newStripeGateway with nil backends uses the live API.
func newStripeGateway(cfg StripeConfig, backends *stripe.Backends, log logrus.FieldLogger) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &StripeGateway{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		currency:      cfg.Currency,
		log:           log,
	}
}

func (g *StripeGateway) CreateAuthorization(ctx context.Context, amount int64, metadata map[string]string, idempotencyKey string) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(g.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: metadata,
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &Authorization{IntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	metadata := map[string]string{
		MetaLessonID:   req.LessonID,
		MetaTutorID:    req.TutorID,
		MetaStudentID:  req.StudentID,
		MetaCourseCode: req.CourseCode,
		MetaLessonDate: req.LessonDate.UTC().Format("2006-01-02T15:04:05Z"),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.LessonID),
		ExpiresAt:         stripe.Int64(req.ExpiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Lesson " + req.CourseCode),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			Metadata:      metadata,
		},
		Metadata: metadata,
	}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.URL, nil
}

func (g *StripeGateway) Capture(ctx context.Context, intentID string, amount int64) (*CaptureResult, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	if amount > 0 {
		params.AmountToCapture = stripe.Int64(amount)
	}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Capture(intentID, params)
	if err != nil {
		if isUnexpectedState(err) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyFinalized, err)
		}
		return nil, fmt.Errorf("capture %s: %w", intentID, err)
	}
	return &CaptureResult{
		IntentID:       pi.ID,
		Status:         string(pi.Status),
		AmountCaptured: pi.AmountReceived,
	}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string) error {
	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	pi, err := g.api.PaymentIntents.Get(intentID, get)
	if err != nil {
		return fmt.Errorf("get %s: %w", intentID, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return nil
	case stripe.PaymentIntentStatusSucceeded:
		params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
		params.Context = ctx
		params.SetIdempotencyKey("refund-" + intentID)
		if _, err := g.api.Refunds.New(params); err != nil {
			return fmt.Errorf("refund %s: %w", intentID, err)
		}
	default:
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		if _, err := g.api.PaymentIntents.Cancel(intentID, params); err != nil && !isUnexpectedState(err) {
			return fmt.Errorf("cancel %s: %w", intentID, err)
		}
	}

	g.log.WithFields(logrus.Fields{
		"payment_intent_id": intentID,
		"previous_status":   pi.Status,
	}).Info("hold released")
	return nil
}

func (g *StripeGateway) LessonIDForIntent(ctx context.Context, intentID string) (string, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := g.api.CheckoutSessions.List(params)
	for it.Next() {
		s := it.CheckoutSession()
		if id := s.Metadata[MetaLessonID]; id != "" {
			return id, nil
		}
		if s.ClientReferenceID != "" {
			return s.ClientReferenceID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list checkout sessions for %s: %w", intentID, err)
	}
	return "", nil
}

func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (Event, error) {
	if signature == "" {
		return nil, ErrMissingSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var raw []byte
	if ev.Data != nil {
		raw = ev.Data.Raw
	}
	return DecodeEvent(ev.ID, string(ev.Type), ev.Created, raw)
}

func isUnexpectedState(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}
