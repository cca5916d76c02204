package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/recurring/pkg/billing"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// Event types emitted by the payment processor
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"

	EventInvoiceCreated       = "invoice.created"
	EventInvoiceFinalized     = "invoice.finalized"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoiceVoided        = "invoice.voided"

	EventPaymentMethodAttached = "payment_method.attached"
	EventPaymentMethodDetached = "payment_method.detached"
)

// RegisterDefaultHandlers wires the standard processor event types to the
// billing ledger and the dunning engine. Handlers log through the
// event-scoped logger the dispatcher places on the context.
func RegisterDefaultHandlers(d *Dispatcher, svc billing.Service, engine *billing.DunningEngine) {
	subscription := subscriptionHandler(svc)
	d.Register(EventSubscriptionCreated, subscription)
	d.Register(EventSubscriptionUpdated, subscription)
	d.Register(EventSubscriptionDeleted, subscription)

	invoice := invoiceHandler(svc)
	d.Register(EventInvoiceCreated, invoice)
	d.Register(EventInvoiceFinalized, invoice)
	d.Register(EventInvoicePaid, invoice)
	d.Register(EventInvoiceVoided, invoice)
	d.Register(EventInvoicePaymentFailed, paymentFailedHandler(svc, engine))

	paymentMethod := paymentMethodHandler(svc)
	d.Register(EventPaymentMethodAttached, paymentMethod)
	d.Register(EventPaymentMethodDetached, paymentMethod)
}

// subscriptionHandler applies processor subscription state to the ledger.
// A deletion event carries the final state with status canceled; events for
// subscriptions the ledger never saw are dropped with a warning since they
// were created outside this system.
func subscriptionHandler(svc billing.Service) Handler {
	return HandlerFunc(func(ctx context.Context, event *processor.Event) error {
		var sub processor.Subscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("%w: subscription payload: %v", ErrMalformedEvent, err)
		}
		if sub.ID == "" {
			return fmt.Errorf("%w: subscription payload missing id", ErrMalformedEvent)
		}
		if event.Type == EventSubscriptionDeleted && sub.Status == "" {
			sub.Status = "canceled"
		}

		_, err := svc.ApplyStatusTransition(ctx, &sub)
		if billing.IsNotFound(err) {
			observability.FromContext(ctx).
				WithField("processor_subscription_id", sub.ID).
				Warn("dropping event for unknown subscription")
			return nil
		}
		return err
	})
}

func invoiceHandler(svc billing.Service) Handler {
	return HandlerFunc(func(ctx context.Context, event *processor.Event) error {
		var inv processor.Invoice
		if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
			return fmt.Errorf("%w: invoice payload: %v", ErrMalformedEvent, err)
		}
		if inv.ID == "" {
			return fmt.Errorf("%w: invoice payload missing id", ErrMalformedEvent)
		}

		_, err := svc.UpsertInvoiceFromProcessor(ctx, &inv)
		if billing.IsNotFound(err) {
			observability.FromContext(ctx).
				WithField("processor_invoice_id", inv.ID).
				Warn("dropping invoice event for unknown customer")
			return nil
		}
		return err
	})
}

// paymentFailedHandler records the failed invoice state and then feeds the
// failure into the dunning schedule. The ledger rejects backwards
// transitions and hands back the current row, so a stale failure event for
// an invoice that already settled or was voided resolves to a row whose
// status is not payment_failed; those never reach the engine.
func paymentFailedHandler(svc billing.Service, engine *billing.DunningEngine) Handler {
	return HandlerFunc(func(ctx context.Context, event *processor.Event) error {
		var ext processor.Invoice
		if err := json.Unmarshal(event.Data.Object, &ext); err != nil {
			return fmt.Errorf("%w: invoice payload: %v", ErrMalformedEvent, err)
		}
		if ext.ID == "" {
			return fmt.Errorf("%w: invoice payload missing id", ErrMalformedEvent)
		}

		inv, err := svc.UpsertInvoiceFromProcessor(ctx, &ext)
		if billing.IsNotFound(err) {
			observability.FromContext(ctx).
				WithField("processor_invoice_id", ext.ID).
				Warn("dropping payment failure for unknown customer")
			return nil
		}
		if err != nil {
			return err
		}
		if inv == nil || inv.Status != billing.InvoiceStatusPaymentFailed {
			return nil
		}

		_, err = engine.HandleFailedPayment(ctx, inv)
		return err
	})
}

func paymentMethodHandler(svc billing.Service) Handler {
	return HandlerFunc(func(ctx context.Context, event *processor.Event) error {
		var pm processor.PaymentMethod
		if err := json.Unmarshal(event.Data.Object, &pm); err != nil {
			return fmt.Errorf("%w: payment method payload: %v", ErrMalformedEvent, err)
		}
		if pm.ID == "" {
			return fmt.Errorf("%w: payment method payload missing id", ErrMalformedEvent)
		}
		if event.Type == EventPaymentMethodDetached {
			pm.CustomerID = ""
		}

		_, err := svc.SyncPaymentMethod(ctx, &pm)
		if billing.IsNotFound(err) {
			observability.FromContext(ctx).
				WithField("processor_payment_method_id", pm.ID).
				Warn("dropping payment method event for unknown customer")
			return nil
		}
		return err
	})
}
