package payments

import (
	"context"
	"fmt"
	"strconv"

	mpconfig "github.com/mercadopago/sdk-go/pkg/config"
	mppayment "github.com/mercadopago/sdk-go/pkg/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carserv/carserv-platform/pkg/logging"
)

var mercadopagoLookupTracer = otel.Tracer("carserv.internal.payments.mercadopago")

// MercadoPagoGateway verifies callbacks against the Mercado Pago API.
type MercadoPagoGateway struct {
	client mppayment.Client
	logger *logging.Logger
}

// NewMercadoPagoGateway builds the provider client from an access token.
func NewMercadoPagoGateway(accessToken string, logger *logging.Logger) (*MercadoPagoGateway, error) {
	if accessToken == "" {
		return nil, ErrGatewayNotConfigured
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg, err := mpconfig.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("payments: mercadopago config: %w", err)
	}
	return &MercadoPagoGateway{
		client: mppayment.NewClient(cfg),
		logger: logger.WithComponent("mercadopago"),
	}, nil
}

func (g *MercadoPagoGateway) Name() string { return "mercadopago" }

// LookupPayment fetches the provider's record for a payment id.
func (g *MercadoPagoGateway) LookupPayment(ctx context.Context, ref string) (*GatewayPayment, error) {
	id, err := strconv.Atoi(ref)
	if err != nil {
		return nil, fmt.Errorf("payments: mercadopago ref %q is not numeric: %w", ref, err)
	}

	ctx, span := mercadopagoLookupTracer.Start(ctx, "payments.mercadopago.lookup")
	defer span.End()
	span.SetAttributes(attribute.String("carserv.payment_ref", ref))

	resp, err := g.client.Get(ctx, id)
	if err != nil {
		g.logger.Error("mercadopago lookup failed", "ref", ref, "error", err)
		return nil, fmt.Errorf("payments: mercadopago lookup: %w", err)
	}
	// ExternalReference round-trips the local intent code through the
	// provider.
	return &GatewayPayment{
		Ref:        strconv.Itoa(resp.ID),
		Status:     resp.Status,
		Amount:     resp.TransactionAmount,
		Currency:   resp.CurrencyID,
		IntentCode: resp.ExternalReference,
	}, nil
}
