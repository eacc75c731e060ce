package pay

//go:generate mockgen -source=gateway.go -destination=mocks/gateway_mock.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"clubBack/internal/models"
)

// Gateway is the outbound surface of the billing provider.
type Gateway interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateSubscription(ctx context.Context, params SubscriptionParams) (string, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
	VerifyEvent(payload []byte, signatureHeader string) (*models.Event, error)
}

type CustomerParams struct {
	Email      string
	Name       string
	Phone      string
	ChildrenID int64
}

type SubscriptionParams struct {
	CustomerRef string
	ProductRef  string
	ChildrenID  int64
	GroupID     int64
}

// ErrGateway marks errors that came from a provider call.
var ErrGateway = errors.New("billing provider request failed")

// APIError is returned when the provider answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	bt := strings.TrimSpace(e.Body)
	if bt == "" {
		return fmt.Sprintf("billing provider error: %s", e.Status)
	}
	return fmt.Sprintf("billing provider error: %s: %s", e.Status, bt)
}
