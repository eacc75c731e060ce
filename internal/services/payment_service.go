package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clubBack/internal/billing/pay"
	"clubBack/internal/models"
)

type ChildDirectory interface {
	FindChildByID(ctx context.Context, id int64) (*models.Child, error)
	SetGroup(ctx context.Context, childrenID, groupID int64) (*models.Child, error)
	SetCustomerRef(ctx context.Context, childrenID int64, customerRef string) error
}

type GroupDirectory interface {
	FindGroupByID(ctx context.Context, id int64) (*models.Group, error)
}

type InvoiceHistory interface {
	ListByChild(ctx context.Context, childrenID int64) ([]models.InvoiceRecord, error)
}

type PaymentConfig struct {
	Gateway  pay.Gateway
	Children ChildDirectory
	Groups   GroupDirectory
	Invoices InvoiceHistory
	// Timeout bounds every gateway call.
	Timeout time.Duration
	Logger  *slog.Logger
}

type PaymentService struct {
	gateway  pay.Gateway
	children ChildDirectory
	groups   GroupDirectory
	invoices InvoiceHistory
	timeout  time.Duration
	logger   *slog.Logger
}

// Enrollment is what the subscribe flow hands back to the client.
type Enrollment struct {
	Child          *models.Child `json:"child"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
}

func NewPaymentService(cfg PaymentConfig) (*PaymentService, error) {
	if cfg.Gateway == nil || cfg.Children == nil || cfg.Groups == nil {
		return nil, errors.New("payment service: gateway, children and groups are required")
	}
	s := &PaymentService{
		gateway:  cfg.Gateway,
		children: cfg.Children,
		groups:   cfg.Groups,
		invoices: cfg.Invoices,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// SubscribeGroup enrolls the child in the group. When both sides carry
// provider references the provider subscription is created first and a
// gateway failure leaves the enrollment untouched.
func (s *PaymentService) SubscribeGroup(ctx context.Context, childrenID, groupID int64) (*Enrollment, error) {
	child, err := s.child(ctx, childrenID)
	if err != nil {
		return nil, err
	}
	group, err := s.groups.FindGroupByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			return nil, models.ErrGroupNotFound
		}
		return nil, fmt.Errorf("find group %d: %w", groupID, err)
	}

	logger := s.logger.With("children_id", childrenID, "group_id", groupID)
	var subscriptionID string
	if child.CustomerRef() != "" && group.ProductRef() != "" {
		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		subscriptionID, err = s.gateway.CreateSubscription(gctx, pay.SubscriptionParams{
			CustomerRef: child.CustomerRef(),
			ProductRef:  group.ProductRef(),
			ChildrenID:  childrenID,
			GroupID:     groupID,
		})
		cancel()
		if err != nil {
			logger.Error("create provider subscription", "err", err)
			return nil, fmt.Errorf("create subscription: %w: %w", pay.ErrGateway, err)
		}
		logger.Info("provider subscription created", "subscription_id", subscriptionID)
	} else {
		logger.Info("enrolling without provider subscription",
			"customer_linked", child.CustomerRef() != "",
			"product_linked", group.ProductRef() != "",
		)
	}

	updated, err := s.children.SetGroup(ctx, childrenID, groupID)
	if err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			return nil, models.ErrChildNotFound
		}
		return nil, fmt.Errorf("set group: %w", err)
	}
	return &Enrollment{Child: updated, SubscriptionID: subscriptionID}, nil
}

// CustomerPortal returns a provider self-service URL for the child's customer.
func (s *PaymentService) CustomerPortal(ctx context.Context, childrenID int64, returnURL string) (string, error) {
	child, err := s.child(ctx, childrenID)
	if err != nil {
		return "", err
	}
	if child.CustomerRef() == "" {
		return "", models.ErrCustomerNotLinked
	}
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	url, err := s.gateway.CreatePortalSession(gctx, child.CustomerRef(), returnURL)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w: %w", pay.ErrGateway, err)
	}
	return url, nil
}

// EnsureCustomer links the child to a provider customer. A child that
// already has one is returned unchanged.
func (s *PaymentService) EnsureCustomer(ctx context.Context, childrenID int64) (*models.Child, error) {
	child, err := s.child(ctx, childrenID)
	if err != nil {
		return nil, err
	}
	if child.CustomerRef() != "" {
		return child, nil
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	ref, err := s.gateway.CreateCustomer(gctx, pay.CustomerParams{
		Email:      child.Email,
		Name:       child.Name,
		Phone:      child.Phone,
		ChildrenID: child.ID,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("create customer: %w: %w", pay.ErrGateway, err)
	}
	if err := s.children.SetCustomerRef(ctx, childrenID, ref); err != nil {
		// The provider customer exists now; a retry creates another one.
		s.logger.Error("store customer reference", "children_id", childrenID, "customer", ref, "err", err)
		return nil, fmt.Errorf("store customer reference: %w", err)
	}
	child.ExternalID = &ref
	s.logger.Info("billing customer linked", "children_id", childrenID, "customer", ref)
	return child, nil
}

func (s *PaymentService) ListInvoices(ctx context.Context, childrenID int64) ([]models.InvoiceRecord, error) {
	if s.invoices == nil {
		return nil, errors.New("invoice history not configured")
	}
	if _, err := s.child(ctx, childrenID); err != nil {
		return nil, err
	}
	records, err := s.invoices.ListByChild(ctx, childrenID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	if records == nil {
		records = []models.InvoiceRecord{}
	}
	return records, nil
}

func (s *PaymentService) child(ctx context.Context, id int64) (*models.Child, error) {
	child, err := s.children.FindChildByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			return nil, models.ErrChildNotFound
		}
		return nil, fmt.Errorf("find child %d: %w", id, err)
	}
	return child, nil
}
