package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/money"
	"github.com/xenking/kart-cashback/internal/domain/product"
	"github.com/xenking/kart-cashback/internal/domain/uow"
	"github.com/xenking/kart-cashback/internal/notify"
)

const tracerName = "github.com/xenking/kart-cashback/internal/domain/order"

// DefaultCashbackRate is the percentage of the final price credited on
// delivery.
var DefaultCashbackRate = decimal.NewFromInt(2)

// Ledger is the part of the cashback ledger the orchestrator drives.
type Ledger interface {
	Earn(ctx context.Context, req cashback.EarnRequest) (*cashback.Transaction, error)
	Use(ctx context.Context, req cashback.UseRequest) ([]cashback.Transaction, error)
	Refund(ctx context.Context, req cashback.RefundRequest) (*cashback.Transaction, error)
	AvailableBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
}

var _ Ledger = (*cashback.Ledger)(nil)

// Deps are the collaborators of Service. Outbox and Sink are optional.
type Deps struct {
	Orders     Repository
	Products   product.Repository
	Customers  customer.Repository
	Reasons    discount.ReasonRepository
	Carts      CartRepository
	Ledger     Ledger
	UnitOfWork uow.UnitOfWork
	Outbox     notify.Outbox
	Sink       notify.Sink
}

// Config tunes pricing rules.
type Config struct {
	// CashbackRatePercent of the final price is credited on delivery.
	CashbackRatePercent decimal.Decimal
	Delivery            DeliveryPolicy
	Discounts           discount.Policy
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Service coordinates orders, stock and the cashback ledger. Every method
// runs in a single unit of work and publishes events only after commit.
type Service struct {
	orders    Repository
	products  product.Repository
	customers customer.Repository
	reasons   discount.ReasonRepository
	carts     CartRepository
	ledger    Ledger
	uow       uow.UnitOfWork
	outbox    notify.Outbox
	sink      notify.Sink
	cfg       Config
	tracer    trace.Tracer

	now       func() time.Time
	newID     func() string
	newNumber func() string
}

// NewService creates an order Service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.CashbackRatePercent.IsZero() {
		cfg.CashbackRatePercent = DefaultCashbackRate
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	sink := deps.Sink
	if sink == nil {
		sink = notify.Multi{}
	}
	return &Service{
		orders:    deps.Orders,
		products:  deps.Products,
		customers: deps.Customers,
		reasons:   deps.Reasons,
		carts:     deps.Carts,
		ledger:    deps.Ledger,
		uow:       deps.UnitOfWork,
		outbox:    deps.Outbox,
		sink:      sink,
		cfg:       cfg,
		tracer:    tp.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		newNumber: func() string { return ulid.Make().String() },
	}
}

// run executes fn in a unit of work under a span, stores the events fn
// returns in the outbox and publishes them once the work has committed.
func (s *Service) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) ([]notify.Event, error)) error {
	ctx, span := s.tracer.Start(ctx, "order."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var events []notify.Event
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		evs, err := fn(ctx)
		if err != nil {
			return err
		}
		if s.outbox != nil && len(evs) > 0 {
			if err := s.outbox.Append(ctx, evs...); err != nil {
				return errors.Wrap(err, "append outbox")
			}
		}
		events = evs
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !apperr.KindOf(err).Recoverable() {
			zctx.From(ctx).Error("Order operation failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}
	s.sink.Publish(ctx, events...)
	return nil
}

func (s *Service) event(t notify.Type, o *Order, prev Status, amount decimal.Decimal, now time.Time) notify.Event {
	return notify.Event{
		ID:             s.newID(),
		Type:           t,
		OrderID:        o.ID,
		OrderNumber:    o.Number,
		CustomerID:     o.CustomerID,
		Status:         string(o.Status),
		PreviousStatus: string(prev),
		Amount:         amount,
		OccurredAt:     now,
	}
}

// ItemRequest is one requested line.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// CreateOrderRequest holds the input of an online order.
type CreateOrderRequest struct {
	CustomerID      string
	Items           []ItemRequest
	PaymentMethod   PaymentMethod
	DeliveryType    DeliveryType
	DeliveryAddress string
	// UseCashback is redeemed from the customer's balance when positive.
	UseCashback decimal.Decimal
	// FromCart clears the customer's cart once the order exists.
	FromCart bool
}

// CreateOrder places an online order: it snapshots prices, redeems
// cashback against the new order and reserves stock, all or nothing.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	reqs, err := mergeItems(req.Items)
	if err != nil {
		return nil, err
	}
	redeem := money.Round(req.UseCashback)
	if redeem.IsNegative() {
		return nil, apperr.Validation("use_cashback", "must not be negative")
	}

	var created *Order
	err = s.run(ctx, "CreateOrder", []attribute.KeyValue{
		attribute.String("customer.id", req.CustomerID),
		attribute.Int("items", len(reqs)),
	}, func(ctx context.Context) ([]notify.Event, error) {
		now := s.now()
		cust, err := s.customers.GetByIDForUpdate(ctx, req.CustomerID)
		if err != nil {
			return nil, err
		}
		items, err := s.snapshotItems(ctx, reqs)
		if err != nil {
			return nil, err
		}
		o, err := NewOnline(OnlineParams{
			ID:              s.newID(),
			Number:          s.newNumber(),
			CustomerID:      cust.ID,
			Items:           items,
			PaymentMethod:   req.PaymentMethod,
			DeliveryType:    req.DeliveryType,
			DeliveryAddress: req.DeliveryAddress,
			Now:             now,
		})
		if err != nil {
			return nil, err
		}
		if err := o.SetDeliveryFee(s.cfg.Delivery.FeeFor(o.DeliveryType, o.GrossTotal)); err != nil {
			return nil, err
		}
		if redeem.IsPositive() {
			available, err := s.ledger.AvailableBalance(ctx, cust.ID)
			if err != nil {
				return nil, err
			}
			if redeem.GreaterThan(available) {
				return nil, &cashback.InsufficientBalanceError{
					CustomerID: cust.ID,
					Requested:  redeem,
					Available:  available,
				}
			}
			if err := o.RedeemCashback(redeem); err != nil {
				return nil, err
			}
		}

		if err := s.orders.Create(ctx, o); err != nil {
			return nil, errors.Wrap(err, "create order")
		}
		if o.CashbackUsed.IsPositive() {
			if _, err := s.ledger.Use(ctx, cashback.UseRequest{
				CustomerID:  cust.ID,
				OrderID:     o.ID,
				Amount:      o.CashbackUsed,
				Description: "redeemed on order " + o.Number,
			}); err != nil {
				return nil, err
			}
		}
		if err := s.adjustStock(ctx, reserve(o.Items)); err != nil {
			return nil, err
		}
		if req.FromCart && s.carts != nil {
			if err := s.carts.Clear(ctx, cust.ID); err != nil {
				return nil, errors.Wrap(err, "clear cart")
			}
		}

		created = o
		return []notify.Event{s.event(notify.TypeOrderCreated, o, "", o.FinalPrice, now)}, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	zctx.From(ctx).Info("Order created",
		zap.String("order_id", created.ID),
		zap.String("number", created.Number),
		zap.String("final_price", created.FinalPrice.StringFixed(money.Places)),
		zap.String("cashback_used", created.CashbackUsed.StringFixed(money.Places)),
	)
	return created, nil
}

// DirectDiscount is a discount a seller grants while ringing up a sale.
type DirectDiscount struct {
	ReasonID string
	// Amount defaults to what the reason suggests.
	Amount decimal.Decimal
	Note   string
}

// InPersonRequest holds the input of a seller-initiated sale.
type InPersonRequest struct {
	SellerID   string
	CustomerID string
	Items      []ItemRequest
	Discount   *DirectDiscount
	// IsManager lifts the non-manager discount limit.
	IsManager bool
}

// CreateInPersonOrder rings up a confirmed, cash-paid pickup order.
func (s *Service) CreateInPersonOrder(ctx context.Context, req InPersonRequest) (*Order, error) {
	reqs, err := mergeItems(req.Items)
	if err != nil {
		return nil, err
	}

	var created *Order
	err = s.run(ctx, "CreateInPersonOrder", []attribute.KeyValue{
		attribute.String("seller.id", req.SellerID),
		attribute.Int("items", len(reqs)),
	}, func(ctx context.Context) ([]notify.Event, error) {
		now := s.now()
		if req.CustomerID != "" {
			if _, err := s.customers.GetByIDForUpdate(ctx, req.CustomerID); err != nil {
				return nil, err
			}
		}
		items, err := s.snapshotItems(ctx, reqs)
		if err != nil {
			return nil, err
		}
		o, err := NewInPerson(InPersonParams{
			ID:         s.newID(),
			Number:     s.newNumber(),
			CustomerID: req.CustomerID,
			SellerID:   req.SellerID,
			Items:      items,
			Now:        now,
		})
		if err != nil {
			return nil, err
		}
		if dd := req.Discount; dd != nil {
			if _, err := s.applyDiscount(ctx, o, ApplyDiscountRequest{
				ReasonID:  dd.ReasonID,
				Amount:    dd.Amount,
				AppliedBy: req.SellerID,
				Note:      dd.Note,
				IsManager: req.IsManager,
			}, now); err != nil {
				return nil, err
			}
		}
		if err := s.orders.Create(ctx, o); err != nil {
			return nil, errors.Wrap(err, "create order")
		}
		if err := s.adjustStock(ctx, reserve(o.Items)); err != nil {
			return nil, err
		}

		created = o
		return []notify.Event{s.event(notify.TypeOrderCreated, o, "", o.FinalPrice, now)}, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "create in-person order")
	}
	return created, nil
}

// CancelRequest holds the input of a cancellation.
type CancelRequest struct {
	OrderID string
	Reason  string
	Actor   string
}

// CancelOrder cancels a pending or confirmed order, credits back redeemed
// cashback and returns the stock.
func (s *Service) CancelOrder(ctx context.Context, req CancelRequest) (*Order, error) {
	var cancelled *Order
	err := s.run(ctx, "CancelOrder", []attribute.KeyValue{
		attribute.String("order.id", req.OrderID),
	}, func(ctx context.Context) ([]notify.Event, error) {
		now := s.now()
		o, err := s.orders.GetByIDForUpdate(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		prev := o.Status
		if err := o.Cancel(req.Reason, now, req.Actor); err != nil {
			return nil, err
		}
		// Customer lock before product rows.
		if o.CashbackUsed.IsPositive() {
			if _, err := s.ledger.Refund(ctx, cashback.RefundRequest{
				CustomerID:  o.CustomerID,
				OrderID:     o.ID,
				Amount:      o.CashbackUsed,
				Description: "refund for cancelled order " + o.Number,
				Actor:       req.Actor,
			}); err != nil {
				return nil, err
			}
		}
		if err := s.adjustStock(ctx, release(o.Items)); err != nil {
			return nil, err
		}
		if err := s.orders.Update(ctx, o); err != nil {
			return nil, errors.Wrap(err, "update order")
		}

		cancelled = o
		return []notify.Event{s.event(notify.TypeOrderStatusChanged, o, prev, o.FinalPrice, now)}, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "cancel order")
	}
	return cancelled, nil
}

// advance loads and locks the order, applies step and stores the result.
func (s *Service) advance(ctx context.Context, op, orderID string, step func(ctx context.Context, o *Order, now time.Time) ([]notify.Event, error)) (*Order, error) {
	var out *Order
	err := s.run(ctx, op, []attribute.KeyValue{
		attribute.String("order.id", orderID),
	}, func(ctx context.Context) ([]notify.Event, error) {
		now := s.now()
		o, err := s.orders.GetByIDForUpdate(ctx, orderID)
		if err != nil {
			return nil, err
		}
		prev := o.Status
		events, err := step(ctx, o, now)
		if err != nil {
			return nil, err
		}
		if err := s.orders.Update(ctx, o); err != nil {
			return nil, errors.Wrap(err, "update order")
		}
		if o.Status != prev {
			events = append([]notify.Event{s.event(notify.TypeOrderStatusChanged, o, prev, o.FinalPrice, now)}, events...)
		}
		out = o
		return events, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", op)
	}
	return out, nil
}

func plain(fn func(o *Order, now time.Time) error) func(context.Context, *Order, time.Time) ([]notify.Event, error) {
	return func(_ context.Context, o *Order, now time.Time) ([]notify.Event, error) {
		return nil, fn(o, now)
	}
}

// Confirm confirms a pending order.
func (s *Service) Confirm(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.advance(ctx, "Confirm", orderID, plain(func(o *Order, now time.Time) error {
		return o.Confirm(now, actor)
	}))
}

// MarkPreparing starts preparing a confirmed order.
func (s *Service) MarkPreparing(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.advance(ctx, "MarkPreparing", orderID, plain(func(o *Order, now time.Time) error {
		return o.MarkPreparing(now, actor)
	}))
}

// MarkReadyForPickup flags a pickup order as ready.
func (s *Service) MarkReadyForPickup(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.advance(ctx, "MarkReadyForPickup", orderID, plain(func(o *Order, now time.Time) error {
		return o.MarkReadyForPickup(now, actor)
	}))
}

// MarkShipped hands a courier order to delivery.
func (s *Service) MarkShipped(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.advance(ctx, "MarkShipped", orderID, plain(func(o *Order, now time.Time) error {
		return o.MarkShipped(now, actor)
	}))
}

// MarkPaid records payment.
func (s *Service) MarkPaid(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.advance(ctx, "MarkPaid", orderID, plain(func(o *Order, now time.Time) error {
		return o.MarkPaid(now, actor)
	}))
}

// MarkDelivered completes a paid order and credits its cashback in the
// same unit of work.
func (s *Service) MarkDelivered(ctx context.Context, orderID, actor string) (*Order, error) {
	return s.advance(ctx, "MarkDelivered", orderID, func(ctx context.Context, o *Order, now time.Time) ([]notify.Event, error) {
		if err := o.MarkDelivered(now, actor); err != nil {
			return nil, err
		}
		return s.onDelivered(ctx, o, now)
	})
}

// OnDelivered credits the cashback of a delivered order. Calling it again
// for the same order credits nothing more.
func (s *Service) OnDelivered(ctx context.Context, orderID string) (*Order, error) {
	return s.advance(ctx, "OnDelivered", orderID, func(ctx context.Context, o *Order, now time.Time) ([]notify.Event, error) {
		return s.onDelivered(ctx, o, now)
	})
}

func (s *Service) onDelivered(ctx context.Context, o *Order, now time.Time) ([]notify.Event, error) {
	if o.Status != StatusDelivered {
		return nil, &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: "earn cashback"}
	}
	amount := o.EligibleCashback(s.cfg.CashbackRatePercent)
	if !amount.IsPositive() {
		return nil, nil
	}
	already := o.CashbackEarned.IsPositive()
	tx, err := s.ledger.Earn(ctx, cashback.EarnRequest{
		CustomerID:  o.CustomerID,
		OrderID:     o.ID,
		Amount:      amount,
		Description: fmt.Sprintf("cashback for order %s", o.Number),
	})
	if err != nil {
		return nil, err
	}
	o.CashbackEarned = tx.Amount
	if already {
		return nil, nil
	}
	return []notify.Event{s.event(notify.TypeCashbackEarned, o, "", tx.Amount, now)}, nil
}

// ApplyDiscountRequest holds the input of a discount.
type ApplyDiscountRequest struct {
	OrderID  string
	ReasonID string
	// Amount defaults to what the reason suggests for the order.
	Amount    decimal.Decimal
	AppliedBy string
	Note      string
	IsManager bool
}

// ApplyDiscount records a discount on an order after checking the reason
// and the approval policy.
func (s *Service) ApplyDiscount(ctx context.Context, req ApplyDiscountRequest) (*discount.Discount, error) {
	var applied *discount.Discount
	_, err := s.advance(ctx, "ApplyDiscount", req.OrderID, func(ctx context.Context, o *Order, now time.Time) ([]notify.Event, error) {
		d, err := s.applyDiscount(ctx, o, req, now)
		applied = d
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (s *Service) applyDiscount(ctx context.Context, o *Order, req ApplyDiscountRequest, now time.Time) (*discount.Discount, error) {
	reason, err := s.reasons.FindByID(ctx, req.ReasonID)
	if err != nil {
		return nil, err
	}
	if !reason.Usable() {
		return nil, apperr.Validation("reason_id", "discount reason %s is not active", reason.ID)
	}
	amount := req.Amount
	if amount.IsZero() {
		if amount, err = reason.Suggest(o.Lines()); err != nil {
			return nil, err
		}
	}
	if err := s.cfg.Discounts.Authorize(amount, o.GrossTotal, req.IsManager); err != nil {
		return nil, err
	}
	return o.ApplyDiscount(DiscountInput{
		ID:        s.newID(),
		ReasonID:  reason.ID,
		Amount:    amount,
		AppliedBy: req.AppliedBy,
		Note:      req.Note,
	}, now)
}

// RemoveDiscount reverses a discount.
func (s *Service) RemoveDiscount(ctx context.Context, orderID, discountID, actor string) (*Order, error) {
	return s.advance(ctx, "RemoveDiscount", orderID, plain(func(o *Order, now time.Time) error {
		return o.RemoveDiscount(discountID, now, actor)
	}))
}

// UpdateItemRequest sets the quantity of one product on an order. Zero
// removes the line.
type UpdateItemRequest struct {
	OrderID   string
	ProductID string
	Quantity  int
	Actor     string
}

// UpdateItemQuantity changes a line and moves the stock difference in the
// same unit of work.
func (s *Service) UpdateItemQuantity(ctx context.Context, req UpdateItemRequest) (*Order, error) {
	return s.advance(ctx, "UpdateItemQuantity", req.OrderID, func(ctx context.Context, o *Order, now time.Time) ([]notify.Event, error) {
		it := Item{ProductID: req.ProductID, Quantity: req.Quantity}
		if _, ok := o.Item(req.ProductID); !ok && req.Quantity > 0 {
			p, err := s.products.GetByID(ctx, req.ProductID)
			if err != nil {
				return nil, err
			}
			if !p.Sellable() {
				return nil, &product.InactiveError{ProductID: p.ID}
			}
			it.ProductName = p.Name
			it.UnitPrice = p.Price
		}
		delta, err := o.SetItemQuantity(it, now, req.Actor)
		if err != nil {
			return nil, err
		}
		if err := o.SetDeliveryFee(s.cfg.Delivery.FeeFor(o.DeliveryType, o.GrossTotal)); err != nil {
			return nil, err
		}
		if err := s.adjustStock(ctx, map[string]int{req.ProductID: delta}); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// Get returns an order.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// mergeItems validates requested lines and folds repeated products into one.
func mergeItems(items []ItemRequest) ([]ItemRequest, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}
	out := make([]ItemRequest, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, apperr.Validation("product_id", "required")
		}
		if it.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: it.ProductID, Quantity: it.Quantity}
		}
		if i, ok := index[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

// snapshotItems checks that every product exists, is sold and has stock,
// and copies its name and price into the line.
func (s *Service) snapshotItems(ctx context.Context, reqs []ItemRequest) ([]Item, error) {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ProductID
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	items := make([]Item, 0, len(reqs))
	for _, r := range reqs {
		p, ok := byID[r.ProductID]
		if !ok {
			return nil, &product.NotFoundError{ProductID: r.ProductID}
		}
		if !p.Sellable() {
			return nil, &product.InactiveError{ProductID: p.ID}
		}
		if p.Stock < r.Quantity {
			return nil, &product.InsufficientStockError{ProductID: p.ID, Requested: r.Quantity, Available: p.Stock}
		}
		items = append(items, Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    r.Quantity,
			UnitPrice:   p.Price,
		})
	}
	return items, nil
}

func reserve(items []Item) map[string]int {
	deltas := make(map[string]int, len(items))
	for _, it := range items {
		deltas[it.ProductID] += it.Quantity
	}
	return deltas
}

func release(items []Item) map[string]int {
	deltas := make(map[string]int, len(items))
	for _, it := range items {
		deltas[it.ProductID] -= it.Quantity
	}
	return deltas
}

// adjustStock applies ordered-quantity deltas in product id order: positive
// deltas take stock, negative ones return it.
func (s *Service) adjustStock(ctx context.Context, deltas map[string]int) error {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		switch qty := deltas[id]; {
		case qty > 0:
			if err := s.products.DecreaseStock(ctx, id, qty); err != nil {
				return err
			}
		case qty < 0:
			if err := s.products.IncreaseStock(ctx, id, -qty); err != nil {
				return err
			}
		}
	}
	return nil
}
