package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/courier-ledger/internal/ledger"
	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/notify"
	"github.com/mmeshcher/courier-ledger/internal/repository"
)

const notifyTimeout = 10 * time.Second

// Store описывает контракт хранилища, используемый сервисом заказов.
type Store interface {
	ledger.TxRunner
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	ListOrderEvents(ctx context.Context, orderID int64) ([]model.OrderEvent, error)
	ListOrderTransactions(ctx context.Context, orderID int64) ([]model.Transaction, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// CancellationPolicy определяет компенсацию водителю за отмену уже забранного заказа.
type CancellationPolicy interface {
	PickedUpFee(o *model.Order) int64
}

// FlatFee задаёт фиксированную компенсацию. Нулевое значение отключает компенсацию.
type FlatFee int64

// PickedUpFee возвращает фиксированную сумму.
func (f FlatFee) PickedUpFee(*model.Order) int64 { return int64(f) }

// Deps содержит зависимости сервиса заказов.
type Deps struct {
	Store    Store
	Ledger   *ledger.Ledger
	Notifier notify.Notifier
	Policy   CancellationPolicy
	Logger   *zap.Logger
	Now      func() time.Time
	// OnSettled вызывается после фиксации расчёта по заказу.
	OnSettled func(ctx context.Context, o model.Order)
}

// Service управляет жизненным циклом заказов.
type Service struct {
	store     Store
	ledger    *ledger.Ledger
	notifier  notify.Notifier
	policy    CancellationPolicy
	logger    *zap.Logger
	now       func() time.Time
	onSettled func(ctx context.Context, o model.Order)

	wg sync.WaitGroup
}

// NewService создаёт сервис заказов.
func NewService(deps Deps) *Service {
	s := &Service{
		store:     deps.Store,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		policy:    deps.Policy,
		logger:    deps.Logger,
		now:       deps.Now,
		onSettled: deps.OnSettled,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.ledger == nil {
		s.ledger = ledger.New(s.now)
	}
	if s.policy == nil {
		s.policy = FlatFee(0)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// CreateCommand содержит данные нового заказа. Суммы в минимальных денежных единицах.
type CreateCommand struct {
	RestaurantID     int64
	CustomerName     string
	CustomerPhone    string
	DeliveryAddress  string
	Notes            string
	CollectionAmount int64
	DeliveryFee      int64
}

// Create создаёт заказ в статусе pending. Ресторан может создавать заказы только от своего имени.
func (s *Service) Create(ctx context.Context, actor Actor, cmd CreateCommand) (*model.Order, error) {
	switch actor.Role {
	case model.RoleRestaurant:
		if cmd.RestaurantID == 0 {
			cmd.RestaurantID = actor.UserID
		}
		if cmd.RestaurantID != actor.UserID {
			return nil, ErrForbidden
		}
	case model.RoleAdmin, model.RoleDispatcher:
	default:
		return nil, ErrForbidden
	}

	if err := checkActor(ctx, s.store.GetUser, actor); err != nil {
		return nil, err
	}

	if cmd.CollectionAmount <= 0 || cmd.DeliveryFee <= 0 {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidOrder)
	}
	if cmd.CustomerName == "" || cmd.CustomerPhone == "" || cmd.DeliveryAddress == "" {
		return nil, fmt.Errorf("%w: customer details are required", ErrInvalidOrder)
	}

	restaurant, err := s.store.GetUser(ctx, cmd.RestaurantID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: restaurant %d not found", ErrInvalidOrder, cmd.RestaurantID)
		}
		return nil, err
	}
	if restaurant.Role != model.RoleRestaurant {
		return nil, fmt.Errorf("%w: user %d is not a restaurant", ErrInvalidOrder, cmd.RestaurantID)
	}

	o := &model.Order{
		Status:           model.OrderStatusPending,
		RestaurantID:     cmd.RestaurantID,
		CustomerName:     cmd.CustomerName,
		CustomerPhone:    cmd.CustomerPhone,
		DeliveryAddress:  cmd.DeliveryAddress,
		Notes:            cmd.Notes,
		CollectionAmount: cmd.CollectionAmount,
		DeliveryFee:      cmd.DeliveryFee,
		CreatedAt:        s.now(),
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created", zap.Int64("order_id", o.ID), zap.Int64("restaurant_id", o.RestaurantID))
	return o, nil
}

// Get возвращает заказ, если он виден вызывающему пользователю.
func (s *Service) Get(ctx context.Context, actor Actor, id int64) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, o) {
		return nil, ErrForbidden
	}
	return o, nil
}

// List возвращает заказы по фильтру. Ресторан видит только свои заказы, водитель видит только назначенные ему.
func (s *Service) List(ctx context.Context, actor Actor, f model.OrderFilter) ([]model.Order, error) {
	switch actor.Role {
	case model.RoleAdmin, model.RoleDispatcher:
	case model.RoleRestaurant:
		id := actor.UserID
		f.RestaurantID = &id
	case model.RoleDriver:
		id := actor.UserID
		f.DriverID = &id
	default:
		return nil, ErrForbidden
	}
	return s.store.ListOrders(ctx, f)
}

// Pending возвращает заказы, ожидающие назначения водителя.
func (s *Service) Pending(ctx context.Context, actor Actor) ([]model.Order, error) {
	status := model.OrderStatusPending
	return s.List(ctx, actor, model.OrderFilter{Status: &status})
}

// Events возвращает историю переходов заказа.
func (s *Service) Events(ctx context.Context, actor Actor, id int64) ([]model.OrderEvent, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.ListOrderEvents(ctx, id)
}

// checkActor проверяет, что токен принадлежит существующей активной учётной записи.
// Токен продолжает действовать после отключения пользователя, поэтому проверка
// выполняется при каждом изменении.
func checkActor(ctx context.Context, get func(context.Context, int64) (*model.User, error), a Actor) error {
	u, err := get(ctx, a.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrInactiveActor
		}
		return err
	}
	if !u.IsActive || u.Role != a.Role {
		return ErrInactiveActor
	}
	return nil
}

// Transactions возвращает проводки, связанные с заказом. Доступно только администратору.
func (s *Service) Transactions(ctx context.Context, actor Actor, id int64) ([]model.Transaction, error) {
	if actor.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}
	if _, err := s.store.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListOrderTransactions(ctx, id)
}

// outcome собирает побочные эффекты, выполняемые после фиксации транзакции.
type outcome struct {
	changed  bool
	notifyTo *int64
	settled  bool
}

// Apply применяет переход к заказу. Чтение заказа, проверки, запись заказа, журнал переходов
// и проводки леджера выполняются в одной транзакции под блокировкой строки заказа.
// Уведомление водителя отправляется после фиксации и не влияет на результат.
func (s *Service) Apply(ctx context.Context, actor Actor, orderID int64, tr Transition) (*model.Order, error) {
	if tr == nil {
		return nil, ErrInvalidTransition
	}
	if a, ok := tr.(Assign); ok && a.DriverID == 0 {
		return nil, ErrMissingDriver
	}

	var (
		res *model.Order
		out outcome
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		res, out = nil, outcome{}

		if err := checkActor(ctx, tx.GetUser, actor); err != nil {
			return err
		}

		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		if err := authorize(actor, o, tr); err != nil {
			return err
		}

		from := o.Status
		out, err = s.apply(ctx, tx, o, tr)
		if err != nil {
			return err
		}

		if out.changed {
			o.UpdatedAt = s.now()
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
			if o.Status != from || tr.Target() == model.OrderStatusAssigned {
				err := tx.AppendOrderEvent(ctx, &model.OrderEvent{
					OrderID:    o.ID,
					FromStatus: from,
					ToStatus:   o.Status,
					ActorID:    actor.UserID,
					ActorRole:  actor.Role,
					CreatedAt:  o.UpdatedAt,
				})
				if err != nil {
					return err
				}
			}
		}

		res = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.settled {
		s.logger.Info("order settled",
			zap.Int64("order_id", res.ID),
			zap.Int64("collection_amount", res.CollectionAmount),
			zap.Int64("delivery_fee", res.DeliveryFee),
		)
		if s.onSettled != nil {
			s.onSettled(ctx, *res)
		}
	}
	if out.notifyTo != nil {
		s.dispatchAssigned(*res, *out.notifyTo)
	}

	return res, nil
}

func (s *Service) apply(ctx context.Context, tx repository.Tx, o *model.Order, tr Transition) (outcome, error) {
	var out outcome

	if to := tr.Target(); to != "" {
		if err := checkTransition(o.Status, to); err != nil {
			return out, err
		}
	}

	switch t := tr.(type) {
	case EditDetails:
		if o.Status.Terminal() {
			return out, &TransitionError{From: o.Status, To: o.Status}
		}
		if t.CustomerName != nil {
			o.CustomerName = *t.CustomerName
		}
		if t.CustomerPhone != nil {
			o.CustomerPhone = *t.CustomerPhone
		}
		if t.DeliveryAddress != nil {
			o.DeliveryAddress = *t.DeliveryAddress
		}
		if t.Notes != nil {
			o.Notes = *t.Notes
		}
		out.changed = true

	case Assign:
		if o.Status == model.OrderStatusAssigned && o.DriverID != nil && *o.DriverID == t.DriverID {
			return out, nil
		}
		driver, err := tx.GetUser(ctx, t.DriverID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return out, fmt.Errorf("%w: user %d not found", ErrDriverUnavailable, t.DriverID)
			}
			return out, err
		}
		if driver.Role != model.RoleDriver || !driver.IsActive {
			return out, fmt.Errorf("%w: user %d", ErrDriverUnavailable, t.DriverID)
		}
		driverID := t.DriverID
		o.DriverID = &driverID
		o.Status = model.OrderStatusAssigned
		out.changed = true
		out.notifyTo = &driverID

	case Unassign:
		o.DriverID = nil
		o.Status = model.OrderStatusPending
		out.changed = true

	case PickUp:
		if o.Status == model.OrderStatusPickedUp {
			return out, nil
		}
		o.Status = model.OrderStatusPickedUp
		if o.PickedAt == nil {
			now := s.now()
			o.PickedAt = &now
		}
		out.changed = true

	case Deliver:
		if o.Status == model.OrderStatusDelivered {
			s.logger.Info("order already delivered, skipping settlement",
				zap.Int64("order_id", o.ID),
				zap.Bool("settlement_conflict", true),
			)
			return out, nil
		}
		o.Status = model.OrderStatusDelivered
		if o.DeliveredAt == nil {
			now := s.now()
			o.DeliveredAt = &now
		}
		if _, err := s.ledger.Settle(ctx, tx, o); err != nil {
			return out, err
		}
		out.changed = true
		out.settled = true

	case Cancel:
		from := o.Status
		o.Status = model.OrderStatusCancelled
		o.CancelReason = t.Reason
		out.changed = true

		if from == model.OrderStatusPickedUp && o.DriverID != nil {
			if err := s.compensateDriver(ctx, tx, o); err != nil {
				return out, err
			}
		}

	default:
		return out, ErrInvalidTransition
	}

	return out, nil
}

func (s *Service) compensateDriver(ctx context.Context, tx repository.Tx, o *model.Order) error {
	fee := s.policy.PickedUpFee(o)
	if fee <= 0 {
		return nil
	}
	orderID := o.ID
	_, err := s.ledger.Post(ctx, tx, ledger.Posting{
		UserID:      *o.DriverID,
		OrderID:     &orderID,
		Amount:      fee,
		Type:        model.TransactionDeposit,
		Description: "cancellation compensation for order #" + strconv.FormatInt(o.ID, 10),
	})
	if err != nil {
		return fmt.Errorf("compensate driver: %w", err)
	}
	return nil
}

// dispatchAssigned уведомляет водителя о назначении в фоне. Ошибки только журналируются.
func (s *Service) dispatchAssigned(o model.Order, driverID int64) {
	if s.notifier == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		driver, err := s.store.GetUser(ctx, driverID)
		if err != nil {
			s.logger.Warn("notification skipped: driver lookup failed",
				zap.Int64("order_id", o.ID), zap.Int64("driver_id", driverID), zap.Error(err))
			return
		}
		if driver.PushToken == nil || *driver.PushToken == "" {
			s.logger.Debug("notification skipped: no push token",
				zap.Int64("order_id", o.ID), zap.Int64("driver_id", driverID))
			return
		}

		id := strconv.FormatInt(o.ID, 10)
		err = s.notifier.Notify(ctx, *driver.PushToken,
			"New order",
			fmt.Sprintf("Order #%s assigned: %s", id, o.DeliveryAddress),
			map[string]string{"orderId": id, "status": string(o.Status)},
		)
		if err != nil {
			s.logger.Warn("notification failed",
				zap.Int64("order_id", o.ID), zap.Int64("driver_id", driverID), zap.Error(err))
		}
	}()
}

// Wait блокируется до завершения отправки фоновых уведомлений.
func (s *Service) Wait() {
	s.wg.Wait()
}
