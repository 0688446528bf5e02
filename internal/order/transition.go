// Package order реализует жизненный цикл заказа: создание, переходы статусов и расчёт
// по доставке в одной транзакции.
package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/repository"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = repository.ErrOrderNotFound
	// ErrInvalidTransition возвращается, если переход запрещён графом статусов.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrMissingDriver возвращается при назначении без водителя.
	ErrMissingDriver = errors.New("driver_id is required for assignment")
	// ErrDriverUnavailable возвращается, если назначаемый пользователь не является активным водителем.
	ErrDriverUnavailable = errors.New("user is not an active driver")
	// ErrForbidden возвращается, если действие недоступно вызывающему пользователю.
	ErrForbidden = errors.New("action not allowed for this user")
	// ErrInvalidOrder возвращается для некорректных данных нового заказа.
	ErrInvalidOrder = errors.New("invalid order")
)

// ErrInactiveActor возвращается, если учётная запись вызывающего пользователя отключена
// или удалена. Сравнивается с ErrForbidden.
var ErrInactiveActor = fmt.Errorf("%w: account is deactivated", ErrForbidden)

// TransitionError описывает запрещённый переход.
type TransitionError struct {
	From model.OrderStatus
	To   model.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s → %s (allowed from %s: %s)",
		ErrInvalidTransition, e.From, e.To, e.From, describeAllowedFrom(e.From))
}

// Unwrap позволяет сравнивать ошибку с ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Actor описывает пользователя, от имени которого выполняется действие.
type Actor struct {
	UserID int64
	Role   model.Role
}

// Transition описывает одно из допустимых изменений заказа. Набор вариантов закрыт.
type Transition interface {
	// Target возвращает целевой статус или пустую строку, если статус не меняется.
	Target() model.OrderStatus
	isTransition()
}

// Assign назначает водителя: pending → assigned или переназначение в assigned.
type Assign struct {
	DriverID int64
}

// Unassign снимает водителя и возвращает заказ в очередь: assigned → pending.
type Unassign struct{}

// PickUp фиксирует, что водитель забрал заказ: assigned → picked_up.
type PickUp struct{}

// Deliver фиксирует доставку и запускает расчёт: picked_up → delivered.
type Deliver struct{}

// Cancel отменяет заказ из любого незавершённого статуса.
type Cancel struct {
	Reason string
}

// EditDetails меняет данные клиента и заметки, не затрагивая статус. Nil-поля не меняются.
type EditDetails struct {
	CustomerName    *string
	CustomerPhone   *string
	DeliveryAddress *string
	Notes           *string
}

func (Assign) Target() model.OrderStatus      { return model.OrderStatusAssigned }
func (Unassign) Target() model.OrderStatus    { return model.OrderStatusPending }
func (PickUp) Target() model.OrderStatus      { return model.OrderStatusPickedUp }
func (Deliver) Target() model.OrderStatus     { return model.OrderStatusDelivered }
func (Cancel) Target() model.OrderStatus      { return model.OrderStatusCancelled }
func (EditDetails) Target() model.OrderStatus { return "" }

func (Assign) isTransition()      {}
func (Unassign) isTransition()    {}
func (PickUp) isTransition()      {}
func (Deliver) isTransition()     {}
func (Cancel) isTransition()      {}
func (EditDetails) isTransition() {}

// AllowedTransitions задаёт граф статусов заказа. Петли assigned, picked_up и delivered
// обрабатываются как переназначение или идемпотентный повтор.
var AllowedTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending:   {model.OrderStatusAssigned, model.OrderStatusCancelled},
	model.OrderStatusAssigned:  {model.OrderStatusAssigned, model.OrderStatusPending, model.OrderStatusPickedUp, model.OrderStatusCancelled},
	model.OrderStatusPickedUp:  {model.OrderStatusPickedUp, model.OrderStatusDelivered, model.OrderStatusCancelled},
	model.OrderStatusDelivered: {model.OrderStatusDelivered},
}

// CanTransition сообщает, допустим ли переход from → to.
func CanTransition(from, to model.OrderStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func describeAllowedFrom(status model.OrderStatus) string {
	next := AllowedTransitions[status]
	if len(next) == 0 {
		return "none (terminal state)"
	}
	parts := make([]string, len(next))
	for i, s := range next {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func checkTransition(from, to model.OrderStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// authorize проверяет, может ли actor запросить tr для заказа o.
// Диспетчер и администратор могут выполнять любое допустимое действие. Ресторан может только
// отменять и править собственные заказы в статусе pending. Водитель может только забирать
// и доставлять назначенные ему заказы.
func authorize(a Actor, o *model.Order, tr Transition) error {
	switch a.Role {
	case model.RoleAdmin, model.RoleDispatcher:
		return nil
	case model.RoleRestaurant:
		if o.RestaurantID != a.UserID {
			return ErrForbidden
		}
		switch tr.(type) {
		case Cancel, EditDetails:
			if o.Status == model.OrderStatusPending || o.Status.Terminal() {
				return nil
			}
		}
		return ErrForbidden
	case model.RoleDriver:
		if o.DriverID == nil || *o.DriverID != a.UserID {
			return ErrForbidden
		}
		switch tr.(type) {
		case PickUp, Deliver:
			return nil
		}
		return ErrForbidden
	}
	return ErrForbidden
}

// canView сообщает, может ли actor видеть заказ.
func canView(a Actor, o *model.Order) bool {
	switch a.Role {
	case model.RoleAdmin, model.RoleDispatcher:
		return true
	case model.RoleRestaurant:
		return o.RestaurantID == a.UserID
	case model.RoleDriver:
		return o.DriverID != nil && *o.DriverID == a.UserID
	}
	return false
}
