// Package model содержит доменные сущности сервиса доставки.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleRestaurant Role = "restaurant"
	RoleDispatcher Role = "dispatcher"
	RoleDriver     Role = "driver"
	RoleAdmin      Role = "admin"
)

// Valid сообщает, является ли роль одной из известных.
func (r Role) Valid() bool {
	switch r {
	case RoleRestaurant, RoleDispatcher, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// User представляет зарегистрированного пользователя. Balance хранится в минимальных
// денежных единицах и изменяется только леджером.
type User struct {
	ID           int64
	Name         string
	Phone        string
	PasswordHash []byte
	Role         Role
	Balance      int64
	CurrentLat   *string
	CurrentLng   *string
	PushToken    *string
	IsActive     bool
	CreatedAt    time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal сообщает, является ли статус конечным.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid сообщает, является ли статус одним из известных.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAssigned, OrderStatusPickedUp, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Order описывает заказ на доставку. Суммы хранятся в минимальных денежных единицах.
type Order struct {
	ID               int64
	Status           OrderStatus
	RestaurantID     int64
	DriverID         *int64
	CustomerName     string
	CustomerPhone    string
	DeliveryAddress  string
	Notes            string
	CollectionAmount int64
	DeliveryFee      int64
	CancelReason     string
	PickedAt         *time.Time
	DeliveredAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderFilter задаёт условия выборки заказов. Пустые поля не участвуют в фильтрации,
// заданные объединяются через AND.
type OrderFilter struct {
	RestaurantID *int64
	DriverID     *int64
	Status       *OrderStatus
	CreatedFrom  *time.Time
	CreatedTo    *time.Time
	Limit        int
}

// OrderEvent фиксирует применённый переход статуса заказа.
type OrderEvent struct {
	ID         int64
	OrderID    int64
	FromStatus OrderStatus
	ToStatus   OrderStatus
	ActorID    int64
	ActorRole  Role
	CreatedAt  time.Time
}

// TransactionType описывает тип записи в леджере.
type TransactionType string

const (
	TransactionPayment    TransactionType = "payment"
	TransactionCommission TransactionType = "commission"
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionRefund     TransactionType = "refund"
)

// Valid сообщает, является ли тип транзакции одним из известных.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPayment, TransactionCommission, TransactionDeposit, TransactionWithdrawal, TransactionRefund:
		return true
	}
	return false
}

// Sign возвращает знак влияния транзакции на баланс: -1 для списаний, 1 для остальных.
func (t TransactionType) Sign() int64 {
	if t == TransactionWithdrawal {
		return -1
	}
	return 1
}

// Transaction описывает неизменяемую запись леджера. Amount всегда положителен, смысл несёт Type.
type Transaction struct {
	ID          int64
	UserID      int64
	OrderID     *int64
	Amount      int64
	Type        TransactionType
	Description string
	CreatedAt   time.Time
}

// Rating описывает оценку водителя рестораном по доставленному заказу.
type Rating struct {
	ID           int64
	OrderID      int64
	DriverID     int64
	RestaurantID int64
	Score        int
	Comment      string
	CreatedAt    time.Time
}

// DriverRating содержит агрегированную оценку водителя.
type DriverRating struct {
	DriverID int64   `json:"driver_id"`
	Average  float64 `json:"average"`
	Count    int64   `json:"count"`
}

// DailyStats содержит агрегаты за календарный день.
type DailyStats struct {
	Date          string `json:"date"`
	Collections   int64  `json:"collections"`
	Commissions   int64  `json:"commissions"`
	ActiveDrivers int64  `json:"activeDrivers"`
	PendingOrders int64  `json:"pendingOrders"`
}

// LeaderboardEntry содержит показатели водителя для рейтинговой таблицы.
type LeaderboardEntry struct {
	DriverID        int64   `json:"driver_id"`
	Name            string  `json:"name"`
	DeliveredOrders int64   `json:"delivered_orders"`
	AverageRating   float64 `json:"average_rating"`
	Earnings        int64   `json:"earnings"`
	CompletionRate  float64 `json:"completion_rate"`
}
