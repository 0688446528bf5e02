// Package service реализует учётные записи, чтение леджера, ручные проводки и оценки водителей.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/courier-ledger/internal/ledger"
	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/order"
	"github.com/mmeshcher/courier-ledger/internal/repository"
)

var (
	// ErrInvalidCredentials возвращается при неверном телефоне или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserInactive возвращается при входе отключённого пользователя.
	ErrUserInactive = errors.New("user is deactivated")
	// ErrInvalidRating возвращается для оценки вне диапазона 1..5.
	ErrInvalidRating = errors.New("rating score must be between 1 and 5")
	// ErrNotRateable возвращается при оценке недоставленного заказа или заказа без водителя.
	ErrNotRateable = errors.New("only delivered orders with a driver can be rated")
)

const defaultTransactionsLimit = 100

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	ledger.TxRunner
	Close() error
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*model.User, error)
	UpdateUserLocation(ctx context.Context, id int64, lat, lng string) error
	UpdatePushToken(ctx context.Context, id int64, token string) error
	SetUserActive(ctx context.Context, id int64, active bool) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error)
	CreateRating(ctx context.Context, rt *model.Rating) error
	GetDriverRating(ctx context.Context, driverID int64) (*model.DriverRating, error)
}

// Service содержит бизнес-логику учётных записей и балансов.
type Service struct {
	repo   Repository
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и леджером.
func NewService(repo Repository, l *ledger.Ledger, logger *zap.Logger) *Service {
	if l == nil {
		l = ledger.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		ledger: l,
		logger: logger,
		now:    time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Registration содержит данные нового пользователя.
type Registration struct {
	Name     string
	Phone    string
	Password string
	Role     model.Role
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, r Registration) (*model.User, error) {
	if !r.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", r.Role)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(r.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		Name:         r.Name,
		Phone:        r.Phone,
		PasswordHash: hashed,
		Role:         r.Role,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, repository.ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

// AuthenticateUser проверяет телефон и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, phone, password string) (*model.User, error) {
	u, err := s.repo.GetUserByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrUserInactive
	}

	return u, nil
}

// GetUser возвращает профиль пользователя вместе с балансом.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUser(ctx, id)
}

// UpdateLocation сохраняет текущие координаты водителя.
func (s *Service) UpdateLocation(ctx context.Context, id int64, lat, lng string) error {
	return s.repo.UpdateUserLocation(ctx, id, lat, lng)
}

// SetPushToken сохраняет push-токен устройства пользователя.
func (s *Service) SetPushToken(ctx context.Context, id int64, token string) error {
	return s.repo.UpdatePushToken(ctx, id, token)
}

// Deactivate отключает учётную запись. Доступно только администратору.
func (s *Service) Deactivate(ctx context.Context, actor order.Actor, id int64) error {
	if actor.Role != model.RoleAdmin {
		return order.ErrForbidden
	}
	if err := s.repo.SetUserActive(ctx, id, false); err != nil {
		return err
	}
	s.logger.Info("user deactivated", zap.Int64("user_id", id), zap.Int64("by", actor.UserID))
	return nil
}

// ListTransactions возвращает журнал проводок пользователя, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}

// Adjustment описывает ручную проводку администратора.
type Adjustment struct {
	UserID      int64
	Amount      int64
	Type        model.TransactionType
	Description string
}

// AdjustBalance выполняет ручную проводку по балансу пользователя.
func (s *Service) AdjustBalance(ctx context.Context, actor order.Actor, a Adjustment) (*model.Transaction, error) {
	if actor.Role != model.RoleAdmin {
		return nil, order.ErrForbidden
	}

	t, err := s.ledger.Adjust(ctx, s.repo, ledger.Posting{
		UserID:      a.UserID,
		Amount:      a.Amount,
		Type:        a.Type,
		Description: a.Description,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("manual posting",
		zap.Int64("user_id", a.UserID),
		zap.String("type", string(a.Type)),
		zap.Int64("amount", a.Amount),
		zap.Int64("by", actor.UserID),
	)
	return t, nil
}

// RateOrder сохраняет оценку водителя за доставленный заказ. Оценивать может только ресторан-владелец.
func (s *Service) RateOrder(ctx context.Context, actor order.Actor, orderID int64, score int, comment string) (*model.Rating, error) {
	if score < 1 || score > 5 {
		return nil, ErrInvalidRating
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleRestaurant || o.RestaurantID != actor.UserID {
		return nil, order.ErrForbidden
	}
	if o.Status != model.OrderStatusDelivered || o.DriverID == nil {
		return nil, fmt.Errorf("%w: order %d is %s", ErrNotRateable, o.ID, o.Status)
	}

	rt := &model.Rating{
		OrderID:      o.ID,
		DriverID:     *o.DriverID,
		RestaurantID: o.RestaurantID,
		Score:        score,
		Comment:      comment,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateRating(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// DriverRating возвращает среднюю оценку водителя.
func (s *Service) DriverRating(ctx context.Context, driverID int64) (*model.DriverRating, error) {
	u, err := s.repo.GetUser(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if u.Role != model.RoleDriver {
		return nil, repository.ErrUserNotFound
	}
	return s.repo.GetDriverRating(ctx, driverID)
}
