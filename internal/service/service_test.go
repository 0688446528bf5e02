package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/courier-ledger/internal/ledger"
	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/order"
	"github.com/mmeshcher/courier-ledger/internal/repository"
)

type stubRepo struct {
	createUserErr error

	getUser    *model.User
	getUserErr error

	order    *model.Order
	orderErr error

	ratings   []model.Rating
	ratingErr error

	deactivated []int64
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) InTx(ctx context.Context, fn repository.TxFunc) error {
	return errors.New("transactions are not supported by stub")
}

func (s *stubRepo) CreateUser(ctx context.Context, u *model.User) error {
	if s.createUserErr != nil {
		return s.createUserErr
	}
	u.ID = 1
	u.IsActive = true
	return nil
}

func (s *stubRepo) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) UpdateUserLocation(ctx context.Context, id int64, lat, lng string) error {
	return nil
}

func (s *stubRepo) UpdatePushToken(ctx context.Context, id int64, token string) error {
	return nil
}

func (s *stubRepo) SetUserActive(ctx context.Context, id int64, active bool) error {
	if !active {
		s.deactivated = append(s.deactivated, id)
	}
	return nil
}

func (s *stubRepo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	return nil, nil
}

func (s *stubRepo) CreateRating(ctx context.Context, rt *model.Rating) error {
	if s.ratingErr != nil {
		return s.ratingErr
	}
	s.ratings = append(s.ratings, *rt)
	return nil
}

func (s *stubRepo) GetDriverRating(ctx context.Context, driverID int64) (*model.DriverRating, error) {
	return &model.DriverRating{DriverID: driverID, Average: 4.5, Count: 2}, nil
}

func TestRegisterUser_HashesPassword(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	u, err := svc.RegisterUser(context.Background(), Registration{
		Name: "Omar", Phone: "07701234567", Password: "secret", Role: model.RoleDriver,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.NotEqual(t, []byte("secret"), u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword(u.PasswordHash, []byte("secret")))
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrUserExists}
	svc := NewService(repo, nil, nil)

	_, err := svc.RegisterUser(context.Background(), Registration{Phone: "07701234567", Password: "p", Role: model.RoleDriver})
	assert.ErrorIs(t, err, repository.ErrUserExists)
}

func TestRegisterUser_UnknownRole(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	_, err := svc.RegisterUser(context.Background(), Registration{Phone: "07701234567", Password: "p", Role: "courier"})
	assert.Error(t, err)
}

func TestAuthenticateUser(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		repo     *stubRepo
		password string
		wantErr  error
	}{
		{
			name:     "valid",
			repo:     &stubRepo{getUser: &model.User{ID: 3, PasswordHash: hashed, IsActive: true}},
			password: "correct",
		},
		{
			name:     "wrong password",
			repo:     &stubRepo{getUser: &model.User{ID: 3, PasswordHash: hashed, IsActive: true}},
			password: "wrong",
			wantErr:  ErrInvalidCredentials,
		},
		{
			name:     "unknown phone",
			repo:     &stubRepo{getUserErr: repository.ErrUserNotFound},
			password: "correct",
			wantErr:  ErrInvalidCredentials,
		},
		{
			name:     "deactivated",
			repo:     &stubRepo{getUser: &model.User{ID: 3, PasswordHash: hashed}},
			password: "correct",
			wantErr:  ErrUserInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.repo, nil, nil)
			u, err := svc.AuthenticateUser(context.Background(), "07701234567", tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(3), u.ID)
		})
	}
}

func TestDeactivate_AdminOnly(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	err := svc.Deactivate(context.Background(), order.Actor{UserID: 2, Role: model.RoleDispatcher}, 5)
	assert.ErrorIs(t, err, order.ErrForbidden)

	err = svc.Deactivate(context.Background(), order.Actor{UserID: 1, Role: model.RoleAdmin}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, repo.deactivated)
}

func TestRateOrder(t *testing.T) {
	driverID := int64(9)
	delivered := &model.Order{ID: 4, RestaurantID: 2, DriverID: &driverID, Status: model.OrderStatusDelivered}
	owner := order.Actor{UserID: 2, Role: model.RoleRestaurant}

	tests := []struct {
		name    string
		repo    *stubRepo
		actor   order.Actor
		score   int
		wantErr error
	}{
		{name: "ok", repo: &stubRepo{order: delivered}, actor: owner, score: 5},
		{name: "score too low", repo: &stubRepo{order: delivered}, actor: owner, score: 0, wantErr: ErrInvalidRating},
		{name: "score too high", repo: &stubRepo{order: delivered}, actor: owner, score: 6, wantErr: ErrInvalidRating},
		{name: "not owner", repo: &stubRepo{order: delivered}, actor: order.Actor{UserID: 3, Role: model.RoleRestaurant}, score: 4, wantErr: order.ErrForbidden},
		{name: "driver cannot rate", repo: &stubRepo{order: delivered}, actor: order.Actor{UserID: 9, Role: model.RoleDriver}, score: 4, wantErr: order.ErrForbidden},
		{
			name:    "not delivered",
			repo:    &stubRepo{order: &model.Order{ID: 4, RestaurantID: 2, DriverID: &driverID, Status: model.OrderStatusPickedUp}},
			actor:   owner,
			score:   4,
			wantErr: ErrNotRateable,
		},
		{name: "already rated", repo: &stubRepo{order: delivered, ratingErr: repository.ErrRatingExists}, actor: owner, score: 4, wantErr: repository.ErrRatingExists},
		{name: "unknown order", repo: &stubRepo{orderErr: repository.ErrOrderNotFound}, actor: owner, score: 4, wantErr: repository.ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.repo, nil, nil)
			rt, err := svc.RateOrder(context.Background(), tt.actor, 4, tt.score, "fast")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, driverID, rt.DriverID)
			require.Len(t, tt.repo.ratings, 1)
			assert.Equal(t, "fast", tt.repo.ratings[0].Comment)
		})
	}
}

func TestDriverRating_OnlyForDrivers(t *testing.T) {
	svc := NewService(&stubRepo{getUser: &model.User{ID: 9, Role: model.RoleDriver}}, nil, nil)
	r, err := svc.DriverRating(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 4.5, r.Average)

	svc = NewService(&stubRepo{getUser: &model.User{ID: 2, Role: model.RoleRestaurant}}, nil, nil)
	_, err = svc.DriverRating(context.Background(), 2)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}

func TestAdjustBalance_WithMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	driver := &model.User{Name: "Omar", Phone: "07701234567", Role: model.RoleDriver}
	require.NoError(t, repo.CreateUser(ctx, driver))

	at := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	svc := NewService(repo, ledger.New(func() time.Time { return at }), nil)
	admin := order.Actor{UserID: 100, Role: model.RoleAdmin}

	_, err := svc.AdjustBalance(ctx, order.Actor{UserID: 2, Role: model.RoleDispatcher},
		Adjustment{UserID: driver.ID, Amount: 100, Type: model.TransactionDeposit})
	require.ErrorIs(t, err, order.ErrForbidden)

	tx, err := svc.AdjustBalance(ctx, admin, Adjustment{UserID: driver.ID, Amount: 1000, Type: model.TransactionDeposit, Description: "float"})
	require.NoError(t, err)
	assert.Equal(t, at, tx.CreatedAt)

	_, err = svc.AdjustBalance(ctx, admin, Adjustment{UserID: driver.ID, Amount: 1500, Type: model.TransactionWithdrawal})
	require.ErrorIs(t, err, repository.ErrInsufficientBalance)

	_, err = svc.AdjustBalance(ctx, admin, Adjustment{UserID: driver.ID, Amount: 400, Type: model.TransactionRefund})
	require.NoError(t, err)

	u, err := svc.GetUser(ctx, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1400), u.Balance)

	txs, err := svc.ListTransactions(ctx, driver.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TransactionRefund, txs[0].Type)
}
