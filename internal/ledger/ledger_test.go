package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/repository"
)

func newUser(t *testing.T, repo *repository.MemoryRepository, phone string, role model.Role) int64 {
	t.Helper()

	u := &model.User{Name: phone, Phone: phone, Role: role}
	require.NoError(t, repo.CreateUser(context.Background(), u))
	return u.ID
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestSettle_DriverAndRestaurant(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	restaurantID := newUser(t, repo, "07701000001", model.RoleRestaurant)
	driverID := newUser(t, repo, "07701000002", model.RoleDriver)

	l := New(fixedClock())
	o := &model.Order{ID: 7, RestaurantID: restaurantID, DriverID: &driverID, CollectionAmount: 5000, DeliveryFee: 500}

	err := repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		txs, err := l.Settle(ctx, tx, o)
		if err != nil {
			return err
		}
		assert.Len(t, txs, 2)
		return nil
	})
	require.NoError(t, err)

	driver, err := repo.GetUser(ctx, driverID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), driver.Balance)

	restaurant, err := repo.GetUser(ctx, restaurantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), restaurant.Balance)

	txs, err := repo.ListOrderTransactions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TransactionCommission, txs[0].Type)
	assert.Equal(t, driverID, txs[0].UserID)
	assert.Equal(t, model.TransactionPayment, txs[1].Type)
	assert.Equal(t, int64(5000), txs[1].Amount)
}

func TestSettle_WithoutDriverPostsOnlyPayment(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	restaurantID := newUser(t, repo, "07701000001", model.RoleRestaurant)

	l := New(nil)
	o := &model.Order{ID: 1, RestaurantID: restaurantID, CollectionAmount: 1200, DeliveryFee: 300}

	err := repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := l.Settle(ctx, tx, o)
		return err
	})
	require.NoError(t, err)

	txs, err := repo.ListOrderTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TransactionPayment, txs[0].Type)
}

func TestSettle_TwiceIsRejectedAndRolledBack(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	restaurantID := newUser(t, repo, "07701000001", model.RoleRestaurant)
	driverID := newUser(t, repo, "07701000002", model.RoleDriver)

	l := New(nil)
	o := &model.Order{ID: 3, RestaurantID: restaurantID, DriverID: &driverID, CollectionAmount: 1000, DeliveryFee: 100}

	settle := func(ctx context.Context, tx repository.Tx) error {
		_, err := l.Settle(ctx, tx, o)
		return err
	}
	require.NoError(t, repo.InTx(ctx, settle))

	err := repo.InTx(ctx, settle)
	require.ErrorIs(t, err, repository.ErrDuplicatePosting)

	driver, err := repo.GetUser(ctx, driverID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), driver.Balance)

	restaurant, err := repo.GetUser(ctx, restaurantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), restaurant.Balance)
}

func TestPost_Validation(t *testing.T) {
	l := New(nil)

	tests := []struct {
		name    string
		posting Posting
		wantErr error
	}{
		{
			name:    "zero amount",
			posting: Posting{UserID: 1, Amount: 0, Type: model.TransactionDeposit},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			posting: Posting{UserID: 1, Amount: -5, Type: model.TransactionDeposit},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "unknown type",
			posting: Posting{UserID: 1, Amount: 5, Type: "bonus"},
			wantErr: ErrInvalidType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Post(context.Background(), nil, tt.posting)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	driverID := newUser(t, repo, "07701000002", model.RoleDriver)
	l := New(nil)

	_, err := l.Adjust(ctx, repo, Posting{UserID: driverID, Amount: 700, Type: model.TransactionDeposit})
	require.NoError(t, err)

	_, err = l.Adjust(ctx, repo, Posting{UserID: driverID, Amount: 200, Type: model.TransactionWithdrawal})
	require.NoError(t, err)

	_, err = l.Adjust(ctx, repo, Posting{UserID: driverID, Amount: 600, Type: model.TransactionWithdrawal})
	require.True(t, errors.Is(err, repository.ErrInsufficientBalance), "got %v", err)

	_, err = l.Adjust(ctx, repo, Posting{UserID: driverID, Amount: 600, Type: model.TransactionCommission})
	require.ErrorIs(t, err, ErrReservedType)

	driver, err := repo.GetUser(ctx, driverID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), driver.Balance)

	txs, err := repo.ListTransactions(ctx, driverID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TransactionWithdrawal, txs[0].Type)
	assert.Equal(t, model.TransactionDeposit, txs[1].Type)
}
