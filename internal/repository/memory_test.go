package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/courier-ledger/internal/model"
)

func seedUser(t *testing.T, r *MemoryRepository, phone string, role model.Role) *model.User {
	t.Helper()
	u := &model.User{Name: string(role), Phone: phone, Role: role}
	require.NoError(t, r.CreateUser(context.Background(), u))
	return u
}

func TestMemory_CreateUser(t *testing.T) {
	r := NewMemoryRepository()
	u := seedUser(t, r, "07701111111", model.RoleDriver)

	assert.Equal(t, int64(1), u.ID)
	assert.True(t, u.IsActive)

	err := r.CreateUser(context.Background(), &model.User{Phone: "07701111111", Role: model.RoleRestaurant})
	assert.ErrorIs(t, err, ErrUserExists)

	got, err := r.GetUserByPhone(context.Background(), "07701111111")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = r.GetUser(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemory_ListOrdersFilters(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	rest1 := seedUser(t, r, "07701111111", model.RoleRestaurant)
	rest2 := seedUser(t, r, "07702222222", model.RoleRestaurant)
	driver := seedUser(t, r, "07703333333", model.RoleDriver)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	add := func(restaurant int64, status model.OrderStatus, driverID *int64, created time.Time) int64 {
		o := &model.Order{
			RestaurantID:     restaurant,
			Status:           status,
			DriverID:         driverID,
			CollectionAmount: 1000,
			DeliveryFee:      100,
			CreatedAt:        created,
		}
		require.NoError(t, r.CreateOrder(ctx, o))
		return o.ID
	}

	first := add(rest1.ID, model.OrderStatusPending, nil, day.Add(time.Hour))
	second := add(rest1.ID, model.OrderStatusAssigned, &driver.ID, day.Add(2*time.Hour))
	third := add(rest2.ID, model.OrderStatusAssigned, &driver.ID, day.Add(3*time.Hour))
	nextDay := add(rest2.ID, model.OrderStatusPending, nil, day.Add(24*time.Hour))

	status := model.OrderStatusAssigned
	from, to := day, day.Add(24*time.Hour)

	tests := []struct {
		name   string
		filter model.OrderFilter
		want   []int64
	}{
		{name: "all newest first", filter: model.OrderFilter{}, want: []int64{nextDay, third, second, first}},
		{name: "by restaurant", filter: model.OrderFilter{RestaurantID: &rest1.ID}, want: []int64{second, first}},
		{name: "by driver", filter: model.OrderFilter{DriverID: &driver.ID}, want: []int64{third, second}},
		{name: "driver and restaurant", filter: model.OrderFilter{DriverID: &driver.ID, RestaurantID: &rest2.ID}, want: []int64{third}},
		{name: "by status", filter: model.OrderFilter{Status: &status}, want: []int64{third, second}},
		{name: "day excludes next midnight", filter: model.OrderFilter{CreatedFrom: &from, CreatedTo: &to}, want: []int64{third, second, first}},
		{name: "limit", filter: model.OrderFilter{Limit: 1}, want: []int64{nextDay}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := r.ListOrders(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]int64, 0, len(orders))
			for _, o := range orders {
				ids = append(ids, o.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemory_CreateOrderRequiresRestaurant(t *testing.T) {
	r := NewMemoryRepository()
	err := r.CreateOrder(context.Background(), &model.Order{RestaurantID: 7})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemory_InTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	u := seedUser(t, r, "07701111111", model.RoleDriver)

	boom := errors.New("boom")
	err := r.InTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.AdjustBalance(ctx, u.ID, 500))
		require.NoError(t, tx.InsertTransaction(ctx, &model.Transaction{
			UserID: u.ID, Amount: 500, Type: model.TransactionDeposit,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := r.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)

	txs, err := r.ListTransactions(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMemory_InTxCancelledContext(t *testing.T) {
	r := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := r.InTx(ctx, func(ctx context.Context, tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_AdjustBalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	u := seedUser(t, r, "07701111111", model.RoleRestaurant)

	err := r.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.AdjustBalance(ctx, u.ID, 300); err != nil {
			return err
		}
		return tx.AdjustBalance(ctx, u.ID, -301)
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := r.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)
}

func TestMemory_DuplicateOrderPosting(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	u := seedUser(t, r, "07701111111", model.RoleRestaurant)
	orderID := int64(10)

	post := func(typ model.TransactionType) error {
		return r.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertTransaction(ctx, &model.Transaction{
				UserID: u.ID, OrderID: &orderID, Amount: 100, Type: typ,
			})
		})
	}

	require.NoError(t, post(model.TransactionPayment))
	require.NoError(t, post(model.TransactionDeposit))
	assert.ErrorIs(t, post(model.TransactionPayment), ErrDuplicatePosting)

	txs, err := r.ListOrderTransactions(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestMemory_RatingsAndAggregates(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	rest := seedUser(t, r, "07701111111", model.RoleRestaurant)
	d1 := seedUser(t, r, "07702222222", model.RoleDriver)
	d2 := seedUser(t, r, "07703333333", model.RoleDriver)
	require.NoError(t, r.SetUserActive(ctx, d2.ID, false))

	delivered := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, status := range []model.OrderStatus{model.OrderStatusDelivered, model.OrderStatusDelivered, model.OrderStatusAssigned} {
		o := &model.Order{RestaurantID: rest.ID, Status: status, DriverID: &d1.ID, DeliveryFee: 250, CreatedAt: delivered}
		if status == model.OrderStatusDelivered {
			o.DeliveredAt = &delivered
		}
		require.NoError(t, r.CreateOrder(ctx, o))
		if status == model.OrderStatusDelivered {
			require.NoError(t, r.CreateRating(ctx, &model.Rating{
				OrderID: o.ID, DriverID: d1.ID, RestaurantID: rest.ID, Score: 4 + i,
			}))
		}
	}

	err := r.CreateRating(ctx, &model.Rating{OrderID: 1, DriverID: d1.ID, RestaurantID: rest.ID, Score: 1})
	assert.ErrorIs(t, err, ErrRatingExists)

	rating, err := r.GetDriverRating(ctx, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rating.Count)
	assert.InDelta(t, 4.5, rating.Average, 1e-9)

	active, err := r.CountActiveDrivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	assignedCount, err := r.CountOrdersByStatus(ctx, model.OrderStatusAssigned)
	require.NoError(t, err)
	assert.Equal(t, int64(1), assignedCount)

	board, err := r.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, d1.ID, board[0].DriverID)
	assert.Equal(t, int64(2), board[0].DeliveredOrders)
	assert.Equal(t, int64(500), board[0].Earnings)
	assert.InDelta(t, 200.0/3, board[0].CompletionRate, 1e-9)
	assert.Equal(t, d2.ID, board[1].DriverID)
	assert.Zero(t, board[1].DeliveredOrders)
}

func TestMemory_UserUpdates(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	u := seedUser(t, r, "07701111111", model.RoleDriver)

	require.NoError(t, r.UpdateUserLocation(ctx, u.ID, "33.3152", "44.3661"))
	require.NoError(t, r.UpdatePushToken(ctx, u.ID, "ExponentPushToken[abc]"))

	got, err := r.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentLat)
	assert.Equal(t, "33.3152", *got.CurrentLat)
	require.NotNil(t, got.PushToken)

	require.NoError(t, r.UpdatePushToken(ctx, u.ID, ""))
	got, err = r.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PushToken)

	assert.ErrorIs(t, r.SetUserActive(ctx, 99, false), ErrUserNotFound)
}
