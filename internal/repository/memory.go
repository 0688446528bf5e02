package repository

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mmeshcher/courier-ledger/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Транзакции сериализуются:
// InTx работает с копией состояния и публикует её только при успешном завершении.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	users        map[int64]model.User
	orders       map[int64]model.Order
	transactions []model.Transaction
	events       []model.OrderEvent
	ratings      []model.Rating

	nextUserID, nextOrderID, nextTxID, nextEventID, nextRatingID int64
}

func (s *memState) clone() *memState {
	c := *s
	c.users = maps.Clone(s.users)
	c.orders = maps.Clone(s.orders)
	c.transactions = slices.Clone(s.transactions)
	c.events = slices.Clone(s.events)
	c.ratings = slices.Clone(s.ratings)
	return &c
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			users:  make(map[int64]model.User),
			orders: make(map[int64]model.Order),
		},
		now: time.Now,
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// InTx выполняет fn на копии состояния под эксклюзивной блокировкой.
func (r *MemoryRepository) InTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	draft := r.state.clone()
	if err := fn(ctx, &memTx{state: draft}); err != nil {
		return err
	}
	r.state = draft
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *MemoryRepository) CreateUser(ctx context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.state.users {
		if existing.Phone == u.Phone {
			return ErrUserExists
		}
	}

	r.state.nextUserID++
	u.ID = r.state.nextUserID
	u.IsActive = true
	u.CreatedAt = r.now()
	r.state.users[u.ID] = *u
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// GetUserByPhone возвращает пользователя по номеру телефона.
func (r *MemoryRepository) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.state.users {
		if u.Phone == phone {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

// UpdateUserLocation сохраняет текущие координаты пользователя.
func (r *MemoryRepository) UpdateUserLocation(ctx context.Context, id int64, lat, lng string) error {
	return r.updateUser(id, func(u *model.User) {
		u.CurrentLat = &lat
		u.CurrentLng = &lng
	})
}

// UpdatePushToken сохраняет push-токен пользователя. Пустая строка очищает токен.
func (r *MemoryRepository) UpdatePushToken(ctx context.Context, id int64, token string) error {
	return r.updateUser(id, func(u *model.User) {
		if token == "" {
			u.PushToken = nil
			return
		}
		u.PushToken = &token
	})
}

// SetUserActive включает или отключает учётную запись.
func (r *MemoryRepository) SetUserActive(ctx context.Context, id int64, active bool) error {
	return r.updateUser(id, func(u *model.User) {
		u.IsActive = active
	})
}

func (r *MemoryRepository) updateUser(id int64, fn func(u *model.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.state.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&u)
	r.state.users[id] = u
	return nil
}

// CreateOrder сохраняет новый заказ и заполняет его идентификатор.
func (r *MemoryRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.users[o.RestaurantID]; !ok {
		return ErrUserNotFound
	}

	r.state.nextOrderID++
	o.ID = r.state.nextOrderID
	o.UpdatedAt = o.CreatedAt
	r.state.orders[o.ID] = *o
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *MemoryRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

// ListOrders возвращает заказы по фильтру, новые первыми.
func (r *MemoryRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, o := range r.state.orders {
		if matchOrder(o, f) {
			res = append(res, o)
		}
	}

	slices.SortFunc(res, func(a, b model.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})

	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func matchOrder(o model.Order, f model.OrderFilter) bool {
	switch {
	case f.RestaurantID != nil && o.RestaurantID != *f.RestaurantID:
		return false
	case f.DriverID != nil && (o.DriverID == nil || *o.DriverID != *f.DriverID):
		return false
	case f.Status != nil && o.Status != *f.Status:
		return false
	case f.CreatedFrom != nil && o.CreatedAt.Before(*f.CreatedFrom):
		return false
	case f.CreatedTo != nil && !o.CreatedAt.Before(*f.CreatedTo):
		return false
	}
	return true
}

// ListOrderEvents возвращает историю переходов заказа в порядке применения.
func (r *MemoryRepository) ListOrderEvents(ctx context.Context, orderID int64) ([]model.OrderEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.OrderEvent
	for _, e := range r.state.events {
		if e.OrderID == orderID {
			res = append(res, e)
		}
	}
	return res, nil
}

// ListTransactions возвращает проводки пользователя, новые первыми.
func (r *MemoryRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Transaction
	for i := len(r.state.transactions) - 1; i >= 0; i-- {
		t := r.state.transactions[i]
		if t.UserID != userID {
			continue
		}
		res = append(res, t)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// ListOrderTransactions возвращает проводки, связанные с заказом.
func (r *MemoryRepository) ListOrderTransactions(ctx context.Context, orderID int64) ([]model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Transaction
	for _, t := range r.state.transactions {
		if t.OrderID != nil && *t.OrderID == orderID {
			res = append(res, t)
		}
	}
	return res, nil
}

// CreateRating сохраняет оценку. Повторная оценка заказа возвращает ErrRatingExists.
func (r *MemoryRepository) CreateRating(ctx context.Context, rt *model.Rating) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.state.ratings {
		if existing.OrderID == rt.OrderID {
			return ErrRatingExists
		}
	}

	r.state.nextRatingID++
	rt.ID = r.state.nextRatingID
	r.state.ratings = append(r.state.ratings, *rt)
	return nil
}

// GetDriverRating возвращает среднюю оценку и количество оценок водителя.
func (r *MemoryRepository) GetDriverRating(ctx context.Context, driverID int64) (*model.DriverRating, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sum, count := r.state.ratingOf(driverID)
	res := &model.DriverRating{DriverID: driverID, Count: count}
	if count > 0 {
		res.Average = float64(sum) / float64(count)
	}
	return res, nil
}

func (s *memState) ratingOf(driverID int64) (sum, count int64) {
	for _, rt := range s.ratings {
		if rt.DriverID == driverID {
			sum += int64(rt.Score)
			count++
		}
	}
	return sum, count
}

// SumTransactions возвращает сумму проводок типа typ с created_at в [from, to).
func (r *MemoryRepository) SumTransactions(ctx context.Context, typ model.TransactionType, from, to time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sum int64
	for _, t := range r.state.transactions {
		if t.Type == typ && !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			sum += t.Amount
		}
	}
	return sum, nil
}

// CountActiveDrivers возвращает количество активных водителей.
func (r *MemoryRepository) CountActiveDrivers(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, u := range r.state.users {
		if u.Role == model.RoleDriver && u.IsActive {
			n++
		}
	}
	return n, nil
}

// CountOrdersByStatus возвращает количество заказов в указанном статусе.
func (r *MemoryRepository) CountOrdersByStatus(ctx context.Context, status model.OrderStatus) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, o := range r.state.orders {
		if o.Status == status {
			n++
		}
	}
	return n, nil
}

// Leaderboard возвращает показатели водителей в том же порядке, что и PostgreSQL-реализация.
func (r *MemoryRepository) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byDriver := make(map[int64]*model.LeaderboardEntry)
	assigned := make(map[int64]int64)
	completed := make(map[int64]int64)

	for _, u := range r.state.users {
		if u.Role == model.RoleDriver {
			byDriver[u.ID] = &model.LeaderboardEntry{DriverID: u.ID, Name: u.Name}
		}
	}

	for _, o := range r.state.orders {
		if o.DriverID == nil {
			continue
		}
		e, ok := byDriver[*o.DriverID]
		if !ok {
			continue
		}
		assigned[e.DriverID]++
		if o.DeliveredAt != nil {
			completed[e.DriverID]++
		}
		if o.Status == model.OrderStatusDelivered {
			e.DeliveredOrders++
			e.Earnings += o.DeliveryFee
		}
	}

	res := make([]model.LeaderboardEntry, 0, len(byDriver))
	for id, e := range byDriver {
		if sum, count := r.state.ratingOf(id); count > 0 {
			e.AverageRating = float64(sum) / float64(count)
		}
		if assigned[id] > 0 {
			e.CompletionRate = float64(completed[id]) * 100 / float64(assigned[id])
		}
		res = append(res, *e)
	}

	slices.SortFunc(res, func(a, b model.LeaderboardEntry) int {
		switch {
		case a.DeliveredOrders != b.DeliveredOrders:
			return int(b.DeliveredOrders - a.DeliveredOrders)
		case a.Earnings != b.Earnings:
			return int(b.Earnings - a.Earnings)
		}
		return int(a.DriverID - b.DriverID)
	})

	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// memTx реализует Tx поверх черновика состояния.
type memTx struct {
	state *memState
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) SaveOrder(ctx context.Context, o *model.Order) error {
	if _, ok := t.state.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	t.state.orders[o.ID] = *o
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, ok := t.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID, delta int64) error {
	u, ok := t.state.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if delta < 0 && u.Balance+delta < 0 {
		return ErrInsufficientBalance
	}
	u.Balance += delta
	t.state.users[userID] = u
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	if _, ok := t.state.users[tr.UserID]; !ok {
		return ErrUserNotFound
	}
	if tr.OrderID != nil {
		for _, existing := range t.state.transactions {
			if existing.OrderID != nil && *existing.OrderID == *tr.OrderID && existing.Type == tr.Type {
				return ErrDuplicatePosting
			}
		}
	}

	t.state.nextTxID++
	tr.ID = t.state.nextTxID
	t.state.transactions = append(t.state.transactions, *tr)
	return nil
}

func (t *memTx) AppendOrderEvent(ctx context.Context, e *model.OrderEvent) error {
	t.state.nextEventID++
	e.ID = t.state.nextEventID
	t.state.events = append(t.state.events, *e)
	return nil
}
