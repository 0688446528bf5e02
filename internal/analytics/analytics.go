// Package analytics считает дневные агрегаты и таблицу лидеров водителей.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/courier-ledger/internal/cache"
	"github.com/mmeshcher/courier-ledger/internal/model"
)

// DateLayout задаёт формат даты в запросах и ключах кэша.
const DateLayout = "2006-01-02"

const (
	dailyKeyPrefix       = "stats:daily:"
	leaderboardKeyPrefix = "stats:leaderboard:"
	defaultLeaderboard   = 10
)

// Repository описывает агрегирующие запросы, используемые аналитикой.
type Repository interface {
	SumTransactions(ctx context.Context, typ model.TransactionType, from, to time.Time) (int64, error)
	CountActiveDrivers(ctx context.Context) (int64, error)
	CountOrdersByStatus(ctx context.Context, status model.OrderStatus) (int64, error)
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
}

// Day хранит границы календарного дня. End включительно с точностью до миллисекунды,
// Next указывает на начало следующего дня.
type Day struct {
	Start time.Time
	End   time.Time
	Next  time.Time
}

// DayBounds возвращает границы дня, в который попадает date, в часовом поясе loc.
func DayBounds(date time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return Day{
		Start: start,
		End:   next.Add(-time.Millisecond),
		Next:  next,
	}
}

// ParseDay разбирает дату в формате YYYY-MM-DD в часовом поясе loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Options задаёт параметры сервиса аналитики.
type Options struct {
	Location *time.Location
	TTL      time.Duration
	Now      func() time.Time
	Logger   *zap.Logger
}

// Service считает агрегаты и кэширует результаты на TTL.
type Service struct {
	repo   Repository
	cache  cache.Cache
	loc    *time.Location
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	// gens считает инвалидации по ключу. Расчёт, во время которого ключ был
	// инвалидирован, в кэш не записывается.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewService создаёт сервис аналитики. Если c == nil, кэширование отключено.
func NewService(repo Repository, c cache.Cache, opts Options) *Service {
	s := &Service{
		repo:   repo,
		cache:  c,
		loc:    opts.Location,
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
		gens:   make(map[string]uint64),
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Location возвращает часовой пояс, в котором считаются дни.
func (s *Service) Location() *time.Location {
	return s.loc
}

// DailyStats возвращает агрегаты за день date. Нулевая date означает текущий день.
func (s *Service) DailyStats(ctx context.Context, date time.Time) (*model.DailyStats, error) {
	if date.IsZero() {
		date = s.now()
	}
	day := DayBounds(date, s.loc)
	key := dailyKeyPrefix + day.Start.Format(DateLayout)
	gen := s.generation(key)

	var cached model.DailyStats
	if ok := s.lookup(ctx, key, &cached); ok {
		return &cached, nil
	}

	collections, err := s.repo.SumTransactions(ctx, model.TransactionPayment, day.Start, day.Next)
	if err != nil {
		return nil, fmt.Errorf("sum collections: %w", err)
	}
	commissions, err := s.repo.SumTransactions(ctx, model.TransactionCommission, day.Start, day.Next)
	if err != nil {
		return nil, fmt.Errorf("sum commissions: %w", err)
	}
	drivers, err := s.repo.CountActiveDrivers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count drivers: %w", err)
	}
	pending, err := s.repo.CountOrdersByStatus(ctx, model.OrderStatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending orders: %w", err)
	}

	res := &model.DailyStats{
		Date:          day.Start.Format(DateLayout),
		Collections:   collections,
		Commissions:   commissions,
		ActiveDrivers: drivers,
		PendingOrders: pending,
	}
	s.storeIfCurrent(ctx, key, gen, res)
	return res, nil
}

// Leaderboard возвращает лучших водителей. Неположительный limit заменяется значением по умолчанию.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboard
	}
	key := leaderboardKeyPrefix + strconv.Itoa(limit)

	var cached []model.LeaderboardEntry
	if ok := s.lookup(ctx, key, &cached); ok {
		return cached, nil
	}

	res, err := s.repo.Leaderboard(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	if res == nil {
		res = []model.LeaderboardEntry{}
	}
	s.store(ctx, key, res)
	return res, nil
}

// Invalidate сбрасывает кэш дня, к которому относится расчёт по заказу.
// Таблица лидеров истекает по TTL.
func (s *Service) Invalidate(ctx context.Context, o model.Order) {
	at := s.now()
	if o.DeliveredAt != nil {
		at = *o.DeliveredAt
	}
	key := dailyKeyPrefix + DayBounds(at, s.loc).Start.Format(DateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gens[key]++
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[key]
}

// storeIfCurrent записывает значение, только если ключ не инвалидировали после чтения gen.
func (s *Service) storeIfCurrent(ctx context.Context, key string, gen uint64, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gens[key] != gen {
		s.logger.Debug("skip caching stale stats", zap.String("key", key))
		return
	}
	s.store(ctx, key, value)
}

// lookup читает значение из кэша. Ошибки кэша не прерывают запрос.
func (s *Service) lookup(ctx context.Context, key string, dst any) bool {
	ok, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (s *Service) store(ctx context.Context, key string, value any) {
	if s.ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
