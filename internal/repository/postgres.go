package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/courier-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderColumns = `id, status, restaurant_id, driver_id, customer_name, customer_phone, delivery_address,
	notes, collection_amount, delivery_fee, cancel_reason, picked_at, delivered_at, created_at, updated_at`

const userColumns = `id, name, phone, password_hash, role, balance, current_lat::text, current_lng::text,
	push_token, is_active, created_at`

// querier объединяет методы пула и транзакции pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Ответ сервера на COMMIT означает, что транзакция откачена.
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции READ COMMITTED. При ошибке fn транзакция откатывается,
// при сериализационных конфликтах и дедлоках fn выполняется повторно целиком.
// Обрыв соединения повторяется только до отправки COMMIT.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return &commitError{err: err}
		}
		return nil
	})
}

// commitError означает, что COMMIT не подтверждён. При обрыве соединения результат
// транзакции неизвестен, поэтому повторять её нельзя.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return "commit tx: " + e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, phone, password_hash, role, is_active)
		 VALUES ($1, $2, $3, $4, TRUE)
		 RETURNING id, balance, is_active, created_at`,
		u.Name, u.Phone, u.PasswordHash, string(u.Role),
	).Scan(&u.ID, &u.Balance, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Phone)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetUserByPhone возвращает пользователя по номеру телефона.
func (r *PostgresRepository) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	return getUser(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
}

func getUser(ctx context.Context, q querier, sql string, arg any) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	err := q.QueryRow(ctx, sql, arg).Scan(
		&u.ID, &u.Name, &u.Phone, &u.PasswordHash, &role, &u.Balance,
		&u.CurrentLat, &u.CurrentLng, &u.PushToken, &u.IsActive, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// UpdateUserLocation сохраняет текущие координаты пользователя.
func (r *PostgresRepository) UpdateUserLocation(ctx context.Context, id int64, lat, lng string) error {
	return r.execUser(ctx, "update location",
		`UPDATE users SET current_lat = $2::numeric, current_lng = $3::numeric WHERE id = $1`, id, lat, lng)
}

// UpdatePushToken сохраняет push-токен пользователя. Пустая строка очищает токен.
func (r *PostgresRepository) UpdatePushToken(ctx context.Context, id int64, token string) error {
	return r.execUser(ctx, "update push token",
		`UPDATE users SET push_token = NULLIF($2, '') WHERE id = $1`, id, token)
}

// SetUserActive включает или отключает учётную запись.
func (r *PostgresRepository) SetUserActive(ctx context.Context, id int64, active bool) error {
	return r.execUser(ctx, "set user active",
		`UPDATE users SET is_active = $2 WHERE id = $1`, id, active)
}

func (r *PostgresRepository) execUser(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateOrder сохраняет новый заказ и заполняет его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (status, restaurant_id, customer_name, customer_phone, delivery_address,
			notes, collection_amount, delivery_fee, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 RETURNING id`,
		string(o.Status), o.RestaurantID, o.CustomerName, o.CustomerPhone, o.DeliveryAddress,
		o.Notes, o.CollectionAmount, o.DeliveryFee, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrUserNotFound
		}
		return fmt.Errorf("create order: %w", err)
	}
	o.UpdatedAt = o.CreatedAt
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// ListOrders возвращает заказы по фильтру, новые первыми. Фильтрация выполняется в запросе.
func (r *PostgresRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.RestaurantID != nil {
		add("restaurant_id = $%d", *f.RestaurantID)
	}
	if f.DriverID != nil {
		add("driver_id = $%d", *f.DriverID)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.CreatedFrom != nil {
		add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at < $%d", *f.CreatedTo)
	}

	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(
		&o.ID, &status, &o.RestaurantID, &o.DriverID, &o.CustomerName, &o.CustomerPhone,
		&o.DeliveryAddress, &o.Notes, &o.CollectionAmount, &o.DeliveryFee, &o.CancelReason,
		&o.PickedAt, &o.DeliveredAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// ListOrderEvents возвращает историю переходов заказа в порядке применения.
func (r *PostgresRepository) ListOrderEvents(ctx context.Context, orderID int64) ([]model.OrderEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, from_status, to_status, actor_id, actor_role, created_at
		 FROM order_events
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order events: %w", err)
	}
	defer rows.Close()

	var res []model.OrderEvent
	for rows.Next() {
		var (
			e         model.OrderEvent
			from, to  string
			actorRole string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &from, &to, &e.ActorID, &actorRole, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.FromStatus = model.OrderStatus(from)
		e.ToStatus = model.OrderStatus(to)
		e.ActorRole = model.Role(actorRole)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListTransactions возвращает проводки пользователя, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT id, user_id, order_id, amount, type, description, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
}

// ListOrderTransactions возвращает проводки, связанные с заказом.
func (r *PostgresRepository) ListOrderTransactions(ctx context.Context, orderID int64) ([]model.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT id, user_id, order_id, amount, type, description, created_at
		 FROM transactions
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, sql string, args ...any) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t   model.Transaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Amount, &typ, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRating сохраняет оценку. Повторная оценка заказа возвращает ErrRatingExists.
func (r *PostgresRepository) CreateRating(ctx context.Context, rt *model.Rating) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO ratings (order_id, driver_id, restaurant_id, score, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		rt.OrderID, rt.DriverID, rt.RestaurantID, rt.Score, rt.Comment, rt.CreatedAt,
	).Scan(&rt.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRatingExists
		}
		return fmt.Errorf("create rating: %w", err)
	}
	return nil
}

// GetDriverRating возвращает среднюю оценку и количество оценок водителя.
func (r *PostgresRepository) GetDriverRating(ctx context.Context, driverID int64) (*model.DriverRating, error) {
	res := model.DriverRating{DriverID: driverID}
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(score), 0)::float8, COUNT(*) FROM ratings WHERE driver_id = $1`,
		driverID,
	).Scan(&res.Average, &res.Count)
	if err != nil {
		return nil, fmt.Errorf("driver rating: %w", err)
	}
	return &res, nil
}

// SumTransactions возвращает сумму проводок типа typ с created_at в [from, to).
func (r *PostgresRepository) SumTransactions(ctx context.Context, typ model.TransactionType, from, to time.Time) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint
		 FROM transactions
		 WHERE type = $1 AND created_at >= $2 AND created_at < $3`,
		string(typ), from, to,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

// CountActiveDrivers возвращает количество активных водителей.
func (r *PostgresRepository) CountActiveDrivers(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE role = $1 AND is_active`,
		string(model.RoleDriver),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active drivers: %w", err)
	}
	return n, nil
}

// CountOrdersByStatus возвращает количество заказов в указанном статусе.
func (r *PostgresRepository) CountOrdersByStatus(ctx context.Context, status model.OrderStatus) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// Leaderboard возвращает показатели водителей, вычисленные агрегирующим запросом.
func (r *PostgresRepository) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.name,
		        COALESCE(o.delivered, 0),
		        COALESCE(rt.avg_score, 0),
		        COALESCE(o.earnings, 0)::bigint,
		        CASE WHEN COALESCE(o.assigned, 0) = 0 THEN 0
		             ELSE o.completed::float8 * 100 / o.assigned END
		 FROM users u
		 LEFT JOIN (
		     SELECT driver_id,
		            COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
		            COUNT(*) FILTER (WHERE delivered_at IS NOT NULL) AS completed,
		            COALESCE(SUM(delivery_fee) FILTER (WHERE status = 'delivered'), 0) AS earnings,
		            COUNT(*) AS assigned
		     FROM orders
		     WHERE driver_id IS NOT NULL
		     GROUP BY driver_id
		 ) o ON o.driver_id = u.id
		 LEFT JOIN (
		     SELECT driver_id, AVG(score)::float8 AS avg_score
		     FROM ratings
		     GROUP BY driver_id
		 ) rt ON rt.driver_id = u.id
		 WHERE u.role = $1
		 ORDER BY 3 DESC, 5 DESC, u.id
		 LIMIT $2`,
		string(model.RoleDriver), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.DriverID, &e.Name, &e.DeliveredOrders, &e.AverageRating, &e.Earnings, &e.CompletionRate); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, driver_id = $3, customer_name = $4, customer_phone = $5,
		     delivery_address = $6, notes = $7, cancel_reason = $8,
		     picked_at = $9, delivered_at = $10, updated_at = $11
		 WHERE id = $1`,
		o.ID, string(o.Status), o.DriverID, o.CustomerName, o.CustomerPhone,
		o.DeliveryAddress, o.Notes, o.CancelReason,
		o.PickedAt, o.DeliveredAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, t.tx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID, delta int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 AND ($2 >= 0 OR balance + $2 >= 0)`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return ErrInsufficientBalance
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (user_id, order_id, amount, type, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		tr.UserID, tr.OrderID, tr.Amount, string(tr.Type), tr.Description, tr.CreatedAt,
	).Scan(&tr.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePosting
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) AppendOrderEvent(ctx context.Context, e *model.OrderEvent) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO order_events (order_id, from_status, to_status, actor_id, actor_role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		e.OrderID, string(e.FromStatus), string(e.ToStatus), e.ActorID, string(e.ActorRole), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}
