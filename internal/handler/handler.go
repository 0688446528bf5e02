// Package handler содержит HTTP-обработчики API сервиса доставки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/courier-ledger/internal/ledger"
	"github.com/mmeshcher/courier-ledger/internal/middleware"
	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/order"
	"github.com/mmeshcher/courier-ledger/internal/repository"
	"github.com/mmeshcher/courier-ledger/internal/service"
	"github.com/mmeshcher/courier-ledger/internal/validation"
)

const retryMessage = "service temporarily unavailable, please retry"

// AccountService определяет операции с пользователями, балансами и оценками.
type AccountService interface {
	RegisterUser(ctx context.Context, r service.Registration) (*model.User, error)
	AuthenticateUser(ctx context.Context, phone, password string) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	UpdateLocation(ctx context.Context, id int64, lat, lng string) error
	SetPushToken(ctx context.Context, id int64, token string) error
	Deactivate(ctx context.Context, actor order.Actor, id int64) error
	ListTransactions(ctx context.Context, userID int64, limit int) ([]model.Transaction, error)
	AdjustBalance(ctx context.Context, actor order.Actor, a service.Adjustment) (*model.Transaction, error)
	RateOrder(ctx context.Context, actor order.Actor, orderID int64, score int, comment string) (*model.Rating, error)
	DriverRating(ctx context.Context, driverID int64) (*model.DriverRating, error)
}

// OrderService определяет операции жизненного цикла заказа.
type OrderService interface {
	Create(ctx context.Context, actor order.Actor, cmd order.CreateCommand) (*model.Order, error)
	Get(ctx context.Context, actor order.Actor, id int64) (*model.Order, error)
	List(ctx context.Context, actor order.Actor, f model.OrderFilter) ([]model.Order, error)
	Pending(ctx context.Context, actor order.Actor) ([]model.Order, error)
	Events(ctx context.Context, actor order.Actor, id int64) ([]model.OrderEvent, error)
	Transactions(ctx context.Context, actor order.Actor, id int64) ([]model.Transaction, error)
	Apply(ctx context.Context, actor order.Actor, orderID int64, tr order.Transition) (*model.Order, error)
}

// AnalyticsService определяет агрегирующие отчёты.
type AnalyticsService interface {
	DailyStats(ctx context.Context, date time.Time) (*model.DailyStats, error)
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	Location() *time.Location
}

// Handler реализует HTTP-обработчики API сервиса доставки.
type Handler struct {
	accounts       AccountService
	orders         OrderService
	analytics      AnalyticsService
	validator      *validation.Validator
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(accounts AccountService, orders OrderService, analytics AnalyticsService,
	logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		accounts:       accounts,
		orders:         orders,
		analytics:      analytics,
		validator:      validation.New(),
		logger:         logger,
		authMiddleware: auth,
	}
}

// errorStatus сопоставляет доменную ошибку HTTP-статусу. Ноль означает внутреннюю ошибку.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUserInactive):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, repository.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, repository.ErrRatingExists),
		errors.Is(err, repository.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, order.ErrMissingDriver),
		errors.Is(err, order.ErrDriverUnavailable),
		errors.Is(err, order.ErrInvalidOrder),
		errors.Is(err, service.ErrInvalidRating),
		errors.Is(err, service.ErrNotRateable),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, ledger.ErrReservedType):
		return http.StatusUnprocessableEntity
	}
	return 0
}

// writeError отвечает статусом, соответствующим ошибке. Внутренние ошибки журналируются
// и не раскрываются клиенту.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	status := errorStatus(err)
	if status == 0 {
		h.logger.Error(op+" error", zap.Error(err), zap.String("uri", r.RequestURI))
		http.Error(w, retryMessage, http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// decodeJSON читает тело запроса в dst и проверяет его теги validate.
func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(validation.ErrInvalidInput, err)
	}
	return h.validator.Struct(dst)
}

func actorFrom(w http.ResponseWriter, r *http.Request) (order.Actor, bool) {
	a, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return a, ok
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

type userResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	Role       model.Role `json:"role"`
	Balance    int64      `json:"balance"`
	CurrentLat *string    `json:"current_lat,omitempty"`
	CurrentLng *string    `json:"current_lng,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  string     `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Name:       u.Name,
		Phone:      u.Phone,
		Role:       u.Role,
		Balance:    u.Balance,
		CurrentLat: u.CurrentLat,
		CurrentLng: u.CurrentLng,
		IsActive:   u.IsActive,
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
	}
}

type registerRequest struct {
	Name     string     `json:"name" validate:"required"`
	Phone    string     `json:"phone" validate:"required,mobile"`
	Password string     `json:"password" validate:"required,min=6"`
	Role     model.Role `json:"role" validate:"required,oneof=restaurant dispatcher driver admin"`
}

type loginRequest struct {
	Phone    string `json:"phone" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// Register регистрирует пользователя. Ресторан и водитель регистрируются сами,
// диспетчера и администратора может создать только администратор.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "register user")
		return
	}

	if req.Role == model.RoleAdmin || req.Role == model.RoleDispatcher {
		actor, ok := middleware.GetActorFromContext(r.Context())
		if !ok || actor.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	u, err := h.accounts.RegisterUser(r.Context(), service.Registration{
		Name:     req.Name,
		Phone:    req.Phone,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		h.writeError(w, r, err, "register user")
		return
	}

	token, err := h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	if err != nil {
		h.writeError(w, r, err, "issue token")
		return
	}
	h.writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(u)})
}

// Login выполняет аутентификацию пользователя и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "login user")
		return
	}

	u, err := h.accounts.AuthenticateUser(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.writeError(w, r, err, "login user")
		return
	}

	token, err := h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	if err != nil {
		h.writeError(w, r, err, "issue token")
		return
	}
	h.writeJSON(w, http.StatusOK, authResponse{Token: token, User: toUserResponse(u)})
}

// Me возвращает профиль текущего пользователя с балансом.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	u, err := h.accounts.GetUser(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, r, err, "get profile")
		return
	}
	h.writeJSON(w, http.StatusOK, toUserResponse(u))
}

type locationRequest struct {
	Lat string `json:"lat" validate:"required,latitude"`
	Lng string `json:"lng" validate:"required,longitude"`
}

// UpdateLocation сохраняет текущие координаты пользователя.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req locationRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "update location")
		return
	}

	if err := h.accounts.UpdateLocation(r.Context(), actor.UserID, req.Lat, req.Lng); err != nil {
		h.writeError(w, r, err, "update location")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

// SetPushToken сохраняет push-токен устройства. Пустой токен отключает уведомления.
func (h *Handler) SetPushToken(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req pushTokenRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "set push token")
		return
	}

	if err := h.accounts.SetPushToken(r.Context(), actor.UserID, req.Token); err != nil {
		h.writeError(w, r, err, "set push token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deactivate отключает учётную запись пользователя.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.accounts.Deactivate(r.Context(), actor, id); err != nil {
		h.writeError(w, r, err, "deactivate user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transactionResponse struct {
	ID          int64                 `json:"id"`
	UserID      int64                 `json:"user_id"`
	OrderID     *int64                `json:"order_id,omitempty"`
	Amount      int64                 `json:"amount"`
	Type        model.TransactionType `json:"type"`
	Description string                `json:"description"`
	CreatedAt   string                `json:"created_at"`
}

func toTransactionResponse(t model.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		UserID:      t.UserID,
		OrderID:     t.OrderID,
		Amount:      t.Amount,
		Type:        t.Type,
		Description: t.Description,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339Nano),
	}
}

// GetTransactions возвращает журнал проводок текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txs, err := h.accounts.ListTransactions(r.Context(), actor.UserID, limit)
	if err != nil {
		h.writeError(w, r, err, "list transactions")
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, toTransactionResponse(t))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type adjustmentRequest struct {
	Amount      int64                 `json:"amount" validate:"gt=0"`
	Type        model.TransactionType `json:"type" validate:"required,oneof=deposit withdrawal refund"`
	Description string                `json:"description"`
}

// Adjust выполняет ручную проводку по балансу пользователя.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req adjustmentRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "adjust balance")
		return
	}

	t, err := h.accounts.AdjustBalance(r.Context(), actor, service.Adjustment{
		UserID:      id,
		Amount:      req.Amount,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, r, err, "adjust balance")
		return
	}
	h.writeJSON(w, http.StatusCreated, toTransactionResponse(*t))
}

type ratingRequest struct {
	Score   int    `json:"score" validate:"min=1,max=5"`
	Comment string `json:"comment"`
}

// RateOrder сохраняет оценку водителя по доставленному заказу.
func (h *Handler) RateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req ratingRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "rate order")
		return
	}

	rt, err := h.accounts.RateOrder(r.Context(), actor, id, req.Score, req.Comment)
	if err != nil {
		h.writeError(w, r, err, "rate order")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"id":        rt.ID,
		"order_id":  rt.OrderID,
		"driver_id": rt.DriverID,
		"score":     rt.Score,
		"comment":   rt.Comment,
	})
}

// DriverRating возвращает среднюю оценку водителя.
func (h *Handler) DriverRating(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	rating, err := h.accounts.DriverRating(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "driver rating")
		return
	}
	h.writeJSON(w, http.StatusOK, rating)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}
