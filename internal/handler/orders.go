package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mmeshcher/courier-ledger/internal/analytics"
	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/order"
	"github.com/mmeshcher/courier-ledger/internal/validation"
)

type orderResponse struct {
	ID               int64             `json:"id"`
	Status           model.OrderStatus `json:"status"`
	RestaurantID     int64             `json:"restaurant_id"`
	DriverID         *int64            `json:"driver_id"`
	CustomerName     string            `json:"customer_name"`
	CustomerPhone    string            `json:"customer_phone"`
	DeliveryAddress  string            `json:"delivery_address"`
	Notes            string            `json:"notes,omitempty"`
	CollectionAmount int64             `json:"collection_amount"`
	DeliveryFee      int64             `json:"delivery_fee"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	PickedAt         *time.Time        `json:"picked_at"`
	DeliveredAt      *time.Time        `json:"delivered_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:               o.ID,
		Status:           o.Status,
		RestaurantID:     o.RestaurantID,
		DriverID:         o.DriverID,
		CustomerName:     o.CustomerName,
		CustomerPhone:    o.CustomerPhone,
		DeliveryAddress:  o.DeliveryAddress,
		Notes:            o.Notes,
		CollectionAmount: o.CollectionAmount,
		DeliveryFee:      o.DeliveryFee,
		CancelReason:     o.CancelReason,
		PickedAt:         o.PickedAt,
		DeliveredAt:      o.DeliveredAt,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func toOrderList(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	return resp
}

type createOrderRequest struct {
	RestaurantID     int64  `json:"restaurant_id" validate:"omitempty,gt=0"`
	CustomerName     string `json:"customer_name" validate:"required"`
	CustomerPhone    string `json:"customer_phone" validate:"required,mobile"`
	DeliveryAddress  string `json:"delivery_address" validate:"required"`
	Notes            string `json:"notes"`
	CollectionAmount int64  `json:"collection_amount" validate:"gt=0"`
	DeliveryFee      int64  `json:"delivery_fee" validate:"gt=0"`
}

// CreateOrder создаёт заказ в статусе pending.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "create order")
		return
	}

	o, err := h.orders.Create(r.Context(), actor, order.CreateCommand{
		RestaurantID:     req.RestaurantID,
		CustomerName:     req.CustomerName,
		CustomerPhone:    req.CustomerPhone,
		DeliveryAddress:  req.DeliveryAddress,
		Notes:            req.Notes,
		CollectionAmount: req.CollectionAmount,
		DeliveryFee:      req.DeliveryFee,
	})
	if err != nil {
		h.writeError(w, r, err, "create order")
		return
	}
	h.writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	o, err := h.orders.Get(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err, "get order")
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// ListOrders возвращает заказы по фильтрам restaurantId, driverId, status, date и limit.
// driverId=me подставляет текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	f, err := h.parseOrderFilter(r, actor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	orders, err := h.orders.List(r.Context(), actor, f)
	if err != nil {
		h.writeError(w, r, err, "list orders")
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderList(orders))
}

func (h *Handler) parseOrderFilter(r *http.Request, actor order.Actor) (model.OrderFilter, error) {
	var f model.OrderFilter
	q := r.URL.Query()

	if v := q.Get("restaurantId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("invalid restaurantId")
		}
		f.RestaurantID = &id
	}

	if v := q.Get("driverId"); v != "" {
		id := actor.UserID
		if v != "me" {
			var err error
			if id, err = strconv.ParseInt(v, 10, 64); err != nil {
				return f, errors.New("invalid driverId")
			}
		}
		f.DriverID = &id
	}

	if v := q.Get("status"); v != "" {
		status := model.OrderStatus(v)
		if !status.Valid() {
			return f, errors.New("invalid status")
		}
		f.Status = &status
	}

	if v := q.Get("date"); v != "" {
		date, err := analytics.ParseDay(v, h.analytics.Location())
		if err != nil {
			return f, errors.New("invalid date, expected YYYY-MM-DD")
		}
		day := analytics.DayBounds(date, h.analytics.Location())
		f.CreatedFrom = &day.Start
		f.CreatedTo = &day.Next
	}

	limit, err := limitParam(r)
	if err != nil {
		return f, err
	}
	f.Limit = limit

	return f, nil
}

// PendingOrders возвращает заказы, ожидающие назначения.
func (h *Handler) PendingOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.Pending(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err, "pending orders")
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderList(orders))
}

type eventResponse struct {
	From      model.OrderStatus `json:"from"`
	To        model.OrderStatus `json:"to"`
	ActorID   int64             `json:"actor_id"`
	ActorRole model.Role        `json:"actor_role"`
	CreatedAt time.Time         `json:"created_at"`
}

// OrderEvents возвращает историю переходов заказа.
func (h *Handler) OrderEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	events, err := h.orders.Events(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err, "order events")
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse{
			From:      e.FromStatus,
			To:        e.ToStatus,
			ActorID:   e.ActorID,
			ActorRole: e.ActorRole,
			CreatedAt: e.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// OrderTransactions возвращает проводки по заказу для сверки расчёта.
func (h *Handler) OrderTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	txs, err := h.orders.Transactions(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err, "order transactions")
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, toTransactionResponse(t))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// updateOrderRequest описывает тело PATCH /orders/{id}. Каждое поле необязательно, допустимые
// сочетания определяются decodeTransition.
type updateOrderRequest struct {
	Status          *model.OrderStatus `json:"status"`
	DriverID        *int64             `json:"driver_id"`
	CancelReason    *string            `json:"cancel_reason"`
	CustomerName    *string            `json:"customer_name"`
	CustomerPhone   *string            `json:"customer_phone"`
	DeliveryAddress *string            `json:"delivery_address"`
	Notes           *string            `json:"notes"`
}

func (u updateOrderRequest) hasDetails() bool {
	return u.CustomerName != nil || u.CustomerPhone != nil || u.DeliveryAddress != nil || u.Notes != nil
}

// decodeTransition сопоставляет тело запроса ровно одному варианту перехода.
func decodeTransition(req updateOrderRequest) (order.Transition, error) {
	invalid := func(msg string) error {
		return errors.Join(validation.ErrInvalidInput, errors.New(msg))
	}

	if req.Status == nil {
		if !req.hasDetails() {
			return nil, invalid("nothing to update")
		}
		if req.DriverID != nil || req.CancelReason != nil {
			return nil, invalid("driver_id and cancel_reason require status")
		}
		if req.CustomerName != nil && *req.CustomerName == "" {
			return nil, invalid("customer_name must not be empty")
		}
		if req.DeliveryAddress != nil && *req.DeliveryAddress == "" {
			return nil, invalid("delivery_address must not be empty")
		}
		if req.CustomerPhone != nil && !validation.IsMobile(*req.CustomerPhone) {
			return nil, invalid("customer_phone must be a mobile phone number")
		}
		return order.EditDetails{
			CustomerName:    req.CustomerName,
			CustomerPhone:   req.CustomerPhone,
			DeliveryAddress: req.DeliveryAddress,
			Notes:           req.Notes,
		}, nil
	}

	if req.hasDetails() {
		return nil, invalid("status change cannot be combined with detail edits")
	}

	switch *req.Status {
	case model.OrderStatusAssigned:
		if req.CancelReason != nil {
			return nil, invalid("cancel_reason is only allowed with status cancelled")
		}
		var driverID int64
		if req.DriverID != nil {
			driverID = *req.DriverID
		}
		return order.Assign{DriverID: driverID}, nil
	case model.OrderStatusCancelled:
		if req.DriverID != nil {
			return nil, invalid("driver_id is only allowed with status assigned")
		}
		var reason string
		if req.CancelReason != nil {
			reason = *req.CancelReason
		}
		return order.Cancel{Reason: reason}, nil
	}

	if req.DriverID != nil || req.CancelReason != nil {
		return nil, invalid("unexpected fields for status " + string(*req.Status))
	}

	switch *req.Status {
	case model.OrderStatusPending:
		return order.Unassign{}, nil
	case model.OrderStatusPickedUp:
		return order.PickUp{}, nil
	case model.OrderStatusDelivered:
		return order.Deliver{}, nil
	}
	return nil, invalid("unknown status " + strconv.Quote(string(*req.Status)))
}

// UpdateOrder применяет к заказу переход статуса или правку данных клиента.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req updateOrderRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "update order")
		return
	}

	tr, err := decodeTransition(req)
	if err != nil {
		h.writeError(w, r, err, "update order")
		return
	}

	o, err := h.orders.Apply(r.Context(), actor, id, tr)
	if err != nil {
		h.writeError(w, r, err, "update order")
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}
