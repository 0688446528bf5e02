// Package ledger реализует проводки по балансам пользователей и расчёт по доставленным заказам.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/repository"
)

var (
	// ErrInvalidAmount возвращается для неположительной суммы проводки.
	ErrInvalidAmount = errors.New("posting amount must be positive")
	// ErrInvalidType возвращается для неизвестного типа проводки.
	ErrInvalidType = errors.New("unknown transaction type")
	// ErrReservedType возвращается при ручной проводке типа, зарезервированного за расчётом по заказам.
	ErrReservedType = errors.New("transaction type is reserved for order settlement")
)

// TxRunner запускает функцию внутри транзакции хранилища.
type TxRunner interface {
	InTx(ctx context.Context, fn repository.TxFunc) error
}

// Posting описывает одну проводку: изменение баланса пользователя и запись в журнале.
type Posting struct {
	UserID      int64
	OrderID     *int64
	Amount      int64
	Type        model.TransactionType
	Description string
}

// Ledger выполняет проводки. Каждое изменение баланса сопровождается записью в журнале
// в той же транзакции.
type Ledger struct {
	now func() time.Time
}

// New создаёт леджер. Если now не задан, используется time.Now.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Post атомарно изменяет баланс и добавляет запись в журнал в рамках tx.
func (l *Ledger) Post(ctx context.Context, tx repository.Tx, p Posting) (*model.Transaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}

	t := &model.Transaction{
		UserID:      p.UserID,
		OrderID:     p.OrderID,
		Amount:      p.Amount,
		Type:        p.Type,
		Description: p.Description,
		CreatedAt:   l.now(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("record %s for user %d: %w", p.Type, p.UserID, err)
	}

	if err := tx.AdjustBalance(ctx, p.UserID, p.Type.Sign()*p.Amount); err != nil {
		return nil, fmt.Errorf("adjust balance of user %d: %w", p.UserID, err)
	}

	return t, nil
}

// Settle проводит расчёт по доставленному заказу: комиссия водителю (если он назначен)
// и инкассация ресторану. Вызывается только на переходе в delivered внутри той же транзакции,
// что и запись статуса.
func (l *Ledger) Settle(ctx context.Context, tx repository.Tx, o *model.Order) ([]model.Transaction, error) {
	ref := "order #" + strconv.FormatInt(o.ID, 10)
	orderID := o.ID

	var res []model.Transaction

	if o.DriverID != nil {
		t, err := l.Post(ctx, tx, Posting{
			UserID:      *o.DriverID,
			OrderID:     &orderID,
			Amount:      o.DeliveryFee,
			Type:        model.TransactionCommission,
			Description: "delivery fee for " + ref,
		})
		if err != nil {
			return nil, fmt.Errorf("settle commission: %w", err)
		}
		res = append(res, *t)
	}

	t, err := l.Post(ctx, tx, Posting{
		UserID:      o.RestaurantID,
		OrderID:     &orderID,
		Amount:      o.CollectionAmount,
		Type:        model.TransactionPayment,
		Description: "collection for " + ref,
	})
	if err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	res = append(res, *t)

	return res, nil
}

// Adjust выполняет ручную проводку (deposit, withdrawal, refund) в отдельной транзакции.
// Списание, уводящее баланс ниже нуля, отклоняется с repository.ErrInsufficientBalance.
func (l *Ledger) Adjust(ctx context.Context, runner TxRunner, p Posting) (*model.Transaction, error) {
	if p.Type == model.TransactionPayment || p.Type == model.TransactionCommission {
		return nil, ErrReservedType
	}

	var res *model.Transaction
	err := runner.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		t, err := l.Post(ctx, tx, p)
		if err != nil {
			return err
		}
		res = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
