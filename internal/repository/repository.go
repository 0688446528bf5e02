// Package repository содержит хранилища данных сервиса доставки: PostgreSQL и in-memory.
package repository

import (
	"context"
	"errors"

	"github.com/mmeshcher/courier-ledger/internal/model"
)

var (
	// ErrUserExists возвращается при попытке зарегистрировать уже занятый номер телефона.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientBalance возвращается, если списание сделало бы баланс отрицательным.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicatePosting возвращается при повторной проводке того же типа по одному заказу.
	ErrDuplicatePosting = errors.New("duplicate ledger posting for order")
	// ErrRatingExists возвращается при повторной оценке заказа.
	ErrRatingExists = errors.New("order already rated")
)

// Tx описывает операции, выполняемые внутри одной транзакции хранилища.
// Все изменения применяются атомарно при успешном завершении функции, переданной в InTx.
type Tx interface {
	// GetOrderForUpdate читает заказ и блокирует его до конца транзакции.
	GetOrderForUpdate(ctx context.Context, id int64) (*model.Order, error)
	// SaveOrder записывает изменяемые поля заказа.
	SaveOrder(ctx context.Context, o *model.Order) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	// AdjustBalance атомарно изменяет баланс на delta. Отрицательная delta не может
	// увести баланс ниже нуля.
	AdjustBalance(ctx context.Context, userID, delta int64) error
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	AppendOrderEvent(ctx context.Context, e *model.OrderEvent) error
}

// TxFunc выполняется внутри транзакции.
type TxFunc func(ctx context.Context, tx Tx) error
