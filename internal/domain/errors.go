package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего идентификатора ваучера.
	ErrVoucherRequired = errors.New("voucher_id is required")
	// Ошибка неположительного остатка при публикации seckill-ваучера.
	ErrStockInvalid = errors.New("stock must be greater than zero")
	// Ошибка некорректного окна продажи (begin >= end).
	ErrSaleWindowInvalid = errors.New("sale window begin must be before end")
	// Ошибка отрицательной цены ваучера.
	ErrPriceNegative = errors.New("voucher price must be non-negative")
	// Ошибка отсутствующего названия магазина.
	ErrShopNameRequired = errors.New("shop name is required")
	// ErrVoucherNotFound возвращается, если seckill-ваучер не найден.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrShopNotFound возвращается, если магазин не найден.
	ErrShopNotFound = errors.New("shop not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder - у пользователя уже есть заказ на этот ваучер.
	ErrDuplicateOrder = errors.New("user already ordered this voucher")
	// ErrOutOfStock - guarded decrement не нашёл остатка.
	ErrOutOfStock = errors.New("voucher out of stock")
	// ErrLockNotAcquired - per-user lock занят другим обработчиком.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrMalformedIntent - запись очереди не содержит обязательных полей.
	ErrMalformedIntent = errors.New("malformed purchase intent")
)
