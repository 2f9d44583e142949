package domain

import "context"

// VoucherRepository хранит seckill-ваучеры и их авторитетный остаток.
type VoucherRepository interface {
	// Create сохраняет ваучер и присваивает ему ID, если он не задан.
	Create(ctx context.Context, voucher Voucher) (Voucher, error)
	// Get возвращает ваучер или ErrVoucherNotFound.
	Get(ctx context.Context, id int64) (Voucher, error)
}

// VoucherOrderRepository записывает заказы по ваучерам.
type VoucherOrderRepository interface {
	// CreateSeckillOrder в одной транзакции проверяет наличие заказа пользователя,
	// выполняет guarded decrement остатка и вставляет заказ.
	// Возвращает ErrDuplicateOrder, ErrOutOfStock или ErrVoucherNotFound.
	CreateSeckillOrder(ctx context.Context, order VoucherOrder) error
	// Get возвращает заказ по ID или ErrOrderNotFound.
	Get(ctx context.Context, id int64) (VoucherOrder, error)
	// CountByUserAndVoucher возвращает число заказов пользователя на ваучер.
	CountByUserAndVoucher(ctx context.Context, userID, voucherID int64) (int, error)
}

// ShopRepository хранит карточки магазинов.
type ShopRepository interface {
	// Get возвращает магазин или ErrShopNotFound.
	Get(ctx context.Context, id int64) (Shop, error)
	// Create сохраняет магазин и присваивает ему ID, если он не задан.
	Create(ctx context.Context, shop Shop) (Shop, error)
	// Update обновляет магазин и вызывает inTx до фиксации транзакции.
	// Ошибка inTx откатывает обновление.
	Update(ctx context.Context, shop Shop, inTx func(ctx context.Context) error) error
}
