package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// OrderRepository reads order snapshots from the storefront tables. It never
// writes; orders are owned by the storefront.
type OrderRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewOrderRepository creates a read-only order repository
func NewOrderRepository(db *DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// GetOrder loads an order with its customer and line items.
func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	query := `
		SELECT o.id::text, COALESCE(u.name, ''), o.total_amount, o.created_at
		FROM orders o
		LEFT JOIN users u ON u.id = o.user_id
		WHERE o.id::text = $1
	`

	var order Order
	err := r.db.Pool().QueryRow(ctx, query, orderID).Scan(
		&order.ID,
		&order.CustomerName,
		&order.Total,
		&order.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	itemsQuery := `
		SELECT COALESCE(m.name, 'item'), oi.quantity, oi.price
		FROM order_items oi
		LEFT JOIN menu_items m ON m.id = oi.menu_item_id
		WHERE oi.order_id::text = $1
		ORDER BY oi.id
	`

	rows, err := r.db.Pool().Query(ctx, itemsQuery, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.Name, &item.Quantity, &item.Price); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return &order, nil
}
