package domain

import (
	"fmt"
	"time"
)

// Product: товар складского учёта с текущим остатком.
type Product struct {
	ID          int64
	Code        string
	Description string
	// Balance никогда не становится отрицательным.
	Balance int64
	// Version: токен конкурентного доступа, увеличивается при каждом изменении.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет поля товара перед записью.
func (p Product) Validate() error {
	if p.Description == "" {
		return ErrDescriptionRequired
	}
	if p.Balance < 0 {
		return ErrBalanceNegative
	}
	return nil
}

// ProductCode формирует код товара по его идентификатору, если код не задан явно.
func ProductCode(id int64) string {
	return fmt.Sprintf("P%06d", id)
}
