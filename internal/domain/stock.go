package domain

// StockLine: одна строка батча списания.
type StockLine struct {
	ProductID int64
	Quantity  int64
}

// StockLineStatusOK: статус применённой строки батча.
const StockLineStatusOK = "ok"

// StockLineResult: результат списания по строке батча.
type StockLineResult struct {
	ProductID int64
	Quantity  int64
	Status    string
}

// Availability: результат проверки достаточности остатка.
type Availability struct {
	ProductID  int64
	Balance    int64
	Requested  int64
	Sufficient bool
}

// DecrementResult: результат условного списания.
type DecrementResult struct {
	Applied        bool
	CurrentBalance int64
}

// ValidateStockLines проверяет батч до обращения к хранилищу.
func ValidateStockLines(lines []StockLine) error {
	if len(lines) == 0 {
		return ErrBatchEmpty
	}
	for _, line := range lines {
		if line.ProductID <= 0 {
			return ErrProductIDInvalid
		}
		if line.Quantity <= 0 {
			return ErrQuantityInvalid
		}
	}
	return nil
}
