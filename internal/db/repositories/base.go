package repositories

import (
	"database/sql"

	"toolgate/internal/db"
)

type Repositories struct {
	Tools        *ToolRepo
	ToolCalls    *ToolCallRepo
	Idempotency  *IdempotencyRepo
	RetryBudgets *RetryBudgetRepo
	db           db.Database
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Tools:        NewToolRepo(conn),
		ToolCalls:    NewToolCallRepo(conn),
		Idempotency:  NewIdempotencyRepo(conn),
		RetryBudgets: NewRetryBudgetRepo(conn),
		db:           database,
	}
}

// BeginTx starts a database transaction
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
