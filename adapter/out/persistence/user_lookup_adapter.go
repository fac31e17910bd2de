package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UserLookupAdapter implements spike.UserLookup against the users
// table, resolving the display identity a spike alert is addressed to.
type UserLookupAdapter struct {
	db *sqlx.DB
}

func NewUserLookupAdapter(db *sqlx.DB) *UserLookupAdapter {
	return &UserLookupAdapter{db: db}
}

func (r *UserLookupAdapter) GetUserContact(ctx context.Context, userID string) (email, name string, err error) {
	var row struct {
		Email string         `db:"email"`
		Name  sql.NullString `db:"name"`
	}
	query := `SELECT email, name FROM users WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return "", "", nil
		}
		return "", "", fmt.Errorf("get user contact: %w", err)
	}
	return row.Email, row.Name.String, nil
}
