package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("user not found")

const userColumns = "id, username, email, first_name, last_name, phone, avatar_url, locale, created_at"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := "INSERT INTO users (username, password, email) VALUES ($1, $2, $3) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password, user.Email).Scan(&id)
	if err != nil {
		return nil, err
	}

	user.ID = id
	return user, nil
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName,
		&u.Phone, &u.AvatarURL, &u.Locale, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := "SELECT id, username, password, email FROM users WHERE username = $1"
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &u.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id int) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = $1"
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// UpdateProfile applies the non-nil patch fields and returns the stored
// row.
func (r *Repository) UpdateProfile(ctx context.Context, id int, patch ProfilePatch) (*User, error) {
	query := `
		UPDATE users SET
			first_name = COALESCE($2, first_name),
			last_name  = COALESCE($3, last_name),
			phone      = COALESCE($4, phone),
			avatar_url = COALESCE($5, avatar_url),
			locale     = COALESCE($6, locale)
		WHERE id = $1
		RETURNING ` + userColumns
	u, err := scanUser(r.db.QueryRowContext(ctx, query, id,
		patch.FirstName, patch.LastName, patch.Phone, patch.AvatarURL, patch.Locale))
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// Limited to 10 to keep it fast
	q := `SELECT id, username FROM users WHERE username ILIKE $1 LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
