package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"gigvault/internal/model"
)

// UserRepository 用户表访问
type UserRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewUserRepository(db *pgxpool.Pool, logger *zap.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

// Create 创建用户，返回 id
func (r *UserRepository) Create(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
        INSERT INTO users (email, password_hash, role, chain_address)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `, u.Email, u.PasswordHash, u.Role, u.ChainAddress).Scan(&id)
	if err != nil {
		r.logger.Error("Failed to create user", zap.String("email", u.Email), zap.Error(err))
		return 0, err
	}
	return id, nil
}

// GetByEmail 按邮箱查询用户
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, `
        SELECT id, email, password_hash, role, COALESCE(chain_address, ''), created_at
        FROM users
        WHERE email = $1
    `, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.ChainAddress, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetByID 按 id 查询用户
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, `
        SELECT id, email, password_hash, role, COALESCE(chain_address, ''), created_at
        FROM users
        WHERE id = $1
    `, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.ChainAddress, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
