package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voidlink-backend/internal/domain"
	"voidlink-backend/pkg/cache"
)

// UserRepository resolves user profiles in CockroachDB. It implements
// call.IdentityResolver for the call screen.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name, avatar_url, is_verified, created_at
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.UserID,
		&user.Username,
		&user.DisplayName,
		&user.AvatarURL,
		&user.IsVerified,
		&user.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// Resolve is GetByID under the name the call engine consumes.
func (r *UserRepository) Resolve(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return r.GetByID(ctx, userID)
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name, avatar_url, is_verified, created_at
		FROM users
		WHERE username = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&user.UserID,
		&user.Username,
		&user.DisplayName,
		&user.AvatarURL,
		&user.IsVerified,
		&user.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// CachedUserRepository wraps UserRepository with an in-memory profile
// cache. Profiles change rarely and every incoming call resolves one.
type CachedUserRepository struct {
	repo  *UserRepository
	cache *cache.MemoryCache
}

const profileCacheTTL = 5 * time.Minute

// NewCachedUserRepository creates a caching resolver over repo
func NewCachedUserRepository(repo *UserRepository) *CachedUserRepository {
	return &CachedUserRepository{
		repo:  repo,
		cache: cache.NewMemoryCache(profileCacheTTL, 10000),
	}
}

// Resolve returns the cached profile when fresh, hitting the database
// otherwise
func (r *CachedUserRepository) Resolve(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	key := "profile:" + userID.String()
	if cached, ok := r.cache.Get(key); ok {
		if user, ok := cached.(*domain.User); ok {
			return user, nil
		}
	}

	user, err := r.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, user, 0)
	return user, nil
}
