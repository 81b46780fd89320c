package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth/internal/account"
)

// schema: pkg/database/migrations/00001_create_accounts.sql

const accountColumns = `id, email, name, password_hash, is_verified,
	verification_secret, verification_secret_expires_at, reset_secret, reset_secret_expires_at,
	refresh_token, oauth_id, oauth_provider, avatar, last_login_at,
	failed_login_count, locked_until, created_at, updated_at`

const uniqueViolation = "23505"

// AccountRepo is the Postgres credential store built on sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

var _ account.Store = (*AccountRepo)(nil)

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new account and fills its timestamps.
func (r *AccountRepo) Create(ctx context.Context, a *account.Account) error {
	const q = `INSERT INTO accounts (id, email, name, password_hash, is_verified, oauth_id, oauth_provider, avatar)
		VALUES (:id, :email, :name, :password_hash, :is_verified, :oauth_id, :oauth_provider, :avatar)
		RETURNING created_at, updated_at`
	rows, err := r.db.NamedQueryContext(ctx, q, a)
	if err != nil {
		return mapConstraint(err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&a.CreatedAt, &a.UpdatedAt)
	}
	if err := rows.Err(); err != nil {
		return mapConstraint(err)
	}
	return errors.New("no row returned")
}

// GetByID fetches a full account row.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*account.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
}

// GetByEmail matches case-insensitively (email is CITEXT).
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, email)
}

func (r *AccountRepo) GetByOAuth(ctx context.Context, provider, oauthID string) (*account.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE oauth_provider=$1 AND oauth_id=$2`, provider, oauthID)
}

func (r *AccountRepo) LinkOAuth(ctx context.Context, id, provider, oauthID string, avatar *string) (*account.Account, error) {
	q := `UPDATE accounts SET oauth_id=$2, oauth_provider=$3, is_verified=true,
		avatar=COALESCE(avatar, $4), updated_at=NOW()
		WHERE id=$1 RETURNING ` + accountColumns
	a, err := r.getOne(ctx, q, id, oauthID, provider, avatar)
	if err != nil {
		return nil, mapConstraint(err)
	}
	return a, nil
}

func (r *AccountRepo) SetSecret(ctx context.Context, id string, p account.Purpose, secretHash string, expiresAt time.Time) error {
	col, expCol, err := secretColumns(p)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE accounts SET %s=$2, %s=$3, updated_at=NOW() WHERE id=$1`, col, expCol)
	res, err := r.db.ExecContext(ctx, q, id, secretHash, expiresAt)
	if err != nil {
		return err
	}
	return expectRow(res, account.ErrNotFound)
}

// ConsumeSecret matches and clears the secret in one statement, so a secret can
// only ever be consumed by a single caller.
func (r *AccountRepo) ConsumeSecret(ctx context.Context, p account.Purpose, email, secretHash string, now time.Time, eff account.Effect) (*account.Account, error) {
	col, expCol, err := secretColumns(p)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`UPDATE accounts SET %[1]s=NULL, %[2]s=NULL,
		is_verified = is_verified OR $4,
		password_hash = COALESCE($5, password_hash),
		refresh_token = CASE WHEN $6 THEN NULL ELSE refresh_token END,
		updated_at = NOW()
		WHERE email=$1 AND %[1]s=$2 AND %[2]s > $3
		RETURNING `+accountColumns, col, expCol)
	a, err := r.getOne(ctx, q, email, secretHash, now, eff.MarkVerified, eff.PasswordHash, eff.RevokeSession)
	if errors.Is(err, account.ErrNotFound) {
		return nil, account.ErrSecretNotFound
	}
	return a, err
}

// RecordFailedLogin evaluates the lockout transition inside the UPDATE so that
// concurrent failures never undercount. Expressions on the right-hand side see
// the pre-update row.
func (r *AccountRepo) RecordFailedLogin(ctx context.Context, id string, now time.Time, policy account.LockoutPolicy) (account.LockState, error) {
	const q = `UPDATE accounts SET
		failed_login_count = CASE
			WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
			ELSE failed_login_count + 1 END,
		locked_until = CASE
			WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
			WHEN failed_login_count + 1 >= $3 THEN $4
			ELSE locked_until END,
		updated_at = NOW()
		WHERE id=$1
		RETURNING failed_login_count, locked_until`
	var row struct {
		FailedLoginCount int        `db:"failed_login_count"`
		LockedUntil      *time.Time `db:"locked_until"`
	}
	if err := r.db.GetContext(ctx, &row, q, id, now, policy.Threshold, now.Add(policy.Duration)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.LockState{}, account.ErrNotFound
		}
		return account.LockState{}, err
	}
	return account.LockState{FailedLoginCount: row.FailedLoginCount, LockedUntil: row.LockedUntil}, nil
}

func (r *AccountRepo) RecordLogin(ctx context.Context, id, refreshHash string, now time.Time) error {
	const q = `UPDATE accounts SET failed_login_count=0, locked_until=NULL, last_login_at=$2,
		refresh_token=$3, updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, now, refreshHash)
	if err != nil {
		return err
	}
	return expectRow(res, account.ErrNotFound)
}

// RotateRefreshToken is a compare-and-swap on the stored digest.
func (r *AccountRepo) RotateRefreshToken(ctx context.Context, id, oldHash, newHash string) error {
	const q = `UPDATE accounts SET refresh_token=$3, updated_at=NOW() WHERE id=$1 AND refresh_token=$2`
	res, err := r.db.ExecContext(ctx, q, id, oldHash, newHash)
	if err != nil {
		return err
	}
	return expectRow(res, account.ErrRefreshMismatch)
}

func (r *AccountRepo) ClearRefreshToken(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET refresh_token=NULL, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, account.ErrNotFound)
}

func (r *AccountRepo) RevokeRefreshToken(ctx context.Context, refreshHash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET refresh_token=NULL, updated_at=NOW() WHERE refresh_token=$1`, refreshHash)
	return err
}

func (r *AccountRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `UPDATE accounts SET
		verification_secret = CASE WHEN verification_secret_expires_at <= $1 THEN NULL ELSE verification_secret END,
		verification_secret_expires_at = CASE WHEN verification_secret_expires_at <= $1 THEN NULL ELSE verification_secret_expires_at END,
		reset_secret = CASE WHEN reset_secret_expires_at <= $1 THEN NULL ELSE reset_secret END,
		reset_secret_expires_at = CASE WHEN reset_secret_expires_at <= $1 THEN NULL ELSE reset_secret_expires_at END,
		failed_login_count = CASE WHEN locked_until <= $1 THEN 0 ELSE failed_login_count END,
		locked_until = CASE WHEN locked_until <= $1 THEN NULL ELSE locked_until END,
		updated_at = NOW()
		WHERE verification_secret_expires_at <= $1 OR reset_secret_expires_at <= $1 OR locked_until <= $1`
	res, err := r.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *AccountRepo) getOne(ctx context.Context, q string, args ...any) (*account.Account, error) {
	var a account.Account
	if err := r.db.GetContext(ctx, &a, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func secretColumns(p account.Purpose) (string, string, error) {
	switch p {
	case account.PurposeVerification:
		return "verification_secret", "verification_secret_expires_at", nil
	case account.PurposeReset:
		return "reset_secret", "reset_secret_expires_at", nil
	default:
		return "", "", fmt.Errorf("unknown secret purpose %d", p)
	}
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func mapConstraint(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "accounts_email_key":
		return account.ErrEmailTaken
	case "accounts_oauth_identity_key":
		return account.ErrOAuthTaken
	default:
		return err
	}
}
