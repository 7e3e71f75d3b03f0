package repository

import (
	"context"
	"time"

	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CredentialRepository interface {
	Upsert(ctx context.Context, cred *model.Credential) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Credential, error)
	FindByUserID(ctx context.Context, userID uuid.UUID) (*model.Credential, error)
	ListActive(ctx context.Context) ([]model.Credential, error)
	RecordFailure(ctx context.Context, id uuid.UUID, now time.Time, maxAttempts int, lockFor time.Duration) (*model.Credential, bool, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time, day string) (bool, error)
	Unlock(ctx context.Context, id uuid.UUID) error
}

type credentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

// Upsert replaces the user's credential in place, resetting its counters
func (r *credentialRepository) Upsert(ctx context.Context, cred *model.Credential) error {
	db := GetDB(ctx, r.db)
	var existing model.Credential
	err := db.First(&existing, "user_id = ?", cred.UserID).Error
	if err == gorm.ErrRecordNotFound {
		return db.Create(cred).Error
	}
	if err != nil {
		return err
	}

	cred.ID = existing.ID
	cred.CreatedAt = existing.CreatedAt
	return db.Model(cred).Select("*").Omit("id", "user_id", "created_at", "User").Updates(cred).Error
}

func (r *credentialRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Credential, error) {
	var cred model.Credential
	if err := GetDB(ctx, r.db).First(&cred, "id = ?", id).Error; err != nil {
		return nil, translate(err, "credential", id)
	}
	return &cred, nil
}

func (r *credentialRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*model.Credential, error) {
	var cred model.Credential
	if err := GetDB(ctx, r.db).First(&cred, "user_id = ?", userID).Error; err != nil {
		return nil, translate(err, "credential for user", userID)
	}
	return &cred, nil
}

func (r *credentialRepository) ListActive(ctx context.Context) ([]model.Credential, error) {
	var creds []model.Credential
	err := GetDB(ctx, r.db).Where("is_active = ?", true).Order("tier DESC, id ASC").Find(&creds).Error
	return creds, err
}

// RecordFailure counts one wrong secret under a row lock and locks the
// credential when the count reaches maxAttempts. A counter left over from a
// lapsed lockout restarts at one. The bool is false when the credential was
// already locked at now, in which case nothing is counted.
func (r *credentialRepository) RecordFailure(ctx context.Context, id uuid.UUID, now time.Time, maxAttempts int, lockFor time.Duration) (*model.Credential, bool, error) {
	var cred model.Credential
	counted := false
	err := GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cred, "id = ?", id).Error; err != nil {
			return translate(err, "credential", id)
		}
		if cred.LockedAt(now) {
			return nil
		}
		if cred.LockedUntil != nil {
			cred.FailedAttempts = 0
			cred.LockedUntil = nil
		}
		cred.FailedAttempts++
		if cred.FailedAttempts >= maxAttempts {
			until := now.Add(lockFor)
			cred.LockedUntil = &until
		}
		counted = true
		return tx.Model(&model.Credential{}).Where("id = ?", id).Updates(map[string]interface{}{
			"failed_attempts": cred.FailedAttempts,
			"locked_until":    cred.LockedUntil,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &cred, counted, nil
}

// RecordSuccess resets failures and counts one use against the daily quota.
// The quota check is part of the same conditional write; false means the quota
// for day is exhausted.
func (r *credentialRepository) RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time, day string) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.Credential{}).
		Where("id = ? AND (daily_limit IS NULL OR last_override_date IS NULL OR last_override_date <> ? OR daily_usage < daily_limit)", id, day).
		Updates(map[string]interface{}{
			"failed_attempts":    0,
			"locked_until":       nil,
			"last_used_at":       now,
			"daily_usage":        gorm.Expr("CASE WHEN last_override_date = ? THEN daily_usage + 1 ELSE 1 END", day),
			"last_override_date": day,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *credentialRepository) Unlock(ctx context.Context, id uuid.UUID) error {
	res := GetDB(ctx, r.db).Model(&model.Credential{}).Where("id = ?", id).
		Updates(map[string]interface{}{"failed_attempts": 0, "locked_until": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("credential", id)
	}
	return nil
}
