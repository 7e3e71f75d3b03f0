package repository

import (
	"errors"

	"posapproval/pkg/apperror"

	"gorm.io/gorm"
)

// translate maps gorm's not-found onto the engine's NotFound kind and wraps
// anything else as internal
func translate(err error, entity string, id any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.NotFound(entity, id)
	}
	return apperror.Internal(err, "failed to load "+entity)
}
