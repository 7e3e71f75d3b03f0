package handler

import (
	"errors"
	"net/http"

	"posapproval/internal/middleware"
	"posapproval/pkg/apperror"
	"posapproval/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// respondError writes err with the status its kind maps to. Internal errors
// never expose their cause.
func respondError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)
	message := err.Error()
	if kind == apperror.KindInternal {
		_ = c.Error(err)
		message = "internal server error"
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.Message != "" {
			message = appErr.Message
		}
	}
	if details := apperror.DetailsOf(err); len(details) > 0 {
		c.JSON(status, response.ErrorWithDetails(status, message, details))
		return
	}
	c.JSON(status, response.Error(status, message))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
}

// paramUUID parses a path parameter, answering 400 when it is malformed
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid "+name+" format"))
		return uuid.Nil, false
	}
	return id, true
}

// caller returns the authenticated principal or answers 401
func caller(c *gin.Context) (*middleware.Principal, bool) {
	principal, ok := middleware.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Authorization is missing"))
		return nil, false
	}
	return principal, true
}
