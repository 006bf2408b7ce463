package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"stablepay-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// respondWithError unified error response function
func respondWithError(c *gin.Context, statusCode int, errorType, message string, details interface{}) {
	c.JSON(statusCode, errorBody(errorType, message, details))
}

// respondWithServiceError maps a service error to its HTTP status and code.
func respondWithServiceError(c *gin.Context, err error) {
	status, code := services.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"code":   code,
		}).Errorf("❌ [API] Request failed: %v", err)
	}

	var details interface{}
	var validation *services.ValidationError
	if errors.As(err, &validation) && validation.Field != "" {
		details = gin.H{"field": validation.Field}
	}
	c.JSON(status, errorBody(code, err.Error(), details))
}

func errorBody(code, message string, details interface{}) gin.H {
	body := gin.H{
		"success": false,
		"error":   code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	return body
}

// pagination reads limit/offset query parameters.
func pagination(c *gin.Context) (int, int, bool) {
	limit := defaultPageLimit
	offset := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondWithError(c, http.StatusBadRequest, services.CodeValidation, "limit must be a positive integer", nil)
			return 0, 0, false
		}
		limit = v
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondWithError(c, http.StatusBadRequest, services.CodeValidation, "offset must be a non-negative integer", nil)
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}
