package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"grape/models"
)

func JsonError(ctx *gin.Context, code int, err error, help string) {
	ctx.AbortWithStatusJSON(code, gin.H{
		"error": err.Error(),
		"help":  help,
	})
}

func JsonSuccessH(ctx *gin.Context, code int, message string, data any) {
	ctx.JSON(code, gin.H{
		"message": message,
		"data":    data,
	})
}

// HandleError centralizes the error handling logic.
// It is meant to be used in an if statement to break whenever needed
func HandleError(c *gin.Context, statusCode int, err error, message string) bool {
	if err != nil {
		JsonError(c, statusCode, err, message)
		return true
	}
	return false
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindUnauthorized:
		return http.StatusUnauthorized
	case models.KindUnavailable:
		return http.StatusServiceUnavailable
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err with the status of its kind. Unclassified errors are
// logged and reported without their text.
func RespondError(c *gin.Context, err error, help string) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		JsonError(c, status, errors.New("internal error"), help)
		return
	}
	JsonError(c, status, errors.New(models.Message(err)), help)
}
