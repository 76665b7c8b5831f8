package middleware

import (
	"errors"

	"freight-controlplane/pkg/errutil"
	"freight-controlplane/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error as the uniform failure envelope.
// Handlers only call c.Error(err) and return.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var be errutil.BaseError
		if !errors.As(err, &be) {
			be = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error", Err: err}
		}

		status := be.Code.HTTPStatus()
		if status >= 500 {
			logger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("code", string(be.Code)),
				zap.Error(err),
			)
		}

		c.AbortWithStatusJSON(status, be.JSON())
	}
}
