package middleware

import (
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/tidemark/settler/internal/appctx"
)

// probePaths are polled by orchestration and scraping; logging every hit
// drowns the request log.
var probePaths = map[string]bool{
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// Logger emits one structured line per API request. Request and user IDs
// come from the context middleware, which runs before this.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			if probePaths[req.URL.Path] {
				return nil
			}

			ctx := c.Request().Context()
			stop := time.Now()

			log := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":    appctx.GetRequestID(ctx),
				"method":        req.Method,
				"uri":           req.RequestURI,
				"status":        res.Status,
				"route":         c.Path(),
				"remote_ip":     c.RealIP(),
				"host":          req.Host,
				"user_agent":    req.UserAgent(),
				"response_time": stop.Sub(start),
				"request_size":  req.Header.Get(echo.HeaderContentLength),
				"response_size": strconv.FormatInt(res.Size, 10),
			})
			if userID := appctx.GetUserID(ctx); userID != "" {
				log = log.WithField("user_id", userID)
			}
			log.Info("Request")

			return nil
		}
	}
}
