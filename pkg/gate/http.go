package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type decisionBody struct {
	ID       string `json:"id" binding:"required"`
	Approver string `json:"approver" binding:"required"`
	Comment  string `json:"comment"`
}

// NewHandler returns the approval API:
//
//	GET  /api/v1/gates          pending requests
//	POST /api/v1/gates/approve  {id, approver, comment}
//	POST /api/v1/gates/reject   {id, approver, comment}
//
// metrics, when non-nil, is mounted at /metrics.
func NewHandler(c *Controller, metrics http.Handler) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := r.Group("/api/v1/gates")
	api.GET("", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"pending": c.Pending()})
	})
	api.POST("/approve", decide(c.Approve, "approved"))
	api.POST("/reject", decide(c.Reject, "rejected"))

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

func decide(fn func(id, approver, comment string) error, outcome string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var body decisionBody
		if err := ctx.ShouldBindJSON(&body); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := fn(body.ID, body.Approver, body.Comment)
		switch {
		case err == nil:
			ctx.JSON(http.StatusOK, gin.H{"id": body.ID, "status": outcome})
		case errors.Is(err, ErrNotAllowed):
			ctx.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, ErrUnknownRequest):
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
	}
}

// Serve runs handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	if log != nil {
		log.Info("approval API listening", "addr", addr)
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
