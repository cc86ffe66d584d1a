package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is the read-only view the status server publishes.
type Status struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Rooms     int       `json:"rooms"`
	Devices   int       `json:"devices"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusBoard holds the latest Status published by the connection owner.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
}

func (b *StatusBoard) Publish(s Status) {
	s.UpdatedAt = time.Now().UTC()
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *StatusBoard) Current() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// NewRouter exposes /metrics, /healthz and /status.
func NewRouter(board *StatusBoard) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log.Logger))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		st := board.Current()
		code := http.StatusOK
		if st.State != "ready" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"state": st.State})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, board.Current())
	})
	return r
}

// Serve runs the status server on addr until ctx ends.
func Serve(ctx context.Context, addr string, board *StatusBoard) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewRouter(board),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("observability status server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
