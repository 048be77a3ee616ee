package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

type HealthService struct {
	Version string
	Checks  map[string]Checker
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// HealthHandler runs every check and answers 503 if any of them fails.
func (s HealthService) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Version: s.Version, Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(status, resp)
}
