package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	err error
}

func (s stubLister) Queues(ctx context.Context) ([]string, error) {
	return nil, s.err
}

func TestCheckerRegistry(t *testing.T) {
	r := NewCheckerRegistry()
	r.Register(NewBrokerChecker(stubLister{}))

	h := r.Check(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, StatusHealthy, h.Checks["broker"].Status)

	r.Register(&namedChecker{name: "down", err: errors.New("refused")})
	h = r.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "refused", h.Checks["down"].Message)
}

type namedChecker struct {
	name string
	err  error
}

func (c *namedChecker) Name() string { return c.name }
func (c *namedChecker) Check(ctx context.Context) error { return c.err }

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewCheckerRegistry()
	r.Register(NewBrokerChecker(stubLister{err: errors.New("gone")}))

	router := gin.New()
	router.GET("/health", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "broker query failed")
}
