package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/novatra/novatra/manager"
)

func TestActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.Use(Actor())
	r.GET("/", func(c *gin.Context) {
		seen = manager.ActorFrom(c.Request.Context())
	})

	cases := []struct {
		name     string
		header   string
		basic    [2]string
		expected string
	}{
		{"header", "alice", [2]string{}, "alice"},
		{"header wins", "alice", [2]string{"bob", "pw"}, "alice"},
		{"basic auth", "", [2]string{"bob", "pw"}, "bob"},
		{"anonymous", "", [2]string{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = "unset"
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(ActorHeader, tc.header)
			}
			if tc.basic[0] != "" {
				req.SetBasicAuth(tc.basic[0], tc.basic[1])
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tc.expected, seen)
		})
	}
}
