package rhttp_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shardlog/shardlog/pkg/rhttp"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestResponses(t *testing.T) {
	r := rhttp.NewWithLogger(rhttp.LoggerWithRLog(rlog.NewRLog("test")))
	r.GET("/ok", func(c *rhttp.Context) {
		c.ResponseOKWithData(map[string]int{"n": 1})
	})
	r.GET("/fail", func(c *rhttp.Context) {
		c.ResponseErrorWithStatus(http.StatusNotFound, errors.New("missing"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":200,"data":{"n":1}}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"status":404,"msg":"missing"}`, w.Body.String())
}

func TestForward(t *testing.T) {
	upstream := rhttp.New()
	upstream.POST("/echo", func(c *rhttp.Context) {
		c.ResponseOKWithData(gin.H{"q": c.Query("q"), "h": c.GetHeader("X-Test")})
	})
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	r := rhttp.New()
	r.POST("/echo", func(c *rhttp.Context) {
		c.Forward(srv.URL + "/echo")
	})
	req := httptest.NewRequest(http.MethodPost, "/echo?q=1", strings.NewReader("{}"))
	req.Header.Set("X-Test", "yes")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":200,"data":{"q":"1","h":"yes"}}`, w.Body.String())
}
