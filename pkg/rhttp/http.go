package rhttp

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sendgrid/rest"
)

// RHttp gin的薄封装，处理函数拿到的是带响应辅助方法的 Context
type RHttp struct {
	r    *gin.Engine
	pool sync.Pool
}

func New() *RHttp {
	l := &RHttp{
		r:    gin.New(),
		pool: sync.Pool{},
	}
	l.r.Use(gin.Recovery())
	_ = l.r.SetTrustedProxies(nil)
	l.pool.New = func() any {
		return allocateContext()
	}
	return l
}

func NewWithLogger(loggerHandler HandlerFunc) *RHttp {
	l := New()
	l.r.Use(l.handle(loggerHandler))
	return l
}

func (l *RHttp) GetGinRoute() *gin.Engine {
	return l.r
}

func allocateContext() *Context {
	return &Context{Context: nil}
}

func (l *RHttp) Use(handlers ...HandlerFunc) {
	l.r.Use(l.handlersToGinHandleFuncs(handlers)...)
}

type Context struct {
	*gin.Context
}

func (c *Context) reset() {
	c.Context = nil
}

// ResponseError 400
func (c *Context) ResponseError(err error) {
	c.ResponseErrorWithStatus(http.StatusBadRequest, err)
}

func (c *Context) ResponseErrorWithStatus(status int, err error) {
	c.JSON(status, gin.H{
		"msg":    err.Error(),
		"status": status,
	})
}

func (c *Context) ResponseOK() {
	c.JSON(http.StatusOK, gin.H{
		"status": http.StatusOK,
	})
}

// ResponseOKWithData 返回正确并携带数据
func (c *Context) ResponseOKWithData(data any) {
	c.JSON(http.StatusOK, gin.H{
		"status": http.StatusOK,
		"data":   data,
	})
}

// ForwardWithBody 把请求原样转发到url
func (c *Context) ForwardWithBody(url string, body []byte) {
	queryMap := map[string]string{}
	for key, value := range c.Request.URL.Query() {
		queryMap[key] = value[0]
	}
	req := rest.Request{
		Method:      rest.Method(strings.ToUpper(c.Request.Method)),
		BaseURL:     url,
		Headers:     c.CopyRequestHeader(c.Request),
		Body:        body,
		QueryParams: queryMap,
	}
	resp, err := rest.SendWithContext(c.Request.Context(), req)
	if err != nil {
		c.ResponseErrorWithStatus(http.StatusBadGateway, err)
		return
	}
	// 必须先设置 Header，再调用 WriteHeader
	c.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = c.Writer.Write([]byte(resp.Body))
}

func (c *Context) Forward(url string) {
	bodyBytes, _ := io.ReadAll(c.Request.Body)
	c.ForwardWithBody(url, bodyBytes)
}

// CopyRequestHeader 复制request的header参数
func (c *Context) CopyRequestHeader(request *http.Request) map[string]string {
	headerMap := map[string]string{}
	for key, values := range request.Header {
		if len(values) > 0 {
			headerMap[key] = values[0]
		}
	}
	return headerMap
}

type HandlerFunc func(c *Context)

func (l *RHttp) handle(handlerFunc HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		hc := l.pool.Get().(*Context)
		hc.reset()
		hc.Context = c
		handlerFunc(hc)
		l.pool.Put(hc)
	}
}

func (l *RHttp) Run(addr ...string) error {
	return l.r.Run(addr...)
}

func (l *RHttp) POST(relativePath string, handlers ...HandlerFunc) {
	l.r.POST(relativePath, l.handlersToGinHandleFuncs(handlers)...)
}

func (l *RHttp) GET(relativePath string, handlers ...HandlerFunc) {
	l.r.GET(relativePath, l.handlersToGinHandleFuncs(handlers)...)
}

func (l *RHttp) PUT(relativePath string, handlers ...HandlerFunc) {
	l.r.PUT(relativePath, l.handlersToGinHandleFuncs(handlers)...)
}

func (l *RHttp) DELETE(relativePath string, handlers ...HandlerFunc) {
	l.r.DELETE(relativePath, l.handlersToGinHandleFuncs(handlers)...)
}

// Handle 挂载原生的 http.Handler，例如 /metrics
func (l *RHttp) Handle(method, relativePath string, h http.Handler) {
	l.r.Handle(method, relativePath, gin.WrapH(h))
}

func (l *RHttp) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	l.r.ServeHTTP(w, req)
}

func (l *RHttp) handlersToGinHandleFuncs(handlers []HandlerFunc) []gin.HandlerFunc {
	newHandlers := make([]gin.HandlerFunc, 0, len(handlers))
	for _, handler := range handlers {
		newHandlers = append(newHandlers, l.handle(handler))
	}
	return newHandlers
}
