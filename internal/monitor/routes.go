package monitor

import (
	"context"
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "autoelect/pkg/logx"
)

func init() { gin.SetMode(gin.ReleaseMode) }

// Handler returns the router for the current config. Streams end when ctx does.
func (s *Service) Handler(ctx context.Context) http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(ctx, cur)
}

func (s *Service) handler(ctx context.Context, cur Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.healthz)

	api := r.Group("/", bearerAuth(cur.Token))
	api.GET("/status", s.status)
	api.GET("/history", s.history)
	api.GET("/events", func(c *gin.Context) { s.events(ctx, c) })
	if s.src.Metrics != nil {
		api.GET("/metrics", gin.WrapH(s.src.Metrics))
	}
	if cur.Pprof {
		api.GET("/debug/pprof/*name", pprofHandler)
		api.POST("/debug/pprof/*name", pprofHandler)
	}
	return r
}

func (s *Service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("monitor request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// bearerAuth accepts either "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Service) healthz(c *gin.Context) {
	if s.src.Health != nil {
		if err := s.src.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) status(c *gin.Context) {
	if s.src.Status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.src.Status())
}

func (s *Service) history(c *gin.Context) {
	if s.src.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "storage disabled"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be within 1..1000"})
			return
		}
		limit = n
	}
	items, err := s.src.History(c.Request.Context(), limit)
	if err != nil {
		s.log.Warn("history read failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": items})
}

func pprofHandler(c *gin.Context) {
	name := strings.Trim(c.Param("name"), "/")
	switch name {
	case "":
		hpprof.Index(c.Writer, c.Request)
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	}
}
