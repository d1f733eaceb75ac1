// Package server exposes the allocator over HTTP: admission, step and
// teardown of sequences plus read-only state for debugging tools.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vattention/vattention/envconfig"
	"github.com/vattention/vattention/format"
	"github.com/vattention/vattention/kvcache"
	"github.com/vattention/vattention/logutil"
	"github.com/vattention/vattention/ml"
	_ "github.com/vattention/vattention/ml/backend"
	"github.com/vattention/vattention/runner"
	"github.com/vattention/vattention/version"
)

var mode string = gin.DebugMode

// Server wires the HTTP router to a runner owning the allocator.
type Server struct {
	addr   net.Addr
	runner *runner.Runner
	device string
}

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

func isLocalIP(ip netip.Addr) bool {
	if interfaces, err := net.Interfaces(); err == nil {
		for _, iface := range interfaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}

			for _, a := range addrs {
				if parsed, _, err := net.ParseCIDR(a.String()); err == nil {
					if parsed.String() == ip.String() {
						return true
					}
				}
			}
		}
	}

	return false
}

func allowedHost(host string) bool {
	host = strings.ToLower(host)

	if host == "" || host == "localhost" {
		return true
	}

	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}

	tlds := []string{
		"localhost",
		"local",
		"internal",
	}

	for _, tld := range tlds {
		if strings.HasSuffix(host, "."+tld) {
			return true
		}
	}

	return false
}

func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || isLocalIP(addr) {
				c.Next()
				return
			}
		}

		if allowedHost(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

// GenerateRoutes creates and configures the HTTP router.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "vAttention is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "vAttention is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	// Allocator state
	r.GET("/api/state", s.StateHandler)
	r.GET("/api/free", s.FreeBlocksHandler)

	// Sequence lifecycle
	r.POST("/api/requests", s.AdmitHandler)
	r.DELETE("/api/requests/:id", s.ReleaseHandler)
	r.POST("/api/step", s.StepHandler)

	return r
}

func cacheConfig() (kvcache.Config, error) {
	dtype, err := ml.ParseDType(envconfig.KVDType())
	if err != nil {
		return kvcache.Config{}, err
	}

	return kvcache.Config{
		NumLayers:        int(envconfig.NumLayers()),
		NumKVHeads:       int(envconfig.NumKVHeads()),
		HeadSize:         int(envconfig.HeadSize()),
		DType:            dtype,
		PageSize:         envconfig.PageSize(),
		MaxBatchSize:     int(envconfig.MaxBatchSize()),
		MaxContextLength: int32(envconfig.ContextLength()),
		Megacache:        envconfig.Megacache(),
	}, nil
}

// Serve initializes the allocator from the environment and runs the HTTP
// server until SIGINT or SIGTERM.
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	config, err := cacheConfig()
	if err != nil {
		return err
	}

	name := envconfig.Device()
	dev, err := ml.NewDevice(name, ml.DeviceParams{
		ID:       int(envconfig.DeviceID()),
		Capacity: envconfig.MockVRAM(),
	})
	if err != nil {
		return err
	}

	cache := kvcache.NewCache(config)
	if _, err := cache.Init(dev); err != nil {
		return err
	}

	reserved, err := cache.ReservePages(envconfig.PoolBytes())
	if err != nil {
		cache.Close()
		return err
	}
	slog.Info("page pool reserved",
		"device", name,
		"pages", reserved,
		"page_size", format.HumanBytes2(config.PageSize),
		"total", format.HumanBytes2(uint64(reserved)*config.PageSize))

	s := &Server{addr: ln.Addr(), runner: runner.New(cache), device: name}

	ctx, done := context.WithCancel(context.Background())

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and tear the allocator down
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		if err := s.runner.Close(); err != nil {
			slog.Error("allocator teardown failed", "error", err)
		}
		done()
	}()

	err = srvr.Serve(ln)
	// If server is closed from the signal handler, wait for the ctx to be
	// done otherwise error out quickly
	if !slices.Contains([]error{http.ErrServerClosed}, err) {
		return err
	}
	<-ctx.Done()
	return nil
}
