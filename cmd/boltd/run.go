package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bolt/internal/conn"
	"bolt/internal/control"
	"bolt/internal/desktop"
	"bolt/internal/devutil"
	"bolt/internal/httpsend"
	"bolt/internal/logging"
	"bolt/internal/qr"
	"bolt/internal/session"
	"bolt/internal/store"
	"bolt/internal/transport"
)

const openDelay = 2 * time.Second

func run(ctx context.Context, cfg runConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr, err := devutil.ResolveAddr(cfg.Addr)
	if err != nil {
		return err
	}
	cfg.Addr = addr

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	home := store.Home{Dir: cfg.Home}
	if cfg.Reset {
		logger.Info("resetting home", zap.String("dir", home.Dir))
		err = home.Reset(defaultStateJSON())
	} else {
		err = home.Bootstrap(defaultStateJSON())
	}
	if err != nil {
		return err
	}
	st := home.Store()
	sess := session.New(loadState(st, logger))

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	mcfg := metrics.DefaultConfig("")
	mcfg.EnableHostname = false
	mcfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(mcfg, inm); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	srv := control.NewServer(sess, st)
	srv.HTTP = httpsend.New(cfg.HTTPTimeout)
	srv.Browser = desktop.SystemBrowser{}
	srv.Clipboard = &desktop.SystemClipboard{}
	srv.LocalOnly = cfg.LocalOnly
	srv.SetLogger(logger)
	srv.SetMetricSink(inm)

	g, gctx := errgroup.WithContext(ctx)
	for _, fam := range families(cfg) {
		r := conn.NewReconciler(sess, fam, cfg.connConfig())
		r.SetLogger(logger)
		r.SetMetricSink(inm)
		g.Go(func() error { return r.Run(gctx) })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/metrics", control.MetricsHandler(inm))
	mux.HandleFunc("/", srv.ServeWS)
	if err := serve(g, gctx, cfg.Addr, mux, logger.Named("http")); err != nil {
		return err
	}
	logger.Info("control channel listening", zap.String("url", wsURL(cfg.Addr, "/")))

	if !cfg.Headless {
		assetAddr, err := devutil.NextPort(cfg.Addr)
		if err != nil {
			return err
		}
		if err := serve(g, gctx, assetAddr, noCacheFiles(cfg.Static), logger.Named("assets")); err != nil {
			return err
		}
		link := "http://" + assetAddr
		fmt.Printf("Open: %s\n", link)
		if cfg.PrintQR {
			_ = qr.Render(os.Stdout, link, true)
		}
		if cfg.Open {
			g.Go(func() error {
				select {
				case <-gctx.Done():
				case <-time.After(openDelay):
					if err := srv.Browser.Open(link); err != nil {
						logger.Warn("open browser", zap.Error(err))
					}
				}
				return nil
			})
		}
	}

	err = g.Wait()
	srv.Wait()
	return err
}

func families(cfg runConfig) []conn.Family {
	return []conn.Family{
		conn.WebSocket(transport.WSDialer{HandshakeTimeout: cfg.ConnectTimeout, WriteTimeout: transport.DefaultWriteTimeout}),
		conn.TCP(transport.TCPDialer{WriteTimeout: transport.DefaultWriteTimeout}),
		conn.UDP(transport.UDPDialer{WriteTimeout: transport.DefaultWriteTimeout}),
	}
}

// loadState reads the persisted SessionState; an unreadable or invalid
// document is logged and replaced by the default state.
func loadState(st store.Store, logger *zap.Logger) *session.State {
	data, err := st.Load()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("load state", zap.Error(err))
		}
		return session.NewState()
	}
	state, err := session.ParseState(data)
	if err != nil {
		logger.Warn("persisted state is invalid, starting fresh", zap.Error(err))
		return session.NewState()
	}
	return state
}

// serve binds addr now so bind errors surface at start, then serves on g
// until ctx ends.
func serve(g *errgroup.Group, ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Debug("shutdown", zap.Error(err))
		}
		return nil
	})
	return nil
}

func noCacheFiles(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "" || path == "/" || strings.HasSuffix(path, ".html") ||
			strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".css") || strings.HasSuffix(path, ".wasm") {
			w.Header().Set("Cache-Control", "no-store")
		}
		fs.ServeHTTP(w, r)
	})
}

// clientURL is where the asset server for a control address listens.
func clientURL(addr string) (string, error) {
	assetAddr, err := devutil.NextPort(addr)
	if err != nil {
		return "", err
	}
	return "http://" + assetAddr, nil
}

func wsURL(addr, path string) string {
	if strings.HasPrefix(addr, "http://") {
		return "ws://" + strings.TrimPrefix(addr, "http://") + path
	}
	if strings.HasPrefix(addr, "https://") {
		return "wss://" + strings.TrimPrefix(addr, "https://") + path
	}
	return "ws://" + addr + path
}
