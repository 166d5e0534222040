// Command orchestratord is the orchestrator control plane's server
// binary: it wires internal/app's composition root and runs three
// listeners — the tenant-facing Control API, the robot-facing session
// listener, and an internal diagnostics listener — shutting all three
// down together on SIGINT/SIGTERM, the same signal-driven lifecycle the
// teacher's cmd/appserver main.go uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casarerpa/orchestrator/internal/app"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/robotsession"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (YAML or JSON)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(rootCtx, cfg)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}
	defer application.Close()

	tenants, err := application.Store.ListTenants(rootCtx)
	if err != nil {
		log.Fatalf("list tenants: %v", err)
	}
	for _, t := range tenants {
		application.RunTenantLoops(rootCtx, t.ID)
	}
	application.RunGlobalLoops(rootCtx)

	controlAddr := addr(cfg.Server.Host, cfg.Server.Port, ":8080")
	robotAddr := addr(cfg.RobotListener.Host, cfg.RobotListener.Port, ":8090")
	diagAddr := addr(cfg.Server.Host, 9090, ":9090")

	controlSrv := &http.Server{Addr: controlAddr, Handler: application.ControlAPI.Router()}
	robotSrv := &http.Server{Addr: robotAddr, Handler: robotsession.NewEngine(application.Sessions)}
	diagSrv := &http.Server{Addr: diagAddr, Handler: application.Diagnostics()}

	errCh := make(chan error, 3)
	go func() { errCh <- serve(controlSrv, "control API") }()
	go func() { errCh <- serve(robotSrv, "robot session") }()
	go func() { errCh <- serve(diagSrv, "diagnostics") }()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		log.Printf("listener exited early: %v", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{controlSrv, robotSrv, diagSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown %s: %v", srv.Addr, err)
		}
	}
}

func serve(srv *http.Server, name string) error {
	log.Printf("%s listening on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func addr(host string, port int, fallback string) string {
	host = strings.TrimSpace(host)
	if port == 0 {
		return fallback
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}
