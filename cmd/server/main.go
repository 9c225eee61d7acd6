package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"

	"github.com/real-rm/supportdesk"
	"github.com/real-rm/supportdesk/internal/constants"
	"github.com/real-rm/supportdesk/internal/util"
)

// loadConfiguration loads the configuration and returns the config accessor.
// A .env file in the working directory, when present, is applied first.
func loadConfiguration() (*goconfig.ConfigAccessor, error) {
	_ = godotenv.Load()

	if err := goconfig.LoadConfig(); err != nil {
		return nil, err
	}

	cfg, err := goconfig.Default()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// initializeLogger initializes the logger with the given configuration
func initializeLogger(cfg *goconfig.ConfigAccessor) (*golog.Logger, error) {
	logDir, _ := cfg.ConfigStringWithDefault("log.dir", constants.DefaultLogDir)
	logLevel, _ := cfg.ConfigStringWithDefault("log.level", constants.DefaultLogLevel)
	standardOutput, _ := cfg.ConfigBoolWithDefault("log.standardOutput", true)

	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            logDir,
		Level:          logLevel,
		StandardOutput: standardOutput,
		InfoFile:       "info.log",
		WarnFile:       "warn.log",
		ErrorFile:      "error.log",
	})
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// getServerPort retrieves the server port from configuration
func getServerPort(cfg *goconfig.ConfigAccessor) int {
	port, _ := cfg.ConfigIntWithDefault("server.port", constants.DefaultPort)
	return port
}

// setupSignalHandler sets up signal handling for graceful shutdown
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

// serve runs srv until it fails or a signal arrives, then drains HTTP
// traffic and the support desk within constants.ShutdownTimeout.
func serve(srv *http.Server, sigChan <-chan os.Signal, logger *golog.Logger) error {
	errCh := make(chan error, 1)
	util.SafeGo(logger, "http_server", func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", "signal", sig.String())
	}

	ctx, cancel := util.NewTimeoutContext(constants.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := supportdesk.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runWithSignalChannel is a testable version of run that accepts a signal channel
func runWithSignalChannel(sigChan chan os.Signal) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return err
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	mongo, err := gomongo.InitMongoDB(logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if err := supportdesk.Register(r, cfg, logger, mongo); err != nil {
		return fmt.Errorf("failed to register support desk: %w", err)
	}

	port := getServerPort(cfg)
	logger.Info("Server starting", "port", port)
	return serve(NewHTTPServer(fmt.Sprintf(":%d", port), r), sigChan, logger)
}

func main() {
	if err := runMain(); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runMain is the testable main function
func runMain() error {
	sigChan := setupSignalHandler()
	return runWithSignalChannel(sigChan)
}
