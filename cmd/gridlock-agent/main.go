package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/editspool"
	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/gridlock"
	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/statusapi"
)

func main() {
	channelURL := flag.String("channel-url", strings.TrimSpace(os.Getenv("GRIDLOCK_CHANNEL_URL")), "coordination channel websocket URL")
	datasetID := flag.String("dataset", strings.TrimSpace(os.Getenv("GRIDLOCK_DATASET")), "dataset ID")
	sessionID := flag.String("session", strings.TrimSpace(os.Getenv("GRIDLOCK_SESSION")), "session ID (generated when empty)")
	keyFields := flag.String("key-fields", strings.TrimSpace(os.Getenv("GRIDLOCK_KEY_FIELDS")), "comma-separated key fields for new rows")
	postgresDSN := flag.String("postgres-dsn", strings.TrimSpace(os.Getenv("GRIDLOCK_POSTGRES_DSN")), "Postgres DSN for direct persistence")
	apiURL := flag.String("api-url", strings.TrimSpace(os.Getenv("GRIDLOCK_API_URL")), "grid query service base URL for HTTP persistence")
	apiToken := flag.String("api-token", strings.TrimSpace(os.Getenv("GRIDLOCK_API_TOKEN")), "bearer token for the grid query service")
	spoolFile := flag.String("spool-file", strings.TrimSpace(os.Getenv("GRIDLOCK_SPOOL_FILE")), "edit command spool file")
	resultsFile := flag.String("results-file", strings.TrimSpace(os.Getenv("GRIDLOCK_RESULTS_FILE")), "results journal file (default <spool>.results)")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("GRIDLOCK_STATE_FILE")), "spool cursor file (default <spool>.state)")
	pollInterval := flag.Duration("poll-interval", durationEnv("GRIDLOCK_POLL_INTERVAL", 2*time.Second), "spool poll fallback interval")
	commitTimeout := flag.Duration("commit-timeout", durationEnv("GRIDLOCK_COMMIT_TIMEOUT", 10*time.Second), "per-edit persistence timeout")
	settleDelay := flag.Duration("settle-delay", durationEnv("GRIDLOCK_SETTLE_DELAY", time.Second), "delay before a refreshed cell becomes editable again")
	reconnectDelay := flag.Duration("reconnect-delay", durationEnv("GRIDLOCK_RECONNECT_DELAY", 2*time.Second), "channel reconnect delay")
	maxReconnects := flag.Int("max-reconnects", intEnv("GRIDLOCK_MAX_RECONNECTS", 10), "channel reconnect attempts before giving up")
	statusAddr := flag.String("status-addr", envOrDefault("GRIDLOCK_STATUS_ADDR", "127.0.0.1:8085"), "status API listen address (empty to disable)")
	statusToken := flag.String("status-token", strings.TrimSpace(os.Getenv("GRIDLOCK_STATUS_TOKEN")), "status API bearer token (empty for open access)")
	flag.Parse()

	if strings.TrimSpace(*channelURL) == "" {
		log.Fatalf("channel-url is required (--channel-url or GRIDLOCK_CHANNEL_URL)")
	}
	if strings.TrimSpace(*datasetID) == "" {
		log.Fatalf("dataset is required (--dataset or GRIDLOCK_DATASET)")
	}
	if strings.TrimSpace(*spoolFile) == "" {
		log.Fatalf("spool-file is required (--spool-file or GRIDLOCK_SPOOL_FILE)")
	}

	submitter, err := buildSubmitter(*postgresDSN, *apiURL, *apiToken, *commitTimeout)
	if err != nil {
		log.Fatalf("failed to initialize persistence: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := gridlock.NewDatasetSession(gridlock.DatasetSessionOptions{
		DatasetID:            *datasetID,
		SessionID:            *sessionID,
		ChannelURL:           *channelURL,
		KeyFields:            splitFields(*keyFields),
		Submitter:            submitter,
		SettleDelay:          *settleDelay,
		ReconnectDelay:       *reconnectDelay,
		MaxReconnectAttempts: *maxReconnects,
		OnReconnectFailed:    stop,
		Logger:               log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize dataset session: %v", err)
	}
	defer session.Close()
	session.Connect()
	log.Printf("dataset session %s opened for dataset %s", session.SessionID(), session.DatasetID())

	agent, err := editspool.NewAgent(session.Editor(), editspool.AgentOptions{
		SpoolFile:     *spoolFile,
		ResultsFile:   *resultsFile,
		StateFile:     *stateFile,
		CommitTimeout: *commitTimeout,
		Logger:        log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize spool agent: %v", err)
	}
	watcher, err := editspool.NewWatcher(agent, editspool.WatcherOptions{
		PollInterval: *pollInterval,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize spool watcher: %v", err)
	}

	var statusServer *http.Server
	if strings.TrimSpace(*statusAddr) != "" {
		statusServer = &http.Server{
			Addr:              strings.TrimSpace(*statusAddr),
			Handler:           statusapi.NewServerWithConfig(session, statusapi.ServerConfig{Token: *statusToken}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("status API listening on %s", statusServer.Addr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status API stopped: %v", err)
			}
		}()
	}

	watchErr := watcher.Run(rootCtx)
	log.Printf("spool watcher stopping: %v", watchErr)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusServer.Shutdown(shutdownCtx)
	}
	if closer, ok := submitter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func buildSubmitter(postgresDSN, apiURL, apiToken string, timeout time.Duration) (gridlock.EditSubmitter, error) {
	postgresDSN = strings.TrimSpace(postgresDSN)
	apiURL = strings.TrimSpace(apiURL)
	if postgresDSN != "" && apiURL != "" {
		return nil, errors.New("postgres-dsn and api-url are mutually exclusive")
	}
	if postgresDSN != "" {
		return gridlock.NewPostgresSubmitter(postgresDSN)
	}
	if apiURL != "" {
		return gridlock.NewHTTPSubmitter(apiURL, apiToken, &http.Client{Timeout: timeout}), nil
	}
	return nil, errors.New("either postgres-dsn or api-url is required")
}

func splitFields(raw string) []string {
	var fields []string
	for _, field := range strings.Split(raw, ",") {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
