// gridlock-edit performs one cell edit (or one row insert) through the
// lock protocol and exits. Exit status is non-zero when the edit was
// refused or rejected, so shell pipelines can react to contention.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/gridlock"
)

func main() {
	channelURL := flag.String("channel-url", strings.TrimSpace(os.Getenv("GRIDLOCK_CHANNEL_URL")), "coordination channel websocket URL")
	datasetID := flag.String("dataset", strings.TrimSpace(os.Getenv("GRIDLOCK_DATASET")), "dataset ID")
	sessionID := flag.String("session", strings.TrimSpace(os.Getenv("GRIDLOCK_SESSION")), "session ID (generated when empty)")
	keyFields := flag.String("key-fields", strings.TrimSpace(os.Getenv("GRIDLOCK_KEY_FIELDS")), "comma-separated key fields for inserts")
	postgresDSN := flag.String("postgres-dsn", strings.TrimSpace(os.Getenv("GRIDLOCK_POSTGRES_DSN")), "Postgres DSN for direct persistence")
	apiURL := flag.String("api-url", strings.TrimSpace(os.Getenv("GRIDLOCK_API_URL")), "grid query service base URL for HTTP persistence")
	apiToken := flag.String("api-token", strings.TrimSpace(os.Getenv("GRIDLOCK_API_TOKEN")), "bearer token for the grid query service")
	rowID := flag.String("row", "", "row ID of the cell to edit")
	field := flag.String("field", "", "field of the cell to edit")
	oldValue := flag.String("old-value", "", "value the edit starts from")
	newValue := flag.String("new-value", "", "value to commit")
	insertJSON := flag.String("insert-row", "", `insert a row instead: JSON object of field values, e.g. {"name":"x"}`)
	timeout := flag.Duration("timeout", durationEnv("GRIDLOCK_EDIT_TIMEOUT", 30*time.Second), "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*channelURL) == "" {
		log.Fatalf("channel-url is required (--channel-url or GRIDLOCK_CHANNEL_URL)")
	}
	if strings.TrimSpace(*datasetID) == "" {
		log.Fatalf("dataset is required (--dataset or GRIDLOCK_DATASET)")
	}
	insert := strings.TrimSpace(*insertJSON) != ""
	if !insert && (strings.TrimSpace(*rowID) == "" || strings.TrimSpace(*field) == "") {
		log.Fatalf("row and field are required (or use --insert-row)")
	}

	submitter, err := buildSubmitter(*postgresDSN, *apiURL, *apiToken, *timeout)
	if err != nil {
		log.Fatalf("failed to initialize persistence: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(rootCtx, *timeout)
	defer cancel()

	session, err := gridlock.NewDatasetSession(gridlock.DatasetSessionOptions{
		DatasetID:  *datasetID,
		SessionID:  *sessionID,
		ChannelURL: *channelURL,
		KeyFields:  splitFields(*keyFields),
		Submitter:  submitter,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize dataset session: %v", err)
	}
	defer session.Close()
	session.Connect()

	if err := waitForEditing(ctx, session.Connectivity()); err != nil {
		log.Fatalf("coordination channel not ready: %v", err)
	}

	if insert {
		runInsert(ctx, session, *insertJSON)
		return
	}
	runSet(ctx, session, *rowID, *field, *oldValue, *newValue)
}

func runSet(ctx context.Context, session *gridlock.DatasetSession, rowID, field, oldValue, newValue string) {
	cell := gridlock.CellID{RowID: strings.TrimSpace(rowID), Field: strings.TrimSpace(field)}
	editor := session.Editor()
	if err := editor.BeginEdit(cell, oldValue); err != nil {
		log.Fatalf("edit refused: %v", err)
	}
	if err := editor.CommitEdit(ctx, cell, newValue); err != nil {
		log.Fatalf("edit failed: %v", err)
	}
	fmt.Printf("committed %s/%s\n", cell.RowID, cell.Field)
}

func runInsert(ctx context.Context, session *gridlock.DatasetSession, rowJSON string) {
	var row map[string]string
	if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
		log.Fatalf("invalid --insert-row JSON: %v", err)
	}
	field := ""
	for candidate := range row {
		if field == "" || candidate < field {
			field = candidate
		}
	}
	cell := gridlock.CellID{Field: field}
	editor := session.Editor()
	if err := editor.BeginEdit(cell, ""); err != nil {
		log.Fatalf("insert refused: %v", err)
	}
	newRowID, err := editor.CommitInsert(ctx, cell, row)
	if err != nil {
		if errors.Is(err, gridlock.ErrRowNotReady) {
			log.Fatalf("insert rejected: no key field populated")
		}
		log.Fatalf("insert failed: %v", err)
	}
	fmt.Printf("inserted row %s\n", newRowID)
}

// waitForEditing polls until connectivity allows editing. The channel
// connects in the background, so a one-shot command has to wait for the
// announce handshake before it may lock a cell.
func waitForEditing(ctx context.Context, connectivity *gridlock.ConnectivityState) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if connectivity.EditingAllowed() {
			return nil
		}
		if connectivity.State().ReconnectFailed {
			return errors.New("reconnect attempts exhausted")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
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
