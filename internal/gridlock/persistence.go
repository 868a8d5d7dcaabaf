package gridlock

import "context"

type SubmitEditRequest struct {
	DatasetID        string `json:"datasetId"`
	RowID            string `json:"rowId"`
	Field            string `json:"field"`
	ExpectedOldValue string `json:"expectedOldValue"`
	NewValue         string `json:"newValue"`
}

type SubmitResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type InsertRowRequest struct {
	DatasetID string            `json:"datasetId"`
	KeyFields []string          `json:"keyFields"`
	Row       map[string]string `json:"row"`
}

type InsertResult struct {
	OK     bool   `json:"ok"`
	RowID  string `json:"rowId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// EditSubmitter is the persistence interface consumed on commit. A returned
// error means the outcome is unknown (network failure); the editor treats
// that the same as a rejection and rolls back.
type EditSubmitter interface {
	SubmitEdit(ctx context.Context, req SubmitEditRequest) (SubmitResult, error)
	InsertRow(ctx context.Context, req InsertRowRequest) (InsertResult, error)
}
