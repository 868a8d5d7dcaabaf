package gridlock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// HTTPSubmitter is an EditSubmitter backed by the grid query service's edit
// endpoints, for deployments where that service owns storage.
type HTTPSubmitter struct {
	api *apiClient
}

func NewHTTPSubmitter(baseURL, token string, httpClient *http.Client) *HTTPSubmitter {
	return &HTTPSubmitter{api: newAPIClient(baseURL, token, httpClient)}
}

func (s *HTTPSubmitter) SubmitEdit(ctx context.Context, req SubmitEditRequest) (SubmitResult, error) {
	body := map[string]any{
		"selector": map[string]string{
			"rowId":            req.RowID,
			"field":            req.Field,
			"expectedOldValue": req.ExpectedOldValue,
		},
		"newValue": req.NewValue,
	}
	var out SubmitResult
	err := s.api.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/datasets/%s/edits", url.PathEscape(req.DatasetID)), body, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
			return SubmitResult{OK: false, Reason: "conflict"}, nil
		}
		return SubmitResult{}, err
	}
	return out, nil
}

func (s *HTTPSubmitter) InsertRow(ctx context.Context, req InsertRowRequest) (InsertResult, error) {
	body := map[string]any{
		"keyFields": req.KeyFields,
		"row":       req.Row,
	}
	var out InsertResult
	err := s.api.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/datasets/%s/rows", url.PathEscape(req.DatasetID)), body, &out)
	if err != nil {
		return InsertResult{}, err
	}
	return out, nil
}
