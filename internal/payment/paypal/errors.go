package paypal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError — ответ PayPal с ошибкой.
type APIError struct {
	HTTPStatus int
	Name       string `json:"name"`
	Message    string `json:"message"`
	Details    []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *APIError) Error() string {
	issues := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		issues = append(issues, d.Issue)
	}
	return fmt.Sprintf("paypal api: http %d %s: %s [%s]", e.HTTPStatus, e.Name, e.Message, strings.Join(issues, ","))
}

// Temporary сообщает, имеет ли смысл повторить запрос.
func (e *APIError) Temporary() bool {
	return e.HTTPStatus >= http.StatusInternalServerError || e.HTTPStatus == http.StatusTooManyRequests
}

func (e *APIError) hasIssue(issues ...string) bool {
	for _, d := range e.Details {
		for _, issue := range issues {
			if d.Issue == issue {
				return true
			}
		}
	}
	return false
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if len(body) > 0 {
		_ = json.Unmarshal(body, apiErr)
	}
	return apiErr
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
