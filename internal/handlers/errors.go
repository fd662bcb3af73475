package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Brownie44l1/classify-api/internal/model"
	"github.com/Brownie44l1/classify-api/internal/serving"
)

const (
	GenericError     = iota + 100 // 100 generic error
	BadRequest                    // 101 bad request
	JSONDecodeError               // 102 request body is not valid JSON
	ShapeMismatch                 // 103 input does not match the model
	InferenceError                // 104 model execution failed
	ModelNotLoaded                // 105 no model is loaded
	ModelLoadError                // 106 loading a model failed
	BatchSizeError                // 107 batch size out of range
	RequestTimeout                // 108 request cancelled or timed out
	RateLimitReached              // 109 too many requests
)

// errorMessage returns the human readable name of an error code.
func errorMessage(code int) string {
	switch code {
	case GenericError:
		return "generic error"
	case BadRequest:
		return "bad request"
	case JSONDecodeError:
		return "JSON decode error"
	case ShapeMismatch:
		return "shape mismatch"
	case InferenceError:
		return "inference error"
	case ModelNotLoaded:
		return "model not loaded"
	case ModelLoadError:
		return "model load error"
	case BatchSizeError:
		return "batch size error"
	case RequestTimeout:
		return "request timeout"
	case RateLimitReached:
		return "rate limit reached"
	default:
		return fmt.Sprintf("not implemented error for code %d", code)
	}
}

// HTTPError is the JSON body of every error response.
type HTTPError struct {
	Error     string `json:"error"`      // error message
	Message   string `json:"message"`    // human readable error code name
	Code      int    `json:"code"`       // server error code
	HTTPCode  int    `json:"http_code"`  // HTTP status code
	Method    string `json:"method"`     // HTTP method
	Path      string `json:"path"`       // URL path
	RequestID string `json:"request_id"` // X-Request-ID of the request
	Timestamp string `json:"timestamp"`  // time of the error
}

// apiError carries an explicit status and code through bunrouter's error
// return.
type apiError struct {
	status int
	code   int
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func badRequest(code int, err error) error {
	return &apiError{status: http.StatusBadRequest, code: code, err: err}
}

// classify maps an error to its HTTP status and server error code.
func classify(err error) (int, int) {
	var ae *apiError
	var sm *serving.ShapeMismatchError
	var ie *serving.InferenceError
	var le *model.LoadError
	switch {
	case errors.As(err, &ae):
		return ae.status, ae.code
	case errors.As(err, &sm):
		return http.StatusBadRequest, ShapeMismatch
	case errors.Is(err, serving.ErrBatchSize):
		return http.StatusBadRequest, BatchSizeError
	case errors.Is(err, model.ErrNotLoaded):
		return http.StatusServiceUnavailable, ModelNotLoaded
	case errors.As(err, &le):
		return http.StatusInternalServerError, ModelLoadError
	case errors.As(err, &ie):
		return http.StatusInternalServerError, InferenceError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, RequestTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, RequestTimeout
	default:
		return http.StatusInternalServerError, GenericError
	}
}

func newHTTPError(r *http.Request, err error) (int, HTTPError) {
	status, code := classify(err)
	return status, HTTPError{
		Error:     err.Error(),
		Message:   errorMessage(code),
		Code:      code,
		HTTPCode:  status,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
