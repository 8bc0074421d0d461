package errs

import (
	"net/http"
	"time"
)

// envelope is the wire shape of a management API error response.
type envelope struct {
	Status    string     `json:"status"`
	Code      ErrCode    `json:"code"`
	Message   string     `json:"message"`
	Details   ErrDetails `json:"details,omitempty"`
	Timestamp string     `json:"timestamp"`
	RequestID string     `json:"requestId,omitempty"`
}

// HTTPError writes structured error information to w using JSON encoding.
// The status code is computed with HTTPStatus.
func HTTPError(w http.ResponseWriter, err error, requestID string) {
	HTTPErrorWithCode(w, err, 0, requestID)
}

// HTTPErrorWithCode is like HTTPError but uses the given status code
// instead of deriving one from the error, unless statusCode is 0.
func HTTPErrorWithCode(w http.ResponseWriter, err error, statusCode int, requestID string) {
	code := Code(err)
	if statusCode == 0 {
		statusCode = code.HTTPStatus()
	}

	var msg string
	switch e := err.(type) {
	case nil:
		msg = ""
	case *Error:
		msg = e.ErrorMessage()
	default:
		msg = e.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(&envelope{
		Status:    "error",
		Code:      code,
		Message:   msg,
		Details:   Details(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	})
}
