package errs

// ErrCode classifies an error. Codes map onto HTTP statuses for the
// management API via HTTPStatus.
type ErrCode int

const (
	// OK indicates the operation was successful.
	OK ErrCode = 0

	// Canceled indicates the operation was canceled,
	// typically by the caller or by process shutdown.
	Canceled ErrCode = 1

	// Unknown error. Used when an error from a lower layer carries
	// no usable classification.
	Unknown ErrCode = 2

	// InvalidArgument indicates the client specified an invalid argument,
	// such as a malformed subscription, pattern, or period string.
	// It indicates arguments that are problematic regardless of the
	// state of the system.
	InvalidArgument ErrCode = 3

	// DeadlineExceeded means the operation expired before completion.
	DeadlineExceeded ErrCode = 4

	// NotFound means some requested entity (subscription, event,
	// dead-letter entry) was not found.
	NotFound ErrCode = 5

	// AlreadyExists means an attempt to create an entity failed because
	// one already exists, such as a duplicate subscription name.
	AlreadyExists ErrCode = 6

	// PermissionDenied indicates the caller does not have permission to
	// execute the specified operation. It must not be used for rejections
	// caused by exhausting some resource (use ResourceExhausted instead),
	// nor if the caller cannot be identified (use Unauthenticated).
	PermissionDenied ErrCode = 7

	// ResourceExhausted indicates some resource has been exhausted.
	// The delivery queue reports it when it is at capacity.
	ResourceExhausted ErrCode = 8

	// FailedPrecondition indicates the operation was rejected because the
	// system is not in a state required for its execution, such as
	// replaying a dead-letter entry whose subscription no longer exists.
	FailedPrecondition ErrCode = 9

	// Aborted indicates the operation was aborted, typically due to a
	// concurrency issue such as a conditional write losing a race.
	Aborted ErrCode = 10

	// OutOfRange means the operation was attempted past the valid range.
	OutOfRange ErrCode = 11

	// Unimplemented indicates the operation is not supported by this
	// server, such as an unregistered management endpoint.
	Unimplemented ErrCode = 12

	// Internal errors. Means some invariant expected by the underlying
	// system has been broken.
	Internal ErrCode = 13

	// Unavailable indicates a dependency is currently unavailable: the
	// document store is unreachable or the process is shutting down.
	// This is most likely a transient condition.
	Unavailable ErrCode = 14

	// DataLoss indicates unrecoverable data loss, such as a change stream
	// cursor that has aged out of the source's history and can no longer
	// be resumed.
	DataLoss ErrCode = 15

	// Unauthenticated indicates the request does not have valid
	// authentication credentials for the operation.
	Unauthenticated ErrCode = 16
)

// String returns the string representation of c.
func (c ErrCode) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) {
		return "unknown"
	}
	return codeNames[c]
}

// HTTPStatus reports a suitable HTTP status code for an error code.
func (c ErrCode) HTTPStatus() int {
	if int(c) < 0 || int(c) >= len(codeStatus) {
		return 500
	}
	return codeStatus[c]
}

func (c ErrCode) MarshalJSON() ([]byte, error) {
	s := c.String()
	return []byte("\"" + s + "\""), nil
}

var codeNames = [...]string{
	OK:                 "ok",
	Canceled:           "canceled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid_argument",
	DeadlineExceeded:   "deadline_exceeded",
	NotFound:           "not_found",
	AlreadyExists:      "already_exists",
	PermissionDenied:   "permission_denied",
	ResourceExhausted:  "resource_exhausted",
	FailedPrecondition: "failed_precondition",
	Aborted:            "aborted",
	OutOfRange:         "out_of_range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data_loss",
	Unauthenticated:    "unauthenticated",
}

var codeStatus = [...]int{
	OK:                 200,
	Canceled:           499,
	Unknown:            500,
	InvalidArgument:    400,
	DeadlineExceeded:   504,
	NotFound:           404,
	AlreadyExists:      409,
	PermissionDenied:   403,
	ResourceExhausted:  429,
	FailedPrecondition: 400,
	Aborted:            409,
	OutOfRange:         400,
	Unimplemented:      501,
	Internal:           500,
	Unavailable:        503,
	DataLoss:           500,
	Unauthenticated:    401,
}
