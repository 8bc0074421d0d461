// Package errs provides structured error handling for the relay.
//
// Errors carry a code that maps onto both an HTTP status for the
// management API and a retry classification for pipeline stages.
package errs

import (
	"fmt"
	"strings"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            false,
	ValidateJsonRawMessage: true,
}.Froze()

// An Error is an error that provides structured information
// about the error. It includes an error code, a message,
// optionally additional structured details about the error
// and arbitrary key-value metadata.
//
// The Details field is returned to management API clients.
// The Meta field is only used for internal logging.
//
// Internally it captures an underlying error for printing
// and for use with errors.Is/As.
type Error struct {
	// Code is the error code to return.
	Code ErrCode `json:"code"`
	// Message is a descriptive message of the error.
	Message string `json:"message"`
	// Details are user-defined additional details.
	Details ErrDetails `json:"details"`
	// Meta are arbitrary key-value pairs for use within
	// the relay process. They are not exposed to API clients.
	Meta Metadata `json:"-"`

	// underlying is the underlying error,
	// for use with errors.Is and errors.As.
	underlying error
}

// Metadata represents structured key-value pairs, for attaching arbitrary
// metadata to errors. The metadata is logged alongside the error
// but is not exposed to management API clients.
type Metadata map[string]interface{}

// ErrDetails is a marker interface for types used for reporting
// error details to management API clients.
//
// We require a marker method (as opposed to using interface{})
// to ensure the type can be properly serialized.
type ErrDetails interface {
	ErrDetails() // marker method; it need not do anything
}

// Wrap wraps the err, adding additional error information.
// If err is nil it returns nil.
//
// If err is already an *Error its code, message, and details
// are copied over to the new error.
func Wrap(err error, msg string, metaPairs ...interface{}) error {
	if err == nil {
		return nil
	}

	e := &Error{Code: Unknown, Message: msg, underlying: err}
	if ee, ok := err.(*Error); ok {
		e.Details = ee.Details
		e.Code = ee.Code
		e.Meta = mergeMeta(ee.Meta, metaPairs)
	} else {
		e.Meta = mergeMeta(nil, metaPairs)
	}
	return e
}

// WrapCode is like Wrap but also sets the error code.
// If code is OK it reports nil.
func WrapCode(err error, code ErrCode, msg string, metaPairs ...interface{}) error {
	if err == nil || code == OK {
		return nil
	}

	e := &Error{Code: code, Message: msg, underlying: err}
	if ee, ok := err.(*Error); ok {
		e.Details = ee.Details
		e.Meta = mergeMeta(ee.Meta, metaPairs)
	} else {
		e.Meta = mergeMeta(nil, metaPairs)
	}
	return e
}

// Convert converts an error to an *Error.
// If the error is already an *Error it returns it unmodified.
// If err is nil it returns nil.
func Convert(err error) error {
	if err == nil {
		return nil
	} else if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{
		Code:       Unknown,
		underlying: err,
	}
}

// Code reports the error code from an error.
// If err is nil it reports OK.
// Otherwise if err is not an *Error it reports Unknown.
func Code(err error) ErrCode {
	if err == nil {
		return OK
	} else if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Unknown
}

// Meta reports the metadata included in the error.
// If err is nil or the error lacks metadata it reports nil.
func Meta(err error) Metadata {
	if e, ok := err.(*Error); ok {
		return e.Meta
	}
	return nil
}

// Details reports the error details included in the error.
// If err is nil or the error lacks details it reports nil.
func Details(err error) ErrDetails {
	if e, ok := err.(*Error); ok {
		return e.Details
	}
	return nil
}

// Error reports the error code and message.
func (e *Error) Error() string {
	if e.Code == Unknown {
		return "unknown code: " + e.ErrorMessage()
	}
	return e.Code.String() + ": " + e.ErrorMessage()
}

// ErrorMessage reports the error message, joining this
// error's message with the messages from any underlying errors.
func (e *Error) ErrorMessage() string {
	if e.underlying == nil {
		return e.Message
	}

	var b strings.Builder
	b.WriteString(e.Message)

	var next error = e.underlying
	for next != nil {
		var msg string
		if e, ok := next.(*Error); ok {
			msg = e.Message
			next = e.underlying
		} else {
			msg = next.Error()
			next = nil
		}
		if b.Len() > 0 && msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(msg)
	}
	return b.String()
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.underlying
}

func mergeMeta(md Metadata, pairs []interface{}) Metadata {
	n := len(pairs)
	if n%2 != 0 {
		panic(fmt.Sprintf("got uneven number (%d) of metadata key-values", n))
	}
	if md == nil && n > 0 {
		md = make(Metadata, n/2)
	}
	for i := 0; i < n; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("metadata key-value pair #%d key is not a string (is %T)", i/2, pairs[i]))
		}
		md[key] = pairs[i+1]
	}
	return md
}

func init() {
	jsoniter.RegisterTypeEncoderFunc("errs.Error", func(ptr unsafe.Pointer, stream *jsoniter.Stream) {
		e := (*Error)(ptr)
		stream.WriteObjectStart()
		stream.WriteObjectField("code")
		stream.WriteString(e.Code.String())
		stream.WriteMore()
		stream.WriteObjectField("message")
		stream.WriteString(e.ErrorMessage())
		stream.WriteMore()
		stream.WriteObjectField("details")
		stream.WriteVal(e.Details)
		stream.WriteObjectEnd()
	}, nil)
}
