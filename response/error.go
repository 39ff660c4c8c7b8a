package response

import "fmt"

// Error is the JSON envelope returned to callers on failure
type Error struct {
	StatusCode int         `json:"statusCode"`
	Message    string      `json:"message"`
	Messages   []string    `json:"messages"`
	Result     interface{} `json:"result"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

func makeError(status int) *Error {
	return &Error{
		StatusCode: status,
		Messages:   make([]string, 0),
		Result:     []string{},
	}
}

// -----------------------------------------------

func ErrBadRequest() *Error {
	return makeError(400).
		WithMessage("Bad request")
}

func ErrNotFound() *Error {
	return makeError(404).
		WithMessage("Requested resources not found")
}

func ErrMethodNotAllowed() *Error {
	return makeError(405).
		WithMessage("Method not allowed")
}

func ErrPayloadTooLarge() *Error {
	return makeError(413).
		WithMessage("Payload too large")
}

// ErrUnavailable asks the sender to deliver again later
func ErrUnavailable() *Error {
	return makeError(503).
		WithMessage("Temporarily unable to process")
}

func ErrInvalidSignature() *Error {
	return ErrBadRequest().AddMessages("Webhook signature verification failed")
}

func ErrUnreadableBody() *Error {
	return ErrBadRequest().AddMessages("Unable to read request body")
}
