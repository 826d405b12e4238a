package shared

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError carries an HTTP status alongside the error so handlers can
// render a structured response without switching on error strings.
type AppError struct {
	StatusCode int
	Message    string
	Data       interface{}
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(statusCode int, message string, data interface{}) *AppError {
	return &AppError{StatusCode: statusCode, Message: message, Data: data}
}

func WrapAppError(statusCode int, message string, err error) *AppError {
	return &AppError{StatusCode: statusCode, Message: message, Err: err}
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func ErrBadRequest(message string, data interface{}) *AppError {
	return NewAppError(http.StatusBadRequest, message, data)
}

func ErrTooManyRequests(message string, data interface{}) *AppError {
	return NewAppError(http.StatusTooManyRequests, message, data)
}
