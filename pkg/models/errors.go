package models

import "errors"

var (
	ErrMissingID       = errors.New("message id cannot be empty")
	ErrMissingTemplate = errors.New("message template cannot be empty")
	ErrMissingBatchID  = errors.New("message batch id cannot be empty")
	ErrMissingBody     = errors.New("message body cannot be empty")
)
