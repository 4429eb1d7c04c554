package domain

import (
	"errors"
	"strings"
	"time"
)

// Item is anything a spider emits. Items are treated as immutable once
// emitted.
type Item interface {
	ItemKind() string
}

// Keyed items carry a stable identity used for duplicate suppression.
type Keyed interface {
	Key() string
}

// ItemKindError is the kind of ErrorItem.
const ItemKindError = "error"

// ErrorItem is the failure variant of a spider output.
type ErrorItem struct {
	Exception      string `json:"exception"`
	ErrorKind      string `json:"error_kind"`
	Traceback      string `json:"traceback"`
	PageURL        string `json:"page_url"`
	PageStatusCode int    `json:"page_status_code"`
	DatetimeUTC    string `json:"datetime_utc"`
	InputMessage   any    `json:"input_message"`
}

// ItemKind implements Item.
func (*ErrorItem) ItemKind() string { return ItemKindError }

// NewErrorItem builds the error item for a task that could not be processed.
func NewErrorItem(err error, pageURL string, statusCode int, input any, now time.Time) *ErrorItem {
	return &ErrorItem{
		Exception:      err.Error(),
		ErrorKind:      KindOf(err).String(),
		Traceback:      trace(err),
		PageURL:        pageURL,
		PageStatusCode: statusCode,
		DatetimeUTC:    now.UTC().Format(DateTimeLayout),
		InputMessage:   input,
	}
}

// trace lists the wrapped error chain, outermost first.
func trace(err error) string {
	var lines []string
	for err != nil {
		lines = append(lines, err.Error())
		err = errors.Unwrap(err)
	}
	return strings.Join(lines, "\n")
}
