package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-phxgql/pkg/model"
)

var (
	ErrConfig     = errors.New("phxgql: invalid configuration")
	ErrConnection = errors.New("phxgql: connection failed")
	ErrJoin       = errors.New("phxgql: channel join failed")
	ErrTimeout    = errors.New("phxgql: timeout")
	ErrReply      = errors.New("phxgql: error reply")
	ErrNoResponse = errors.New("phxgql: no response")
	ErrClosed     = errors.New("phxgql: client closed")
)

// ConfigError reports a missing or malformed setting. It is returned at the
// point of use and does not affect the Client.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("phxgql: invalid configuration: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// ConnectionError is returned to every operation waiting on a connection that
// failed to open.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("phxgql: connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return unwrapWith(ErrConnection, e.Err) }

// JoinError is returned to every operation queued on a channel whose join
// failed. Reason is the server's reply verbatim; Err is set for timeouts.
type JoinError struct {
	Topic  string
	Reason json.RawMessage
	Err    error
}

func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phxgql: join %s failed: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("phxgql: join %s failed: %s", e.Topic, e.Reason)
}

func (e *JoinError) Unwrap() []error { return unwrapWith(ErrJoin, e.Err) }

// ReplyError carries the payload of an error reply.
type ReplyError struct {
	Event    string
	Response json.RawMessage
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("phxgql: %s replied with error: %s", e.Event, e.Response)
}

func (e *ReplyError) Unwrap() error { return ErrReply }

// ResponseError is a response that arrived but carried no data. The server's
// error payload is available on Response.
type ResponseError struct {
	Response *model.Response
}

func (e *ResponseError) Error() string {
	if e.Response == nil {
		return "phxgql: response without data"
	}
	return fmt.Sprintf("phxgql: response without data: %s", e.Response.Raw)
}

func unwrapWith(sentinel, err error) []error {
	if err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, err}
}

// failurePayload is what a dispatch failure looks like to afterware when the
// always-resolve policy is on.
func failurePayload(err error) json.RawMessage {
	var (
		replyErr *ReplyError
		joinErr  *JoinError
	)
	switch {
	case errors.As(err, &replyErr):
		return replyErr.Response
	case errors.As(err, &joinErr) && len(joinErr.Reason) > 0:
		return joinErr.Reason
	}
	raw, _ := json.Marshal(err.Error())
	return raw
}
