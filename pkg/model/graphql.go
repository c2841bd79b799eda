// Package model holds the GraphQL documents exchanged over a channel.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Request is a query, mutation or subscription document with its inputs.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Payload is the serialized form of a Request pushed over the wire.
type Payload map[string]any

var ErrEmptyDocument = errors.New("model: empty query document")

// Print parses the request document and returns the payload to push, with the
// document re-printed in canonical form.
func Print(req *Request) (Payload, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyDocument
	}
	doc, err := parseDocument(req.Query)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)

	p := Payload{"query": strings.TrimSpace(buf.String())}
	if req.Variables != nil {
		p["variables"] = req.Variables
	}
	if req.OperationName != "" {
		p["operationName"] = req.OperationName
	}
	if req.Extensions != nil {
		p["extensions"] = req.Extensions
	}
	return p, nil
}

// OperationType reports "query", "mutation" or "subscription" for the
// operation selected by name, or the first operation when name is empty.
func OperationType(query, name string) (string, error) {
	doc, err := parseDocument(query)
	if err != nil {
		return "", err
	}
	for _, op := range doc.Operations {
		if name == "" || op.Name == name {
			return string(op.Operation), nil
		}
	}
	return "", fmt.Errorf("model: operation %q not found", name)
}

func parseDocument(query string) (*ast.QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, fmt.Errorf("model: invalid document: %w", err)
	}
	return doc, nil
}

// Response is a GraphQL result as delivered by a reply or a pushed event.
// Raw keeps the payload exactly as received.
type Response struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     json.RawMessage `json:"errors,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Extensions json.RawMessage `json:"extensions,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseResponse wraps a raw payload. Fields are filled only when the payload
// is a JSON object; anything else is kept in Raw alone.
func ParseResponse(raw json.RawMessage) *Response {
	r := &Response{Raw: raw}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		_ = json.Unmarshal(trimmed, r)
	}
	return r
}

// NewErrorResponse builds a response whose only content is an error payload.
func NewErrorResponse(payload json.RawMessage) *Response {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`null`)
	}
	raw, _ := json.Marshal(map[string]json.RawMessage{"error": payload})
	return &Response{Error: payload, Raw: raw}
}

// IsEmpty reports whether the response carries nothing at all.
func (r *Response) IsEmpty() bool {
	if r == nil {
		return true
	}
	if !IsEmptyJSON(r.Raw) {
		return false
	}
	return IsEmptyJSON(r.Data) && IsEmptyJSON(r.Errors) && IsEmptyJSON(r.Error) && IsEmptyJSON(r.Extensions)
}

// HasData reports whether the data member is present and non-empty.
func (r *Response) HasData() bool {
	return r != nil && !IsEmptyJSON(r.Data)
}

// IsEmptyJSON treats absent, null, "", {} and [] as empty.
func IsEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}
