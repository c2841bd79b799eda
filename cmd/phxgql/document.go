package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/spf13/cobra"
)

// documentFlags are shared by query and subscribe.
type documentFlags struct {
	file      string
	vars      string
	operation string
}

func (d *documentFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&d.file, "file", "f", "", "read the document from a file (- for stdin)")
	f.StringVar(&d.vars, "vars", "", "variables as a JSON object")
	f.StringVar(&d.operation, "operation", "", "operation name")
}

// request builds the request from the positional document or --file.
func (d *documentFlags) request(cmd *cobra.Command, args []string) (*model.Request, error) {
	var query string
	switch {
	case len(args) > 0 && d.file != "":
		return nil, errors.New("give the document as an argument or with --file, not both")
	case len(args) > 0:
		query = args[0]
	case d.file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		query = string(b)
	case d.file != "":
		b, err := os.ReadFile(d.file)
		if err != nil {
			return nil, err
		}
		query = string(b)
	default:
		return nil, errors.New("no document given")
	}

	req := &model.Request{Query: query, OperationName: d.operation}
	if d.vars != "" {
		if err := json.Unmarshal([]byte(d.vars), &req.Variables); err != nil {
			return nil, fmt.Errorf("--vars: %w", err)
		}
	}
	return req, nil
}

// writeJSON prints raw indented on its own line.
func writeJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
