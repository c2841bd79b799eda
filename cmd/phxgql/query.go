package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/lightforgemedia/go-phxgql/pkg/client"
	"github.com/lightforgemedia/go-phxgql/pkg/filewatcher"
	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/spf13/cobra"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		doc   documentFlags
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "query [document]",
		Short: "Send a query or mutation and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && (doc.file == "" || doc.file == "-") {
				return errors.New("--watch needs --file")
			}
			c, err := a.newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			run := func() error {
				req, err := doc.request(cmd, args)
				if err != nil {
					return err
				}
				resp, err := c.Query(cmd.Context(), req)
				return printResponse(cmd.OutOrStdout(), resp, err)
			}
			if !watch {
				return run()
			}
			return watchAndRun(cmd.Context(), a.logger, doc.file, run)
		},
	}
	doc.bind(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "run again whenever --file changes")
	return cmd
}

// printResponse prints the full result. A result without data is printed
// too before its error is returned.
func printResponse(w io.Writer, resp *model.Response, err error) error {
	var respErr *client.ResponseError
	if errors.As(err, &respErr) {
		resp = respErr.Response
	} else if err != nil {
		return err
	}

	raw := resp.Raw
	if len(raw) == 0 {
		var mErr error
		if raw, mErr = json.Marshal(resp); mErr != nil {
			return mErr
		}
	}
	if wErr := writeJSON(w, raw); wErr != nil {
		return wErr
	}
	return err
}

// watchAndRun calls run now and after every change to file until ctx is
// done. Failures are logged and do not stop the loop.
func watchAndRun(ctx context.Context, logger *slog.Logger, file string, run func() error) error {
	fw, err := filewatcher.New(filewatcher.WithFiles(file), filewatcher.WithLogger(logger))
	if err != nil {
		return err
	}
	changed := make(chan struct{}, 1)
	fw.AddCallback(func(string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err := fw.Start(); err != nil {
		return err
	}
	defer fw.Stop()

	for {
		if err := run(); err != nil {
			logger.Error("query failed", "file", file, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}
