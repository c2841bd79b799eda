package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightforgemedia/go-phxgql/pkg/model"
	"github.com/spf13/cobra"
)

func newSubscribeCmd(a *app) *cobra.Command {
	var (
		doc   documentFlags
		count int
	)
	cmd := &cobra.Command{
		Use:   "subscribe [document]",
		Short: "Start a subscription and print its events",
		Long: `Start a subscription and print every event as it arrives. Runs until
interrupted, or until --count events have been printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return errors.New("--count must not be negative")
			}
			req, err := doc.request(cmd, args)
			if err != nil {
				return err
			}
			c, err := a.newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			var (
				mu     sync.Mutex
				seen   int
				doneCh = make(chan struct{})
				once   sync.Once
			)
			out := cmd.OutOrStdout()
			handler := func(resp *model.Response, err error) {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && seen >= count {
					return
				}
				if perr := printResponse(out, resp, err); perr != nil {
					a.logger.Warn("subscription event", "error", perr)
				}
				seen++
				if count > 0 && seen >= count {
					once.Do(func() { close(doneCh) })
				}
			}

			sub, err := c.Subscribe(cmd.Context(), req, handler)
			if err != nil {
				return err
			}
			a.logger.Info(fmt.Sprintf("subscribed, listening on %s", sub.Topic))

			select {
			case <-doneCh:
			case <-cmd.Context().Done():
			}
			return c.Unsubscribe(sub)
		},
	}
	doc.bind(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0: run until interrupted)")
	return cmd
}
