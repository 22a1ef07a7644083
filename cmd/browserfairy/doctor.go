package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/browserfairy/browserfairy-go/internal/state"
)

func newDoctorCmd(cfgPath *string) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that a browser debug endpoint and the runtime state directory are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			endpoint, err := discoverEndpoint(ctx, host, port)
			if err != nil {
				fmt.Fprintf(out, "browser debug endpoint (%s:%d): FAIL — %v\n", host, port, err)
			} else {
				fmt.Fprintf(out, "browser debug endpoint (%s:%d): OK — %s\n", host, port, endpoint)
			}

			root, err := state.RootDir()
			if err != nil {
				fmt.Fprintf(out, "state directory: FAIL — %v\n", err)
			} else {
				fmt.Fprintf(out, "state directory: %s\n", root)
			}

			resolvedCfg := *cfgPath
			if resolvedCfg == "" {
				resolvedCfg, err = state.ConfigFile()
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "config file: %s\n", resolvedCfg)

			sessions, err := state.SessionsDir()
			if err == nil {
				fmt.Fprintf(out, "sessions directory: %s\n", sessions)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "browser debug HTTP host")
	cmd.Flags().IntVar(&port, "port", 9222, "browser debug HTTP port")
	return cmd
}
