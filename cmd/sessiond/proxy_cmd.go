package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/sessiond/api"
)

func newProxyCommand(rt *cliRuntime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Proxy utilities",
	}
	cmd.AddCommand(newProxyTestCommand(rt))
	return cmd
}

func newProxyTestCommand(rt *cliRuntime) *cobra.Command {
	var req api.ProxyTestRequest
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test a worker's proxy, or an inline one, through a running server",
		Example: `  sessiond proxy test --worker alice
  sessiond proxy test --type socks5 --host 10.0.0.2 --port 1080 --username u --password p`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.WorkerID == "" && req.Host == "" {
				return errors.New("either --worker or --host is required")
			}
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.TestProxy(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, resp); err != nil {
					return err
				}
			} else if resp.OK {
				fmt.Fprintf(out, "ok %s origin=%s latency=%dms\n", resp.Proxy, dash(resp.Origin), resp.LatencyMillis)
			}
			if !resp.OK {
				return fmt.Errorf("proxy %s failed: %s", resp.Proxy, resp.Error)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.WorkerID, "worker", "", "test the proxy configured for this worker")
	flags.StringVar(&req.Type, "type", "http", "proxy type (http|https|socks5)")
	flags.StringVar(&req.Host, "host", "", "proxy host")
	flags.IntVar(&req.Port, "port", 0, "proxy port")
	flags.StringVar(&req.Username, "username", "", "proxy username")
	flags.StringVar(&req.Password, "password", "", "proxy password")
	return cmd
}
