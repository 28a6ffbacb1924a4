package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidahmann/afu9/pkg/types"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive lifecycle runs on a gateway",
	}
	pf := cmd.PersistentFlags()
	pf.String("addr", "", "gateway address (AFU9_ADDR)")
	pf.String("token", "", "bearer token (AFU9_TOKEN)")
	pf.Bool("json", false, "print raw JSON response")
	_ = v.BindPFlag("addr", pf.Lookup("addr"))
	_ = v.BindPFlag("token", pf.Lookup("token"))

	var runType string
	start := &cobra.Command{
		Use:   "start <issue_id>",
		Short: "Create a lifecycle run for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"type": runType})
			if err != nil {
				return err
			}
			u := strings.TrimRight(v.GetString("addr"), "/") + "/v1/issues/" + url.PathEscape(args[0]) + "/runs"
			resp, printed, err := callGateway(cmd, v, u, body)
			if err != nil || printed {
				return err
			}
			var payload struct {
				RunID  string `json:"run_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(resp, &payload); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s status=%s\n", payload.RunID, payload.Status)
			return nil
		},
	}
	start.Flags().StringVar(&runType, "type", "delivery", "run type")

	var dryRun bool
	advance := &cobra.Command{
		Use:   "advance <run_id>",
		Short: "Execute the next lifecycle step of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := strings.TrimRight(v.GetString("addr"), "/") + "/v1/runs/" + url.PathEscape(args[0]) + "/advance"
			if dryRun {
				u += "?dry_run=true"
			}
			resp, printed, err := callGateway(cmd, v, u, nil)
			if err != nil || printed {
				return err
			}
			var payload types.StepExecutionResult
			if err := json.Unmarshal(resp, &payload); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			out := cmd.OutOrStdout()
			if !payload.Success {
				fmt.Fprintf(out, "step=%s blocked=%s state=%s message=%q\n", payload.Step, payload.BlockerCode, payload.StateBefore, payload.BlockerMessage)
				return errSilent
			}
			fmt.Fprintf(out, "step=%s %s->%s message=%q\n", payload.Step, payload.StateBefore, payload.StateAfter, payload.Message)
			return nil
		},
	}
	advance.Flags().BoolVar(&dryRun, "dry-run", false, "report what the step would do without side effects")

	cmd.AddCommand(start, advance)
	return cmd
}

// callGateway posts body and returns the response on 2xx. With --json the
// raw response is echoed and printed is true.
func callGateway(cmd *cobra.Command, v *viper.Viper, u string, body []byte) (resp []byte, printed bool, err error) {
	resp, status, err := httpPost(http.DefaultClient, u, v.GetString("token"), body)
	if err != nil {
		return nil, false, err
	}
	if status < 200 || status >= 300 {
		return nil, false, fmt.Errorf("gateway returned %d: %s", status, strings.TrimSpace(string(resp)))
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		_, _ = cmd.OutOrStdout().Write(resp)
		return resp, true, nil
	}
	return resp, false, nil
}

func httpPost(client *http.Client, url string, token string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}
