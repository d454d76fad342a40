package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/session"
	"github.com/abdul-hamid-achik/testhub/packages/hub"
	"github.com/abdul-hamid-achik/testhub/packages/sse"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "List the runners connected to a hub",
	Long: `Ask a running hub for its runner sessions.

Examples:
  testhub runners
  testhub runners --url http://ci-box:7357 --json
  testhub runners --follow`,
	Args: cobra.NoArgs,
	RunE: runRunners,
}

var (
	hubURLFlag        string
	runnersJSONFlag   bool
	runnersFollowFlag bool
)

func init() {
	runnersCmd.Flags().StringVar(&hubURLFlag, "url", getEnvString("TESTHUB_URL", "http://localhost:7357"), "Hub base URL (env: TESTHUB_URL)")
	runnersCmd.Flags().BoolVar(&runnersJSONFlag, "json", false, "Print the raw JSON response")
	runnersCmd.Flags().BoolVarP(&runnersFollowFlag, "follow", "f", false, "Stream runner and result events until interrupted")
}

type runnersResponse struct {
	Runners []session.Info `json:"runners"`
}

func runRunners(cmd *cobra.Command, _ []string) error {
	if runnersFollowFlag {
		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followEvents(ctx, hubURLFlag, cmd.OutOrStdout(), runnersJSONFlag)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()

	body, err := fetchRunners(ctx, hubURLFlag)
	if err != nil {
		return exitWith(ExitNetworkError, err)
	}
	if runnersJSONFlag {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}

	var resp runnersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exitWith(ExitNetworkError, fmt.Errorf("unexpected response: %w", err))
	}
	printRunners(cmd.OutOrStdout(), resp.Runners)
	return nil
}

func fetchRunners(ctx context.Context, base string) ([]byte, error) {
	url := strings.TrimRight(base, "/") + "/api/runners"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
	return body, nil
}

func printRunners(w io.Writer, runners []session.Info) {
	if len(runners) == 0 {
		fmt.Fprintln(w, "No runners connected.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tSTATE\tPASSED\tFAILED\tCONNECTED")
	for _, r := range runners {
		id := r.ID
		if r.ExplicitID != "" {
			id = r.ExplicitID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			id, r.Label, r.State, r.Passed, r.Total, r.Failed, r.CreatedAt.Format(time.Kitchen))
	}
	_ = tw.Flush()
}

// followEvents prints the hub's event stream until ctx ends or the hub goes
// away. With raw set each event's JSON is printed as is.
func followEvents(ctx context.Context, base string, w io.Writer, raw bool) error {
	url := strings.TrimRight(base, "/") + "/api/events"
	err := sse.NewClient(url).Subscribe(ctx, func(ev sse.Event) bool {
		if raw {
			fmt.Fprintf(w, "%s %s\n", ev.Type, ev.Data)
			return true
		}
		if line := describeEvent(ev); line != "" {
			fmt.Fprintln(w, line)
		}
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitWith(ExitNetworkError, err)
	}
	return nil
}

func describeEvent(ev sse.Event) string {
	data := gjson.Parse(ev.Data)
	switch ev.Type {
	case hub.EventRunner:
		return fmt.Sprintf("runner  %s %s", data.Get("label").String(), data.Get("state").String())
	case hub.EventRunnerLeft:
		return fmt.Sprintf("runner  %s left", data.Get("label").String())
	case hub.EventRunStarted:
		return "run     " + data.Get("id").String() + " started"
	case hub.EventResult:
		status := "ok    "
		if !data.Get("passed").Bool() {
			status = "not ok"
		}
		line := fmt.Sprintf("%s  [%s] %s", status, data.Get("runner").String(), data.Get("name").String())
		if msg := data.Get("error.message").String(); msg != "" {
			line += ": " + msg
		}
		return line
	case hub.EventRunFinished:
		sum := data.Get("summary")
		verb := "finished"
		if data.Get("aborted").Bool() {
			verb = "aborted"
		}
		return fmt.Sprintf("run     %s %s: %d/%d passed", data.Get("id").String(), verb,
			sum.Get("passed").Int(), sum.Get("total").Int())
	}
	return ""
}
