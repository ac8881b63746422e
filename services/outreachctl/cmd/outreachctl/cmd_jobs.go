package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/pkg/model"
)

var (
	startMessage string
	listLimit    int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Start, control and watch invite jobs",
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <campaign-id>",
	Short: "Queue an invite job for a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("campaign id: %w", err)
		}
		data, err := apiRequest(http.MethodPost, "/jobs", map[string]any{
			"campaign_id":    id,
			"custom_message": startMessage,
		})
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), data)
	},
}

// jobAction builds pause, resume, cancel and get.
func jobAction(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(method, "/jobs/"+args[0]+suffix, nil)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), data)
		},
	}
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodGet, "/jobs?limit="+strconv.Itoa(listLimit), nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, data)
			return nil
		}
		var jobs []campaign.Job
		if err := json.Unmarshal(data, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCAMPAIGN\tSTATUS\tPROGRESS\tPROCESSED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d%%\t%d/%d\n", j.ID, j.CampaignID, j.Status, j.Progress, j.ProcessedLeads, j.TotalLeads)
		}
		return w.Flush()
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := newRequest(http.MethodGet, "/jobs/"+args[0]+"/stream", nil)
		if err != nil {
			return err
		}
		req = req.WithContext(cmd.Context())
		req.Header.Set("Accept", "text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			e := &apiError{Status: resp.StatusCode}
			if json.Unmarshal(body, e) != nil || e.Message == "" {
				e.Message = strings.TrimSpace(string(body))
			}
			return e
		}
		return followEvents(cmd.OutOrStdout(), resp.Body)
	},
}

func init() {
	jobsStartCmd.Flags().StringVar(&startMessage, "message", "", "Invite note template for every lead")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum jobs to list")

	jobsCmd.AddCommand(
		jobsStartCmd,
		jobAction("pause", "Pause a processing job", http.MethodPost, "/pause"),
		jobAction("resume", "Resume a paused job", http.MethodPost, "/resume"),
		jobAction("cancel", "Cancel a job", http.MethodPost, "/cancel"),
		jobAction("get", "Show a job", http.MethodGet, ""),
		jobsListCmd,
		jobsWatchCmd,
	)
}

func printJob(out io.Writer, data []byte) error {
	if outputJSON {
		printJSON(out, data)
		return nil
	}
	var j campaign.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	fmt.Fprintf(out, "Job %s: %s (%d/%d leads, %d%%)\n", j.ID, j.Status, j.ProcessedLeads, j.TotalLeads, j.Progress)
	if j.ErrorMessage != "" {
		fmt.Fprintf(out, "  %s\n", j.ErrorMessage)
	}
	return nil
}

// followEvents prints one line per server-sent event and returns after a
// complete or error event. An error event is returned as an error.
func followEvents(out io.Writer, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if outputJSON {
			fmt.Fprintln(out, raw)
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if !outputJSON {
			fmt.Fprintln(out, describe(ev))
		}
		switch ev.Type {
		case model.EventComplete:
			return nil
		case model.EventError:
			return fmt.Errorf("job %s: %s", ev.JobID, ev.Message)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func describe(ev model.Event) string {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case model.EventStatus, model.EventProgress, model.EventComplete:
		s := fmt.Sprintf("%s %-13s %s", ts, ev.Type, ev.Status)
		if ev.Processed != nil && ev.Total != nil {
			s += fmt.Sprintf(" %d/%d", *ev.Processed, *ev.Total)
		}
		if ev.Message != "" {
			s += " " + ev.Message
		}
		return s
	case model.EventBatchDelay:
		return fmt.Sprintf("%s %-13s next batch in %ds", ts, ev.Type, ev.DelayMs/1000)
	case model.EventLimitReached:
		s := fmt.Sprintf("%s %-13s", ts, ev.Type)
		if ev.ResetsAt != nil {
			s += " resets " + ev.ResetsAt.Format("2006-01-02 15:04 MST")
		}
		return s
	default:
		return fmt.Sprintf("%s %-13s %s", ts, ev.Type, ev.Message)
	}
}
