package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/campaigns"
)

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Manage campaigns and their leads",
}

var campaignsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodPost, "/campaigns", map[string]string{"name": args[0]})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, data)
			return nil
		}
		var c campaign.Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		fmt.Fprintf(out, "Campaign created: %d (%s)\n", c.ID, c.Name)
		return nil
	},
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodGet, "/campaigns", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, data)
			return nil
		}
		var list []campaign.Campaign
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No campaigns")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS")
		for _, c := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID, c.Name, c.Status)
		}
		return w.Flush()
	},
}

var campaignsStatusCmd = &cobra.Command{
	Use:   "status <campaign-id>",
	Short: "Show a campaign summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodGet, "/campaigns/"+args[0]+"/status", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, data)
			return nil
		}
		var v campaigns.StatusView
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Campaign\t%d %s\n", v.CampaignID, v.Name)
		fmt.Fprintf(w, "Status\t%s\n", v.Status)
		fmt.Fprintf(w, "Leads\t%d total, %d pending, %d sent, %d accepted, %d failed\n", v.Total, v.Pending, v.Sent, v.Accepted, v.Failed)
		fmt.Fprintf(w, "Messages\t%d drafted, %d needed\n", v.WithMessages, v.NeedingMessages)
		if v.ActiveJobID != "" {
			fmt.Fprintf(w, "Active job\t%s\n", v.ActiveJobID)
		}
		if v.MessageBatchesQueued > 0 {
			fmt.Fprintf(w, "Queued\t%d message batches\n", v.MessageBatchesQueued)
		}
		return w.Flush()
	},
}

var campaignsImportCmd = &cobra.Command{
	Use:   "import <campaign-id> <file|->",
	Short: "Import leads, one per line: profile_url[,full_name,title,company]",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		leads, err := readLeads(r)
		if err != nil {
			return err
		}
		data, err := apiRequest(http.MethodPost, "/campaigns/"+args[0]+"/leads", map[string]any{"leads": leads})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, data)
			return nil
		}
		var res campaigns.ImportResult
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		fmt.Fprintf(out, "Imported %d leads, %d duplicates, %d invalid\n", res.Inserted, res.Duplicates, len(res.Invalid))
		for _, u := range res.Invalid {
			fmt.Fprintf(out, "  invalid: %s\n", u)
		}
		return nil
	},
}

var campaignsAcceptanceCmd = &cobra.Command{
	Use:   "check-acceptance <campaign-id>",
	Short: "Queue a check for accepted invitations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodPost, "/campaigns/"+args[0]+"/acceptance-check", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, data)
			return nil
		}
		var res struct {
			Remaining int `json:"remaining"`
			Limit     int `json:"limit"`
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		fmt.Fprintf(out, "Acceptance check queued (%d of %d checks left today)\n", res.Remaining, res.Limit)
		return nil
	},
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Warm the cache for every campaign",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodPost, "/session/prefetch", nil)
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), data)
		return nil
	},
}

func init() {
	campaignsCmd.AddCommand(campaignsCreateCmd, campaignsListCmd, campaignsStatusCmd, campaignsImportCmd, campaignsAcceptanceCmd)
}

// readLeads parses comma separated lead lines. Blank lines and lines
// starting with # are skipped.
func readLeads(r io.Reader) ([]campaigns.LeadInput, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	var out []campaigns.LeadInput
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read leads: %w", err)
		}
		field := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if field(0) == "" || strings.EqualFold(field(0), "profile_url") {
			continue
		}
		out = append(out, campaigns.LeadInput{
			ProfileURL: field(0),
			FullName:   field(1),
			Title:      field(2),
			Company:    field(3),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("no leads in input")
	}
	return out, nil
}
