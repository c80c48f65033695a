// Package commands – approvals.go lets an operator resolve pending approval
// requests interactively against a running daemon.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// newApprovalsCmd creates the `shellgate approvals` command.
func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review and resolve pending approval requests",
		Long: `List the daemon's pending approval requests and resolve them
interactively.

Examples:
  shellgate approvals
  shellgate approvals --approve <id> --by admin
  shellgate approvals --reject <id> --reason "not during release freeze"`,
		RunE: runApprovals,
	}

	cmd.Flags().String("gateway", "", "gateway address (default from config)")
	cmd.Flags().String("token", "", "gateway auth token")
	cmd.Flags().String("approve", "", "approve the request with this id")
	cmd.Flags().String("reject", "", "reject the request with this id")
	cmd.Flags().String("by", "cli", "approver identity for --approve")
	cmd.Flags().String("reason", "", "reason for --reject")
	return cmd
}

// approvalsClient is a minimal client over the daemon's approvals RPCs.
type approvalsClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *approvalsClient) call(method string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+"/rpc/"+method, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s (%s)", method, e.Message, e.Code)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runApprovals(cmd *cobra.Command, _ []string) error {
	cfg := resolveConfig(cmd)

	base, _ := cmd.Flags().GetString("gateway")
	if base == "" {
		base = "http://" + cfg.Gateway.Address
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Gateway.AuthToken
	}
	client := &approvalsClient{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}

	// Non-interactive resolution via flags.
	if id, _ := cmd.Flags().GetString("approve"); id != "" {
		by, _ := cmd.Flags().GetString("by")
		if err := client.call("approvals.approve", map[string]string{"id": id, "approved_by": by}, nil); err != nil {
			return err
		}
		fmt.Println("approved:", id)
		return nil
	}
	if id, _ := cmd.Flags().GetString("reject"); id != "" {
		reason, _ := cmd.Flags().GetString("reason")
		if err := client.call("approvals.reject", map[string]string{"id": id, "reason": reason}, nil); err != nil {
			return err
		}
		fmt.Println("rejected:", id)
		return nil
	}

	// Interactive mode.
	var pending struct {
		Requests []security.ApprovalRequest `json:"requests"`
		Count    int                        `json:"count"`
	}
	if err := client.call("approvals.pending", map[string]string{}, &pending); err != nil {
		return err
	}
	if pending.Count == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	options := make([]huh.Option[string], 0, len(pending.Requests))
	for _, r := range pending.Requests {
		label := fmt.Sprintf("[%s] %s — %s (expires %s)",
			r.Tier, truncate(r.Command, 60), r.Reason, r.ExpiresAt.Format("15:04:05"))
		options = append(options, huh.NewOption(label, r.ID))
	}

	var (
		selected string
		decision string
	)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Pending approvals (%d)", pending.Count)).
				Options(options...).
				Value(&selected),
			huh.NewSelect[string]().
				Title("Decision").
				Options(
					huh.NewOption("Approve", "approve"),
					huh.NewOption("Reject", "reject"),
					huh.NewOption("Skip", "skip"),
				).
				Value(&decision),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	switch decision {
	case "approve":
		by, _ := cmd.Flags().GetString("by")
		if err := client.call("approvals.approve", map[string]string{"id": selected, "approved_by": by}, nil); err != nil {
			return err
		}
		fmt.Println("approved:", selected)
	case "reject":
		if err := client.call("approvals.reject", map[string]string{"id": selected}, nil); err != nil {
			return err
		}
		fmt.Println("rejected:", selected)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
