// Package commands – keyring.go stores the sandbox provider credential in
// the OS keyring so it never sits in the config file.
package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/shellgate/pkg/shellgate/gate"
)

// newKeyringCmd creates the `shellgate keyring` command group.
func newKeyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage credentials in the OS keyring",
	}
	cmd.AddCommand(newKeyringSetCmd(), newKeyringDeleteCmd(), newKeyringStatusCmd())
	return cmd
}

func newKeyringSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Store the sandbox provider API key",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Print("Sandbox provider API key: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			key := strings.TrimSpace(string(raw))
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := gate.StoreKeyring(gate.KeyringSandboxAPIKey, key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}
			fmt.Println("Key stored in the OS keyring.")
			return nil
		},
	}
}

func newKeyringDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the sandbox provider API key",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := gate.DeleteKeyring(gate.KeyringSandboxAPIKey); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			fmt.Println("Key removed.")
			return nil
		},
	}
}

func newKeyringStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check keyring availability",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !gate.KeyringAvailable() {
				fmt.Println("OS keyring is not available; the key will be read from SHELLGATE_SANDBOX_API_KEY.")
				return nil
			}
			if gate.GetKeyring(gate.KeyringSandboxAPIKey) != "" {
				fmt.Println("OS keyring available; sandbox API key is set.")
			} else {
				fmt.Println("OS keyring available; no sandbox API key stored.")
			}
			return nil
		},
	}
}
