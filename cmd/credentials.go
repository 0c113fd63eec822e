package cmd

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-dl/credential"
)

type secretStore interface {
	Set(key, value string) error
	Delete(key string) error
}

var openStore = func(stateDir string) (secretStore, error) {
	return credential.Open(filepath.Join(stateDir, "keyring"))
}

// NewCredentialsCommand returns the `credentials` command group.
func NewCredentialsCommand() *cobra.Command {
	credsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage secrets in the OS keyring",
		Long: "Secrets are stored under graph/<client-id> or imap/<user>@<host> and are used " +
			"when no secret is given as flag or environment variable.",
	}
	credsCmd.AddCommand(newCredentialsSetCommand(), newCredentialsDeleteCommand())
	return credsCmd
}

func newCredentialsSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key]",
		Short: "Store a secret read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			store, err := storeFor(cmd)
			if err != nil {
				return err
			}
			if err := store.Set(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
}

func newCredentialsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [key]",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storeFor(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func storeFor(cmd *cobra.Command) (secretStore, error) {
	stateDir, err := cmd.Flags().GetString("state-dir")
	if err != nil {
		return nil, err
	}
	return openStore(stateDir)
}

// readSecret takes the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}
