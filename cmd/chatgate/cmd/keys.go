package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/chatgate/internal/auth"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

var (
	keyPermissions []string
	keyRateLimit   int
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys in the key file",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate NAME",
	Short: "Create a key and append it to the key file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keysFilePath()
		file, err := auth.ReadKeyFile(path)
		if err != nil {
			return err
		}

		key, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		file.Keys = append(file.Keys, auth.KeyEntry{
			Key:         key,
			Name:        args[0],
			Permissions: keyPermissions,
			RateLimit:   keyRateLimit,
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
		})
		if err := auth.WriteKeyFile(path, file); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Key %q written to %s\n", args[0], path)
		fmt.Println(key)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys in the key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		authenticator := auth.NewAuthenticator(nil)
		if _, err := authenticator.LoadKeysFile(keysFilePath()); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKEY\tPERMISSIONS\tRATE LIMIT\tACTIVE")
		for _, info := range authenticator.List() {
			fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%t\n", info.Name, info.MaskedKey, info.Permissions, info.RateLimit, info.IsActive)
		}
		return w.Flush()
	},
}

func keysFilePath() string {
	if cfg.Auth.KeysFile != "" {
		return cfg.Auth.KeysFile
	}
	return storage.NewPathManager().KeysFilePath()
}

func init() {
	keysGenerateCmd.Flags().StringSliceVar(&keyPermissions, "permissions", []string{auth.PermissionChat, auth.PermissionRead}, "Permissions to grant (chat, read, admin)")
	keysGenerateCmd.Flags().IntVar(&keyRateLimit, "rate-limit", auth.DefaultRateLimit, "Requests per rate window")
	keysCmd.AddCommand(keysGenerateCmd, keysListCmd)
	rootCmd.AddCommand(keysCmd)
}
