package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chanisolator/internal/store"
)

var allowAlias string

func init() {
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(disallowCmd)
	allowCmd.Flags().StringVar(&allowAlias, "alias", "", "Alias for the permitted source channel")
}

var allowCmd = &cobra.Command{
	Use:   "allow <isolated-channel-id> <source-channel-id>",
	Short: "Permit a source channel to route through an isolated channel",
	Args:  cobra.ExactArgs(2),
	RunE:  runAllow,
}

var disallowCmd = &cobra.Command{
	Use:   "disallow <isolated-channel-id> <source-channel-id>",
	Short: "Revoke a source channel's permission on an isolated channel",
	Args:  cobra.ExactArgs(2),
	RunE:  runDisallow,
}

func runAllow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.AddException(args[0], args[1], allowAlias)
	if errors.Is(err, store.ErrNotIsolated) {
		fmt.Printf("channel %s is not currently isolated\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("added exception: %s can now route to %s\n", args[1], args[0])
	return nil
}

func runDisallow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.RemoveException(args[0], args[1])
	if errors.Is(err, store.ErrNotIsolated) {
		fmt.Printf("channel %s is not currently isolated\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("removed exception: %s can no longer route to %s\n", args[1], args[0])
	return nil
}
