package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chanisolator/internal/store"
)

var isolateAlias string

func init() {
	rootCmd.AddCommand(isolateCmd)
	rootCmd.AddCommand(stopCmd)
	isolateCmd.Flags().StringVar(&isolateAlias, "alias", "", "Human-readable channel alias")
}

var isolateCmd = &cobra.Command{
	Use:   "isolate <channel-id>",
	Short: "Start isolating a channel",
	Long: "Opens an isolation session for the channel. While isolated, HTLCs toward\n" +
		"the channel are failed unless their source is on the exception list.",
	Args: cobra.ExactArgs(1),
	RunE: runIsolate,
}

var stopCmd = &cobra.Command{
	Use:   "stop <channel-id>",
	Short: "Stop isolating a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func runIsolate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, existing, err := st.StartIsolation(args[0], isolateAlias)
	if err != nil {
		return err
	}
	if existing {
		fmt.Printf("channel %s is already isolated (session %d)\n", args[0], id)
		return nil
	}
	fmt.Printf("started isolating channel %s (session %d)\n", args[0], id)
	if isolateAlias != "" {
		fmt.Printf("alias: %s\n", isolateAlias)
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.StopIsolation(args[0])
	if errors.Is(err, store.ErrNotIsolated) {
		fmt.Printf("channel %s is not currently isolated\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("stopped isolating channel %s (session %d)\n", args[0], id)
	return nil
}
