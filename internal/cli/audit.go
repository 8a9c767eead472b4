package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chanisolator/internal/audit"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Decision log operations",
	Long:  "Commands for verifying the hash-chained decision log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of a decision log",
	Long: "Walks the JSONL decision log and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.\n" +
		"Defaults to the configured audit_log_path.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path := cfg.AuditLogPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no decision log path given and audit_log_path is not configured")
	}

	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}
