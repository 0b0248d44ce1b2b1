package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/chronon/internal/ledger"
	"github.com/oriys/chronon/internal/storage"
	"github.com/spf13/cobra"
)

// errLedgerInvalid 使 verify 命令以非零状态退出
var errLedgerInvalid = errors.New("ledger verification failed")

var verifyOutput string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the persisted ledger hash chain",
	Long: `从 PostgreSQL 读取账本，重新计算哈希链；账本已揭盲时同时校验每条结论承诺。
校验失败时以非零状态退出。

使用示例:
  chronon verify --config /etc/chronon/config.yaml
  chronon verify -o json`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVarP(&verifyOutput, "output", "o", "table", "输出格式（table、json、yaml）")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Storage.Postgres.Enabled {
		printErr("storage.postgres is not enabled, nothing to verify")
		return errors.New("ledger store not configured")
	}
	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, state, err := store.LoadLedger(ctx)
	if err != nil {
		return err
	}
	report := ledger.VerifyEntries(entries, state.Revealed)
	if err := NewPrinter(cmd.OutOrStdout(), verifyOutput).PrintReport(report); err != nil {
		return err
	}
	if !report.Valid {
		return errLedgerInvalid
	}
	return nil
}
