package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/domain"
	"github.com/spf13/cobra"
)

var (
	commitArgs     string
	commitArgsFile string
	commitOutput   string
)

var commitCmd = &cobra.Command{
	Use:   "commit <type>",
	Short: "Compute hash_config and hash_code for a run configuration",
	Long: `按服务端相同的方式计算承诺摘要，可用于在启动运行前后独立核对账本中的哈希。
代码版本取自配置中的 ledger.code_dir 或 ledger.code_version。

使用示例:
  chronon commit simulate --args '{"eps": 0.1}'
  chronon commit analyze --args-file params.json -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runCommit,
}

func init() {
	rootCmd.AddCommand(commitCmd)
	commitCmd.Flags().StringVar(&commitArgs, "args", "{}", "运行参数（JSON 对象）")
	commitCmd.Flags().StringVar(&commitArgsFile, "args-file", "", "从文件读取运行参数，- 表示标准输入")
	commitCmd.Flags().StringVarP(&commitOutput, "output", "o", "table", "输出格式（table、json、yaml）")
}

func runCommit(cmd *cobra.Command, args []string) error {
	runType, err := domain.ParseRunType(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw := []byte(commitArgs)
	if commitArgsFile != "" {
		raw, err = readArgsFile(cmd.InOrStdin(), commitArgsFile)
		if err != nil {
			return err
		}
	}

	committer := commit.NewCommitter(commit.Options{
		Version:    cfg.Ledger.CodeVersion,
		CodeDir:    cfg.Ledger.CodeDir,
		Extensions: cfg.Ledger.CodeExtensions,
	})
	c, err := committer.Commit(runType, json.RawMessage(raw))
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout(), commitOutput).PrintCommitment(string(runType), c)
}

func readArgsFile(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read args file: %w", err)
	}
	return data, nil
}
