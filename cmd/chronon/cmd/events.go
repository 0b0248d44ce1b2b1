package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/chronon/internal/events"
	"github.com/spf13/cobra"
)

var (
	eventsFilter string
	eventsOutput string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow lifecycle events published to NATS",
	Long: `订阅 JetStream 中的运行与账本事件并逐条打印，按 Ctrl+C 退出。
只接收订阅之后发布的事件。

使用示例:
  # 所有事件
  chronon events

  # 只看某个运行
  chronon events --filter 'run.<run_id>.>'

  # 只看账本事件
  chronon events --filter 'ledger.>' -o json`,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsFilter, "filter", ">", "subject 后缀过滤（支持 NATS 通配符）")
	eventsCmd.Flags().StringVarP(&eventsOutput, "output", "o", "table", "输出格式（table、json、yaml）")
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Events.NatsURL == "" {
		printErr("events.nats_url is not configured")
		return errors.New("event bus not configured")
	}
	logger := newLogger(cfg.Logging)

	bus, err := events.NewEventBus(cfg.Events.NatsURL, cfg.Events.Stream, "chronon-cli", logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := NewPrinter(cmd.OutOrStdout(), eventsOutput)
	if err := bus.Subscribe(ctx, eventsFilter, printer.PrintEvent); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
