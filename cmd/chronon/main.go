// Package main 是 chronon 服务的入口点。
// chronon 负责启动分析子进程、实时转发其输出，并维护结论在揭盲前不可见的运行账本。
package main

import (
	"os"

	"github.com/oriys/chronon/cmd/chronon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
