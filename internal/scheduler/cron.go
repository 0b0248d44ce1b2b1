package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronManager 管理协调器的周期性维护任务（例如运行记录清理）。
type CronManager struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID // 任务名 -> cron 条目 ID
}

// NewCronManager 创建支持秒级表达式的 CronManager。
func NewCronManager(logger *logrus.Logger) *CronManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CronManager{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DiscardLogger))),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// AddJob 注册（或替换）一个命名任务。
// 参数：
//   - name: 任务名，重复注册会替换旧任务
//   - spec: 六段式 cron 表达式（含秒）
//   - job: 任务函数
//
// 返回值：
//   - error: 表达式非法
func (cm *CronManager) AddJob(name, spec string, job func()) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
	}
	entryID, err := cm.cron.AddFunc(spec, func() {
		cm.logger.WithField("job", name).Debug("Running scheduled job")
		job()
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	cm.entries[name] = entryID
	return nil
}

// RemoveJob 移除命名任务。
func (cm *CronManager) RemoveJob(name string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
	}
}

// Jobs 返回已注册任务数。
func (cm *CronManager) Jobs() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.entries)
}

// Start 启动调度器。
func (cm *CronManager) Start() {
	cm.cron.Start()
	cm.logger.WithField("jobs", cm.Jobs()).Info("Cron manager started")
}

// Stop 停止调度器并等待正在执行的任务结束。
func (cm *CronManager) Stop() {
	<-cm.cron.Stop().Done()
	cm.logger.Info("Cron manager stopped")
}
