// Package export 将账本导出为 CSV 与 JSON 快照，并可上传到 S3 兼容的对象存储。
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// Columns 是 CSV 导出的列顺序。
var Columns = []string{
	"seq", "timestamp", "run_id", "type", "verdict", "hash_config", "hash_code",
	"entry_hash", "prev_hash", "operator", "blinding_event",
}

// BlindingEvent 描述条目在导出时的揭盲状态：
// 揭盲前已封存为 "sealed:<commitment>"，揭盲后为 "revealed:<时间>"，未封存为空。
func BlindingEvent(v domain.LedgerView, state domain.LedgerState) string {
	if v.VerdictCommitment == "" {
		return ""
	}
	if state.Revealed && state.RevealedAt != nil {
		return "revealed:" + state.RevealedAt.UTC().Format(time.RFC3339)
	}
	return "sealed:" + v.VerdictCommitment
}

// WriteCSV 按 Columns 的顺序写出账本视图。视图中的结论已按揭盲状态处理。
func WriteCSV(w io.Writer, views []domain.LedgerView, state domain.LedgerState) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, v := range views {
		row := []string{
			strconv.FormatUint(v.Seq, 10),
			v.Timestamp.UTC().Format(time.RFC3339Nano),
			v.RunID,
			string(v.Type),
			v.Verdict,
			v.HashConfig,
			v.HashCode,
			v.EntryHash,
			v.PrevHash,
			v.Operator,
			BlindingEvent(v, state),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Snapshot 是 JSON 格式的账本快照。
type Snapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Operator    string              `json:"operator"`
	State       domain.LedgerState  `json:"state"`
	Head        string              `json:"head"`
	Entries     []domain.LedgerView `json:"entries"`
}

// NewSnapshot 根据账本视图构造快照，Head 为最后一个条目的哈希。
func NewSnapshot(operator string, views []domain.LedgerView, state domain.LedgerState) Snapshot {
	head := domain.GenesisHash
	if n := len(views); n > 0 {
		head = views[n-1].EntryHash
	}
	if views == nil {
		views = []domain.LedgerView{}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Operator:    operator,
		State:       state,
		Head:        head,
		Entries:     views,
	}
}

// ObjectPutter 是导出所需的对象上传能力，*minio.Client 满足该接口。
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Result 描述一次导出写入的对象。
type Result struct {
	Bucket  string `json:"bucket"`
	CSVKey  string `json:"csv_key"`
	JSONKey string `json:"json_key"`
	Entries int    `json:"entries"`
	Head    string `json:"head"`
}

// Exporter 负责把账本上传到对象存储。
type Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// NewMinioExporter 创建 MinIO 客户端并确保目标存储桶存在。
// 参数：
//   - ctx: 上下文，用于存储桶检查
//   - cfg: 导出配置，Endpoint 为空时返回 ErrExportUnavailable
//   - logger: 日志记录器
//
// 返回值：
//   - *Exporter: 导出器
//   - error: 客户端创建或存储桶检查失败
func NewMinioExporter(ctx context.Context, cfg config.ExportConfig, logger *logrus.Logger) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, domain.ErrExportUnavailable
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.WithField("bucket", cfg.Bucket).Info("Export bucket created")
	}
	return NewExporter(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewExporter 使用给定的上传客户端创建导出器。
func NewExporter(client ObjectPutter, bucket, prefix string, logger *logrus.Logger) *Exporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{client: client, bucket: bucket, prefix: prefix, logger: logger, now: time.Now}
}

// Export 上传 CSV 与 JSON 快照，两个对象共享同一时间戳前缀。
func (e *Exporter) Export(ctx context.Context, operator string, views []domain.LedgerView, state domain.LedgerState) (*Result, error) {
	if e == nil || e.client == nil {
		return nil, domain.ErrExportUnavailable
	}

	var csvBuf bytes.Buffer
	if err := WriteCSV(&csvBuf, views, state); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	snapshot := NewSnapshot(operator, views, state)
	jsonData, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render snapshot: %w", err)
	}

	stamp := e.now().UTC().Format("20060102T150405Z")
	res := &Result{
		Bucket:  e.bucket,
		CSVKey:  e.prefix + "ledger-" + stamp + ".csv",
		JSONKey: e.prefix + "ledger-" + stamp + ".json",
		Entries: len(views),
		Head:    snapshot.Head,
	}

	if err := e.put(ctx, res.CSVKey, csvBuf.Bytes(), "text/csv"); err != nil {
		return nil, err
	}
	if err := e.put(ctx, res.JSONKey, jsonData, "application/json"); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"bucket":  res.Bucket,
		"csv":     res.CSVKey,
		"entries": res.Entries,
	}).Info("Ledger exported")
	return res, nil
}

func (e *Exporter) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := e.client.PutObject(ctx, e.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
