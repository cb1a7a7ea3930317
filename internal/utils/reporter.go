package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/schollz/progressbar/v3"
)

// Reporter 批量报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{
		outputDir: outputDir,
	}
}

// GenerateBatchReport 生成批量采集报告,返回主报告路径
func (r *Reporter) GenerateBatchReport(summary *models.BatchSummary, config models.CollectConfig) (string, error) {
	reportsDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	report := models.NewBatchReport(summary, config)
	stamp := summary.StartTime.Format("20060102_150405")
	if summary.StartTime.IsZero() {
		stamp = time.Now().Format("20060102_150405")
	}

	// 保存主报告
	name := fmt.Sprintf("batch_%s_%s.json", stamp, shortID(summary.BatchID))
	if err := r.saveJSONReport(reportsDir, name, report); err != nil {
		return "", err
	}

	// 保存失败明细
	failed := make([]models.ItemResult, 0)
	for _, item := range summary.Items {
		if item.Error != "" {
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		failedName := fmt.Sprintf("batch_%s_%s_failed.json", stamp, shortID(summary.BatchID))
		if err := r.saveJSONReport(reportsDir, failedName, failed); err != nil {
			return "", err
		}
	}

	path := filepath.Join(reportsDir, name)
	Infof("✅ 报告已生成: %s", path)
	return path, nil
}

// saveJSONReport 保存JSON报告
func (r *Reporter) saveJSONReport(dir string, filename string, data interface{}) error {
	filepath := filepath.Join(dir, filename)

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	if err := os.WriteFile(filepath, jsonData, 0644); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", filepath)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NewProgressBar 创建进度条
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
