package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "IntelMarket-Chain/internal/errors"
)

// CodeSensorUnavailable 表示读数来源暂时不可用。
const CodeSensorUnavailable xerrors.Code = "SENSOR_UNAVAILABLE"

func init() {
	xerrors.Register(CodeSensorUnavailable, xerrors.Attributes{
		Message:  "sensor source unavailable",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Source 返回一次读数快照，键为读数名称。
type Source interface {
	Snapshot(ctx context.Context) (map[string]string, error)
}

// StaticSource 提供固定读数，通常从 JSON 文件加载。
type StaticSource struct {
	readings map[string]string
}

// NewStaticSource 创建静态读数来源，入参会被复制。
func NewStaticSource(readings map[string]string) *StaticSource {
	clone := make(map[string]string, len(readings))
	for k, v := range readings {
		clone[k] = v
	}
	return &StaticSource{readings: clone}
}

// LoadStaticSource 从 JSON 对象文件加载读数，值统一转为字符串。
func LoadStaticSource(path string) (*StaticSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("读数文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析读数文件路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取读数文件失败: %w", err)
	}
	defer file.Close()

	var raw map[string]any
	if err := json.NewDecoder(file).Decode(&raw); err != nil {
		return nil, fmt.Errorf("解析读数文件失败: %w", err)
	}

	readings := make(map[string]string, len(raw))
	for k, v := range raw {
		switch value := v.(type) {
		case string:
			readings[k] = value
		default:
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("读数 %s 无法编码: %w", k, err)
			}
			readings[k] = string(encoded)
		}
	}
	return NewStaticSource(readings), nil
}

// Snapshot 实现 Source。
func (s *StaticSource) Snapshot(context.Context) (map[string]string, error) {
	if s == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(s.readings))
	for k, v := range s.readings {
		out[k] = v
	}
	return out, nil
}

// FuncSource 允许使用普通函数实现 Source。
type FuncSource func(ctx context.Context) (map[string]string, error)

// Snapshot 实现 Source。
func (f FuncSource) Snapshot(ctx context.Context) (map[string]string, error) {
	return f(ctx)
}

// Combine 依次读取多个来源并合并结果，后面的来源覆盖同名读数。
// 任一来源失败则整体失败。
func Combine(sources ...Source) Source {
	return FuncSource(func(ctx context.Context) (map[string]string, error) {
		merged := make(map[string]string)
		for _, src := range sources {
			if src == nil {
				continue
			}
			readings, err := src.Snapshot(ctx)
			if err != nil {
				if _, ok := xerrors.From(err); ok {
					return nil, err
				}
				return nil, xerrors.Wrap(CodeSensorUnavailable, err, "")
			}
			for k, v := range readings {
				merged[k] = v
			}
		}
		return merged, nil
	})
}

// Keys 返回排序后的读数名称，便于生成稳定的输出。
func Keys(readings map[string]string) []string {
	keys := make([]string, 0, len(readings))
	for k := range readings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ Source = (*StaticSource)(nil)
	_ Source = FuncSource(nil)
)
