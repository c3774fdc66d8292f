package rulefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haolipeng/conn_matchlist/pkg/matchlist"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Loader 负责加载规则文件并把规则预置到名单中
type Loader struct {
	files map[string]*RuleFile // key为规则文件ID
}

func NewLoader() *Loader {
	return &Loader{
		files: make(map[string]*RuleFile),
	}
}

// LoadFile 从文件加载规则
func (l *Loader) LoadFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取规则文件失败: %w", err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析YAML失败: %w", err)
	}
	if file.List == "" {
		return fmt.Errorf("规则文件 %s 缺少目标名单", filePath)
	}
	if file.FileID == "" {
		file.FileID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	if _, exists := l.files[file.FileID]; exists {
		return fmt.Errorf("规则文件ID %s 重复", file.FileID)
	}

	l.files[file.FileID] = &file
	return nil
}

// LoadDirectory 从目录加载所有 .yaml/.yml 规则文件
func (l *Loader) LoadDirectory(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("读取目录失败: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := l.LoadFile(filepath.Join(dirPath, entry.Name())); err != nil {
			return fmt.Errorf("加载规则文件 %s 失败: %w", entry.Name(), err)
		}
	}
	return nil
}

func (l *Loader) GetFile(fileID string) (*RuleFile, bool) {
	file, exists := l.files[fileID]
	return file, exists
}

// GetAllFiles 按文件ID排序返回所有规则文件
func (l *Loader) GetAllFiles() []*RuleFile {
	files := make([]*RuleFile, 0, len(l.files))
	for _, f := range l.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileID < files[j].FileID })
	return files
}

// Apply 将启用的规则文件合并到对应名单，返回每个名单新增的规则数。
// 目标名单不存在的文件被跳过，无效的规则条目被忽略。
func (l *Loader) Apply(lists map[string]*matchlist.MatchList) map[string]int {
	added := make(map[string]int)
	for _, file := range l.GetAllFiles() {
		log := logrus.WithFields(logrus.Fields{
			"file_id": file.FileID,
			"list":    file.List,
		})
		if !file.Enabled() {
			log.Debug("规则文件未启用，跳过")
			continue
		}
		m, ok := lists[file.List]
		if !ok {
			log.Warn("规则文件的目标名单不存在")
			continue
		}

		// 先收集到临时名单，每个文件只合并一次
		scratch := m.Scratch()
		for _, entry := range file.Rules {
			tp, _, err := matchlist.ParseRuleType(entry.Type)
			if err != nil {
				log.WithField("rule_type", entry.Type).Warn("无效的规则类型")
				continue
			}
			scratch.AddRule(tp, entry.Value)
		}
		n := m.AddRules(scratch)
		if n > 0 {
			added[file.List] += n
		}
		log.WithField("added", n).Info("规则文件已应用")
	}
	return added
}
