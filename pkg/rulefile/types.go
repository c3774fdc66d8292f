package rulefile

const (
	StateEnable  = "enable"
	StateDisable = "disable"
)

// RuleFile 规则文件，向指定名单预置一组规则
type RuleFile struct {
	FileID      string      `yaml:"file_id"`     // 规则文件ID，缺省为文件名
	State       string      `yaml:"state"`       // enable/disable，缺省为 enable
	List        string      `yaml:"list"`        // 目标名单名称
	Description string      `yaml:"description"` // 描述
	Rules       []RuleEntry `yaml:"rules"`
}

// RuleEntry 单条规则，type 取值与名单持久化格式一致
type RuleEntry struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// Enabled 判断规则文件是否启用
func (f *RuleFile) Enabled() bool {
	return f.State == "" || f.State == StateEnable
}
