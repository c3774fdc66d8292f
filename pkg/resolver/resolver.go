// Package resolver 在稳定的应用包名与运行时数字UID之间进行转换
package resolver

// UIDNoFilter 表示包名无法解析为UID
const UIDNoFilter = -1

// 查询应用描述时的标志位
const (
	FlagNone        = 0
	FlagSkipSystem  = 1 << 0 // 跳过系统应用
	FlagSkipVirtual = 1 << 1 // 跳过虚拟应用（root、未知等）
)

// AppDescriptor 描述一个已安装的应用
type AppDescriptor struct {
	UID         int    `yaml:"uid" json:"uid"`
	PackageName string `yaml:"package" json:"package"`
	Name        string `yaml:"name" json:"name"`
	System      bool   `yaml:"system" json:"system"`
	Virtual     bool   `yaml:"virtual" json:"virtual"`
}

// AppResolver 应用标识解析接口
type AppResolver interface {
	// Get 根据UID查询应用描述
	Get(uid int, flags int) (*AppDescriptor, bool)
	// GetUID 根据包名查询UID，失败时返回 UIDNoFilter
	GetUID(packageName string) int
}
