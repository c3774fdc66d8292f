package matchlist

// Exemptions 判断应用是否临时豁免
type Exemptions interface {
	ContainsApp(uid int) bool
}

// ListDescriptor 外部过滤引擎加载的名单描述，不包含协议和国家规则
type ListDescriptor struct {
	Apps  []string `json:"apps"` // 十进制UID
	Hosts []string `json:"hosts"`
	IPs   []string `json:"ips"`
}
