package types

// UIDUnknown 表示连接所属应用未知，不会命中任何APP规则
const UIDUnknown = -1

// Connection 表示一条待分类的网络连接记录
type Connection struct {
	UID     int    `json:"uid"` // 应用的数字标识
	SrcIP   string `json:"src_ip,omitempty"`
	DstIP   string `json:"dst_ip"` // 目的IP地址
	SrcPort uint16 `json:"src_port,omitempty"`
	DstPort uint16 `json:"dst_port,omitempty"`
	IPProto string `json:"ip_proto,omitempty"` // 传输层协议 TCP/UDP/ICMP
	L7Proto string `json:"l7proto"`            // 应用层协议名
	Country string `json:"country"`            // 目的IP所属国家代码
	Info    string `json:"info"`               // 主机信息（DNS查询名、HTTP Host等），可能为空
}

// HasInfo 判断连接是否携带主机信息
func (c *Connection) HasInfo() bool {
	return c.Info != ""
}
