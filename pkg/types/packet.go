package types

import "github.com/haolipeng/gopacket/layers"

// Packet 表示处理流水线中传递的数据包
type Packet struct {
	ID        string
	Timestamp int64
	RawData   []byte
	LinkType  layers.LinkType
	LastError error

	Conn         *Connection // 协议解析得到的连接记录
	MatchedLists []string    // 命中的名单
}

// Stage 表示处理阶段
type Stage int

const (
	StageProtocolParsing Stage = iota + 1 //协议解析
	StageClassification                   //名单匹配
)
