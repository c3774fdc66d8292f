package processor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/haolipeng/conn_matchlist/pkg/geoip"
	"github.com/haolipeng/conn_matchlist/pkg/types"
	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
	"github.com/sirupsen/logrus"
)

var errNoNetworkLayer = errors.New("packet has no IP layer")

// 常见端口对应的应用层协议
var tcpPorts = map[uint16]string{
	21:   "FTP",
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	110:  "POP3",
	143:  "IMAP",
	443:  "TLS",
	853:  "DoT",
	993:  "IMAPS",
	995:  "POP3S",
	1883: "MQTT",
	8080: "HTTP",
}

var udpPorts = map[uint16]string{
	53:   "DNS",
	67:   "DHCP",
	68:   "DHCP",
	123:  "NTP",
	443:  "QUIC",
	5353: "MDNS",
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
}

// ConnParser 将原始数据包解析为连接记录
type ConnParser struct {
	workers int
	geo     geoip.CountryLookup
}

// NewConnParser 创建连接解析器，geo 为 nil 时不填充国家代码
func NewConnParser(workers int, geo geoip.CountryLookup) *ConnParser {
	if workers <= 0 {
		workers = 1
	}
	return &ConnParser{
		workers: workers,
		geo:     geo,
	}
}

func (p *ConnParser) Stage() types.Stage {
	return types.StageProtocolParsing
}

func (p *ConnParser) Name() string {
	return "ConnParser"
}

func (p *ConnParser) CheckReady() error {
	return nil
}

func (p *ConnParser) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	logrus.Debugf("Starting ConnParser with %d workers", p.workers)
	return runWorkers(ctx, p.Name(), p.workers, cap(in), in, wg, func(workerID int, packet *types.Packet) {
		if _, err := p.ParsePacket(packet); err != nil {
			logrus.WithFields(logrus.Fields{
				"worker":    workerID,
				"packet_id": packet.ID,
				"error":     err.Error(),
			}).Debug("数据包解析失败")
		}
	}), nil
}

// ParsePacket 解析数据包，结果写入 packet.Conn，失败时记录在 packet.LastError
func (p *ConnParser) ParsePacket(packet *types.Packet) (*types.Packet, error) {
	linkType := packet.LinkType
	if linkType == 0 && len(packet.RawData) > 0 {
		linkType = layers.LinkTypeEthernet
	}
	parsed := gopacket.NewPacket(packet.RawData, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	conn := &types.Connection{UID: types.UIDUnknown}
	var dstIP net.IP

	if ipLayer := parsed.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv4)
		conn.SrcIP = ip.SrcIP.String()
		conn.DstIP = ip.DstIP.String()
		conn.IPProto = ip.Protocol.String()
		dstIP = ip.DstIP
	} else if ipLayer := parsed.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv6)
		conn.SrcIP = ip.SrcIP.String()
		conn.DstIP = ip.DstIP.String()
		conn.IPProto = ip.NextHeader.String()
		dstIP = ip.DstIP
	} else {
		packet.LastError = errNoNetworkLayer
		return packet, errNoNetworkLayer
	}

	var payload []byte
	ports := udpPorts
	if tcpLayer := parsed.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		conn.IPProto = "TCP"
		conn.SrcPort = uint16(tcp.SrcPort)
		conn.DstPort = uint16(tcp.DstPort)
		payload = tcp.Payload
		ports = tcpPorts
	} else if udpLayer := parsed.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		conn.IPProto = "UDP"
		conn.SrcPort = uint16(udp.SrcPort)
		conn.DstPort = uint16(udp.DstPort)
	} else if parsed.Layer(layers.LayerTypeICMPv4) != nil || parsed.Layer(layers.LayerTypeICMPv6) != nil {
		conn.IPProto = "ICMP"
	}

	conn.L7Proto = guessProtocol(ports, conn)

	// 主机信息：DNS 查询名或 HTTP Host
	if dnsLayer := parsed.Layer(layers.LayerTypeDNS); dnsLayer != nil {
		dns, _ := dnsLayer.(*layers.DNS)
		conn.L7Proto = "DNS"
		if len(dns.Questions) > 0 {
			conn.Info = string(dns.Questions[0].Name)
		}
	} else if host, ok := httpHost(payload); ok {
		conn.L7Proto = "HTTP"
		conn.Info = host
	}

	if p.geo != nil {
		country, err := p.geo.LookupCountry(dstIP)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"dst_ip": conn.DstIP,
				"error":  err.Error(),
			}).Debug("国家代码查询失败")
		}
		conn.Country = country
	}

	packet.Conn = conn
	return packet, nil
}

// guessProtocol 先按目的端口、再按源端口查找协议
func guessProtocol(ports map[uint16]string, conn *types.Connection) string {
	if conn.DstPort != 0 || conn.SrcPort != 0 {
		if proto, ok := ports[conn.DstPort]; ok {
			return proto
		}
		if proto, ok := ports[conn.SrcPort]; ok {
			return proto
		}
	}
	return conn.IPProto
}

// httpHost 从HTTP请求头中提取 Host，去掉端口
func httpHost(payload []byte) (string, bool) {
	isRequest := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, m) {
			isRequest = true
			break
		}
	}
	if !isRequest {
		return "", false
	}

	end := bytes.Index(payload, []byte("\r\n\r\n"))
	if end < 0 {
		end = len(payload)
	}
	lines := strings.Split(string(payload[:end]), "\r\n")
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "host") {
			continue
		}
		host := strings.TrimSpace(value)
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return host, host != ""
	}
	return "", false
}
