// Package domain 提供主机名的规范化与二级域名计算
package domain

import (
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Clean 规范化域名：去除首尾空白和末尾的点，转为小写。
// 国际化域名转换为punycode形式，转换失败时保留小写原文。
func Clean(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimRight(host, ".")
	if host == "" {
		return ""
	}

	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return ascii
	}
	return strings.ToLower(host)
}

// SecondLevel 返回可注册的二级域名，例如 sub.example.com -> example.com，
// sub.example.co.uk -> example.co.uk。
// 无法计算时（IP地址、单标签主机名、公共后缀本身）返回输入本身。
func SecondLevel(host string) string {
	if host == "" {
		return host
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}

	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return lastLabels(host, 2)
	}
	return root
}

// lastLabels 取域名最后n个标签
func lastLabels(host string, n int) string {
	labels := strings.Split(host, ".")
	if len(labels) <= n {
		return host
	}
	return strings.Join(labels[len(labels)-n:], ".")
}
