package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"sort"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// CountryLookup 根据IP查询国家代码
type CountryLookup interface {
	LookupCountry(ip net.IP) (string, error)
}

// Database 可在运行期重新加载的国家数据库
type Database interface {
	CountryLookup
	Reload() error
	Close() error
}

// Reader 基于 MaxMind 数据库的国家查询
type Reader struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	path   string
}

func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("GeoIP database not found at %s: %w", path, err)
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &Reader{reader: reader, path: path}, nil
}

// LookupCountry 返回 ISO 3166-1 两位国家代码，未找到时返回空字符串
func (r *Reader) LookupCountry(ip net.IP) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return "", fmt.Errorf("GeoIP database not loaded")
	}

	record, err := r.reader.Country(ip)
	if err != nil {
		return "", fmt.Errorf("lookup failed for %s: %w", ip, err)
	}
	return record.Country.IsoCode, nil
}

// Reload 重新打开数据库文件，失败时继续使用原数据库
func (r *Reader) Reload() error {
	reader, err := geoip2.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to reload GeoIP database: %w", err)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// StaticEntry 一条IP前缀到国家代码的映射
type StaticEntry struct {
	CIDR    string
	Country string
}

type staticPrefix struct {
	prefix  netip.Prefix
	country string
}

// StaticLookup 固定的IP前缀到国家代码映射，前缀重叠时最长前缀优先
type StaticLookup struct {
	prefixes []staticPrefix
}

func NewStaticLookup(entries ...StaticEntry) (*StaticLookup, error) {
	prefixes := make([]staticPrefix, 0, len(entries))
	for _, e := range entries {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", e.CIDR, err)
		}
		prefixes = append(prefixes, staticPrefix{prefix: prefix.Masked(), country: e.Country})
	}

	// 长度相同的前缀保持输入顺序
	sort.SliceStable(prefixes, func(i, j int) bool {
		return prefixes[i].prefix.Bits() > prefixes[j].prefix.Bits()
	})
	return &StaticLookup{prefixes: prefixes}, nil
}

func (s *StaticLookup) LookupCountry(ip net.IP) (string, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return "", fmt.Errorf("invalid ip %v", ip)
	}
	addr = addr.Unmap()

	for _, p := range s.prefixes {
		if p.prefix.Contains(addr) {
			return p.country, nil
		}
	}
	return "", nil
}
