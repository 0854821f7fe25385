// Package netutil expands address ranges and checks which hosts answer on a port.
package netutil

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// MaxHosts caps how many addresses one expansion may produce (a /16).
const MaxHosts = 1 << 16

// ParseCIDR returns every usable IPv4 address in cidr. Network and broadcast
// addresses are dropped for prefixes shorter than /31.
func ParseCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("invalid CIDR %q: only IPv4 is supported", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	size := uint64(1) << uint(bits-ones)
	if size > MaxHosts {
		return nil, fmt.Errorf("invalid CIDR %q: more than %d hosts", cidr, MaxHosts)
	}

	start := ipToUint32(base)
	ips := make([]string, 0, size)
	for i := uint64(0); i < size; i++ {
		ips = append(ips, uint32ToIP(start+uint32(i)).String())
	}

	if len(ips) > 2 {
		return ips[1 : len(ips)-1], nil
	}
	return ips, nil
}

// ParseRange returns every IPv4 address from startIP to endIP inclusive.
func ParseRange(startIP, endIP string) ([]string, error) {
	start := net.ParseIP(strings.TrimSpace(startIP)).To4()
	if start == nil {
		return nil, fmt.Errorf("invalid start IP: %s", startIP)
	}
	end := net.ParseIP(strings.TrimSpace(endIP)).To4()
	if end == nil {
		return nil, fmt.Errorf("invalid end IP: %s", endIP)
	}

	startInt, endInt := ipToUint32(start), ipToUint32(end)
	if startInt > endInt {
		return nil, fmt.Errorf("start IP must be less than or equal to end IP")
	}
	if uint64(endInt-startInt)+1 > MaxHosts {
		return nil, fmt.Errorf("range %s-%s: more than %d hosts", startIP, endIP, MaxHosts)
	}

	ips := make([]string, 0, endInt-startInt+1)
	for i := startInt; ; i++ {
		ips = append(ips, uint32ToIP(i).String())
		if i == endInt {
			break
		}
	}
	return ips, nil
}

// Expand accepts a CIDR ("10.0.0.0/24"), a range ("10.0.0.5-10.0.0.9") or
// a single IPv4 address.
func Expand(target string) ([]string, error) {
	target = strings.TrimSpace(target)
	switch {
	case strings.Contains(target, "/"):
		return ParseCIDR(target)
	case strings.Contains(target, "-"):
		parts := strings.SplitN(target, "-", 2)
		return ParseRange(parts[0], parts[1])
	default:
		ip := net.ParseIP(target).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IP: %s", target)
		}
		return []string{ip.String()}, nil
	}
}

func ipToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
