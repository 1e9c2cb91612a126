package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ErrNoServer indicates no deposit server answered within the scan window.
var ErrNoServer = errors.New("discovery: no server found")

// DiscoveredServer is a deposit server advertised on the LAN.
type DiscoveredServer struct {
	InstanceID string
	Name       string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
}

// Address returns a dialable host:port, preferring the first IPv4 address.
func (s DiscoveredServer) Address() string {
	host := strings.TrimSuffix(s.HostName, ".")
	for _, addr := range s.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Scan browses for deposit servers for one scan window and returns them sorted by name.
func Scan(ctx context.Context, config Config) ([]DiscoveredServer, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- browse(scanCtx, cfg.Service, cfg.Domain, entries)
	}()

	collected := make(map[string]DiscoveredServer)
	collect := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		if server, ok := parseEntry(entry, cfg.Version); ok {
			collected[server.InstanceID] = server
		}
	}

	var in <-chan *zeroconf.ServiceEntry = entries
scan:
	for {
		select {
		case entry, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			collect(entry)
		case err := <-browseDone:
			if err != nil {
				return nil, err
			}
			browseDone = nil
		case <-scanCtx.Done():
			break scan
		}
	}

	// Keep whatever arrived before the window closed.
	for in != nil {
		select {
		case entry, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			collect(entry)
		default:
			in = nil
		}
	}

	// A timeout just means the scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]DiscoveredServer, 0, len(collected))
	for _, server := range collected {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Lookup returns the address of the first server found by Scan.
func Lookup(ctx context.Context, config Config) (string, error) {
	servers, err := Scan(ctx, config)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", ErrNoServer
	}
	return servers[0].Address(), nil
}

func parseEntry(entry *zeroconf.ServiceEntry, version int) (DiscoveredServer, bool) {
	txt := txtToMap(entry.Text)

	instanceID := strings.TrimSpace(txt["instance_id"])
	if instanceID == "" || entry.Port <= 0 {
		return DiscoveredServer{}, false
	}

	advertised := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			advertised = parsed
		}
	}
	if advertised != version {
		return DiscoveredServer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = instanceID
	}

	return DiscoveredServer{
		InstanceID: instanceID,
		Name:       name,
		Version:    advertised,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
