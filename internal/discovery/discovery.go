// Package discovery locates IIOD-capable transmit hosts on the local
// network, used by radiofrontend when the configured SDR URI is "auto"
// instead of a literal host:port (§4.3, opaque vendor driver binding).
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// TransmitHost is one discovered _iio._tcp.local service.
type TransmitHost struct {
	Instance  string // advertised name, e.g. "iiod on usrp0"
	Hostname  string // DNS hostname, e.g. "usrp0.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns a dial-able "host:port" for the first discovered address,
// or an error if the host advertised no addresses.
func (h TransmitHost) Addr() (string, error) {
	if len(h.Addresses) == 0 {
		return "", fmt.Errorf("discovery: host %s advertised no addresses", h.Instance)
	}
	return fmt.Sprintf("%s:%d", h.Addresses[0], h.Port), nil
}

// FindTransmitHosts performs a blocking mDNS browse for _iio._tcp
// services and returns deduplicated entries.
func FindTransmitHosts(timeout time.Duration) ([]TransmitHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]TransmitHost)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					close(done)
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = TransmitHost{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, "_iio._tcp", "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-done

	out := make([]TransmitHost, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	return out, nil
}

func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
