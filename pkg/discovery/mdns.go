package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/nicktill/grapher/pkg/config"
)

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(cfg AdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{config: cfg}
}

// Advertise registers info under config.MDNSServiceType.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Stop existing if any
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	instance := info.Instance
	if instance == "" {
		instance = config.MDNSInstance
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		instance,
		config.MDNSServiceType,
		config.MDNSDomain,
		info.Port,
		EncodeTXT(info).Strings(),
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", config.MDNSServiceType, err)
	}

	a.server = server
	log.Printf("Advertising %q as %s on port %d", instance, config.MDNSServiceType, info.Port)
	return nil
}

// Stop withdraws the advertisement.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}

// Browse reports grapher services until ctx is done. Services announced on
// several interfaces are reported once, with their addresses merged as
// later answers arrive.
func Browse(ctx context.Context, iface string) (<-chan Service, error) {
	out := make(chan Service)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(iface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)

		seen := make(map[string]bool)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc, err := entryToService(entry)
				if err != nil || seen[svc.Instance] {
					continue
				}
				seen[svc.Instance] = true
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}
			case entry, ok := <-removed:
				if ok {
					delete(seen, entry.Instance)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, config.MDNSServiceType, config.MDNSDomain, entries, removed, opts...); err != nil {
			log.Printf("mDNS browse failed: %v", err)
		}
	}()

	return out, nil
}

func entryToService(entry *zeroconf.ServiceEntry) (Service, error) {
	udpPort, encoding, err := DecodeTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return Service{}, err
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		UDPPort:   udpPort,
		Encoding:  encoding,
	}, nil
}

// interfaces returns the named interface, or nil for all interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		log.Printf("Unknown interface %q, using all interfaces", name)
		return nil
	}
	return []net.Interface{*iface}
}
