// Package discovery advertises and finds grapher control planes over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/grapher/pkg/config"
)

// TXT record keys.
const (
	TXTKeyUDPPort  = "udp"
	TXTKeyEncoding = "enc"
	TXTKeyVersion  = "v"

	// ProtocolVersion is advertised under TXTKeyVersion.
	ProtocolVersion = "1"
)

// ErrMissingRequired is returned when a TXT record lacks a required key.
var ErrMissingRequired = errors.New("missing required TXT key")

// Info describes one control plane to advertise.
type Info struct {
	Instance string
	// Port is the HTTP control plane port.
	Port     int
	UDPPort  int
	Encoding string
}

// Advertiser publishes a control plane on the local network.
type Advertiser interface {
	// Advertise starts (or replaces) the advertisement.
	Advertise(ctx context.Context, info Info) error

	// Stop withdraws the advertisement. Safe to call when not advertising.
	Stop() error
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		TTL: 120 * time.Second,
	}
}

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records for info.
func EncodeTXT(info Info) TXTRecordMap {
	encoding := info.Encoding
	if encoding == "" {
		encoding = config.DefaultCodec
	}
	return TXTRecordMap{
		TXTKeyUDPPort:  strconv.Itoa(info.UDPPort),
		TXTKeyEncoding: encoding,
		TXTKeyVersion:  ProtocolVersion,
	}
}

// DecodeTXT parses TXT records into the stream settings of a service.
func DecodeTXT(txt TXTRecordMap) (udpPort int, encoding string, err error) {
	raw, ok := txt[TXTKeyUDPPort]
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyUDPPort)
	}
	udpPort, err = strconv.Atoi(raw)
	if err != nil || udpPort <= 0 || udpPort > 65535 {
		return 0, "", fmt.Errorf("invalid %s value %q", TXTKeyUDPPort, raw)
	}

	encoding, ok = txt[TXTKeyEncoding]
	if !ok {
		encoding = config.DefaultCodec
	}
	return udpPort, encoding, nil
}

// Strings renders the map in key=value form, sorted by key.
func (m TXTRecordMap) Strings() []string {
	out := make([]string, 0, len(m))
	for _, key := range []string{TXTKeyUDPPort, TXTKeyEncoding, TXTKeyVersion} {
		if v, ok := m[key]; ok {
			out = append(out, key+"="+v)
		}
	}
	return out
}

// StringsToTXTRecords parses key=value strings. Entries without '=' are
// treated as boolean keys with an empty value.
func StringsToTXTRecords(records []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(records))
	for _, r := range records {
		key, value, _ := strings.Cut(r, "=")
		if key == "" {
			continue
		}
		txt[strings.ToLower(key)] = value
	}
	return txt
}

// Service is a control plane found on the network.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	UDPPort   int
	Encoding  string
}

// BaseURL returns the control plane URL using the first address.
func (s Service) BaseURL() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
	}
	return "http://" + host + ":" + strconv.Itoa(s.Port)
}
