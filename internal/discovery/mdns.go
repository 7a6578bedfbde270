// Package discovery lets the bridge find the relay server on the local
// network over mDNS. The relay advertises its audio port as the service
// port and its control port in a TXT record.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// DefaultService is the mDNS service type of the relay.
const DefaultService = "_facerelay._tcp"

const (
	controlKey   = "control"
	versionKey   = "proto"
	protoVersion = "1"
)

// ErrNotFound is returned when no relay answered within the timeout.
var ErrNotFound = errors.New("discovery: no relay found")

// Relay is one advertised relay server.
type Relay struct {
	Instance    string
	AudioAddr   string
	ControlAddr string
}

// Advertiser announces a relay until Shutdown.
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces the relay listening on audioPort and controlPort
// under instance. service defaults to [DefaultService].
func Advertise(instance, service string, audioPort, controlPort int) (*Advertiser, error) {
	if service == "" {
		service = DefaultService
	}
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}
	zone, err := mdns.NewMDNSService(instance, service, "", "", audioPort, ips, txtRecords(controlPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: build service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("discovery: start responder: %w", err)
	}
	slog.Info("discovery: advertising relay", "instance", instance, "service", service, "audio_port", audioPort, "control_port", controlPort)
	return &Advertiser{server: server}, nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

// Lookup queries for relays of service and returns the first usable
// answer. The query gives up after timeout or when ctx is done.
func Lookup(ctx context.Context, service string, timeout time.Duration) (Relay, error) {
	if service == "" {
		service = DefaultService
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan Relay, 1)
	go func() {
		for e := range entries {
			r, err := parseEntry(e)
			if err != nil {
				slog.Debug("discovery: ignoring answer", "name", e.Name, "err", err)
				continue
			}
			select {
			case found <- r:
			default:
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	queryErr := make(chan error, 1)
	go func() {
		queryErr <- mdns.QueryContext(ctx, params)
		close(entries)
	}()

	select {
	case r := <-found:
		slog.Info("discovery: relay found", "instance", r.Instance, "audio", r.AudioAddr, "control", r.ControlAddr)
		return r, nil
	case err := <-queryErr:
		select {
		case r := <-found:
			return r, nil
		default:
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return Relay{}, fmt.Errorf("discovery: query %s: %w", service, err)
		}
		return Relay{}, ErrNotFound
	case <-ctx.Done():
		if parent := context.Cause(ctx); errors.Is(parent, context.Canceled) {
			return Relay{}, parent
		}
		return Relay{}, ErrNotFound
	}
}

func txtRecords(controlPort int) []string {
	return []string{
		controlKey + "=" + strconv.Itoa(controlPort),
		versionKey + "=" + protoVersion,
	}
}

// parseEntry turns one mDNS answer into relay addresses.
func parseEntry(e *mdns.ServiceEntry) (Relay, error) {
	var ip net.IP
	switch {
	case e.AddrV4 != nil:
		ip = e.AddrV4
	case e.AddrV6 != nil:
		ip = e.AddrV6
	default:
		return Relay{}, errors.New("no address")
	}
	if e.Port <= 0 {
		return Relay{}, errors.New("no port")
	}

	controlPort := 0
	for _, f := range e.InfoFields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k != controlKey {
			continue
		}
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return Relay{}, fmt.Errorf("bad control port %q", v)
		}
		controlPort = p
	}
	if controlPort == 0 {
		return Relay{}, errors.New("no control port")
	}

	host := ip.String()
	return Relay{
		Instance:    e.Name,
		AudioAddr:   net.JoinHostPort(host, strconv.Itoa(e.Port)),
		ControlAddr: net.JoinHostPort(host, strconv.Itoa(controlPort)),
	}, nil
}

// localIPs returns the IPv4 addresses of every interface that is up and
// not a loopback.
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
