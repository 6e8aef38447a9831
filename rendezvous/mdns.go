// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service under which coordinators advertise
// their stream listener.
const ServiceType = "_plink-rendezvous._tcp"

// ErrNotDiscovered is returned when no coordinator answered on the
// local network.
var ErrNotDiscovered = errors.New("rendezvous: no coordinator found on the local network")

// Advertisement is a running mDNS responder.
type Advertisement struct {
	server *mdns.Server
}

// Advertise announces a coordinator listening on port. instance
// defaults to the hostname.
func Advertise(instance string, port int) (*Advertisement, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: hostname: %w", err)
	}
	if instance == "" {
		instance = host
	}
	ips, err := localIPv4s()
	if err != nil {
		return nil, err
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", host+".", port, ips, []string{"proto=cbor"})
	if err != nil {
		return nil, fmt.Errorf("rendezvous: building mDNS record: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("rendezvous: starting mDNS responder: %w", err)
	}
	return &Advertisement{server: server}, nil
}

// Close stops answering queries.
func (a *Advertisement) Close() error {
	return a.server.Shutdown()
}

// Discover queries the local network and returns the tcp:// address
// of the first coordinator that answers within timeout.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	queryDone := make(chan error, 1)
	go func() {
		queryDone <- mdns.Query(params)
		close(entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotDiscovered
			}
			if entry.AddrV4 == nil || entry.Port == 0 {
				continue
			}
			// Drain the rest in the background so Query can finish.
			go func() {
				for range entries {
				}
			}()
			return "tcp://" + net.JoinHostPort(entry.AddrV4.String(), fmt.Sprint(entry.Port)), nil
		case err := <-queryDone:
			if err != nil {
				return "", fmt.Errorf("rendezvous: mDNS query: %w", err)
			}
			queryDone = nil
		case <-ctx.Done():
			go func() {
				for range entries {
				}
			}()
			return "", ErrNotDiscovered
		}
	}
}

// localIPv4s lists the non-loopback IPv4 addresses of this host. The
// responder would otherwise resolve the hostname, which often fails
// on machines without local DNS.
func localIPv4s() ([]net.IP, error) {
	addresses, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listing interface addresses: %w", err)
	}
	var ips []net.IP
	for _, address := range addresses {
		network, ok := address.(*net.IPNet)
		if !ok || network.IP.IsLoopback() || network.IP.To4() == nil {
			continue
		}
		ips = append(ips, network.IP.To4())
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("rendezvous: no non-loopback IPv4 address to advertise")
	}
	return ips, nil
}
