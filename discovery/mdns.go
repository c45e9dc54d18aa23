// Package discovery advertises the relay on the local network over mDNS so
// editors on the same LAN can find it without configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_codee-relay._tcp"
	Domain      = "local."
)

// Advertise registers instance on port and keeps it registered until ctx is
// done.
func Advertise(ctx context.Context, instance string, port int) error {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()

	slog.Info("mdns service registered", "instance", instance, "service", ServiceType, "port", port)
	<-ctx.Done()
	slog.Info("mdns service withdrawn", "instance", instance)
	return nil
}

func txtRecords() []string {
	return []string{"txtv=1", "path=/ws", "param=room"}
}
