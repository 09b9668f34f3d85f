package control

import (
	"context"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// dnsSDService names the mDNS/DNS-SD service type this coordinator
// advertises, the control-plane analogue of the teacher's
// "_kiss-tnc._tcp" (dns_sd.go).
const dnsSDService = "_corr2-ctl._tcp"

// announce advertises the control server's port over mDNS/DNS-SD so
// operator tooling on the local network can find the coordinator without
// a hardcoded hostname. Purely additive (spec SPEC_FULL.md C14): failure
// to announce is logged and never fails create/initialise.
func announce(ctx context.Context, logger *log.Logger, name string, port int) {
	if name == "" {
		name = "corr2-controller"
	}

	var cfg = dnssd.Config{ //nolint:exhaustruct
		Name: name,
		Type: dnsSDService,
		Port: port,
	}

	var service, serviceErr = dnssd.NewService(cfg)
	if serviceErr != nil {
		logger.Error("dns-sd: failed to create service", "err", serviceErr)
		return
	}

	var responder, responderErr = dnssd.NewResponder()
	if responderErr != nil {
		logger.Error("dns-sd: failed to create responder", "err", responderErr)
		return
	}

	if _, err := responder.Add(service); err != nil {
		logger.Error("dns-sd: failed to add service", "err", err)
		return
	}

	logger.Info("dns-sd: announcing control server", "port", port, "name", name)

	go func() {
		if err := responder.Respond(ctx); err != nil {
			logger.Error("dns-sd: responder stopped", "err", err)
		}
	}()
}
