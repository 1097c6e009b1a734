package sipua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"
)

// NAT traversal policies.
const (
	NATNone          = "none"
	NATPublicAddress = "public-address"
	NATSTUN          = "stun"
)

// NATConfig selects how the advertised address is discovered.
type NATConfig struct {
	Policy     string
	LookupURL  string
	Retry      time.Duration
	STUNServer string
}

// PublicAddress returns the address to advertise in SIP and SDP, or nil
// when the policy is none.
func PublicAddress(ctx context.Context, cfg NATConfig, log logrus.FieldLogger) (net.IP, error) {
	switch cfg.Policy {
	case "", NATNone:
		return nil, nil
	case NATPublicAddress:
		return LookupPublicAddress(ctx, http.DefaultClient, cfg.LookupURL, cfg.Retry, log)
	case NATSTUN:
		return STUNAddress(ctx, cfg.STUNServer)
	}
	return nil, fmt.Errorf("unknown nat policy %q", cfg.Policy)
}

// LookupPublicAddress asks an HTTP echo service for our public address,
// retrying every interval until it answers or ctx is done.
func LookupPublicAddress(ctx context.Context, client *http.Client, url string, interval time.Duration, log logrus.FieldLogger) (net.IP, error) {
	var ip net.IP
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("lookup %s: status %d", url, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			return err
		}
		ip = net.ParseIP(strings.TrimSpace(string(body)))
		if ip == nil {
			return fmt.Errorf("lookup %s: not an address: %q", url, body)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("public address lookup failed")
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("public address lookup: %w", err)
	}
	return ip, nil
}

// STUNAddress sends a binding request to server and returns the reflexive
// address it reports.
func STUNAddress(ctx context.Context, server string) (net.IP, error) {
	c, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("dial stun %s: %w", server, err)
	}
	defer c.Close()

	type result struct {
		ip  net.IP
		err error
	}
	done := make(chan result, 1)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = c.Start(msg, func(ev stun.Event) {
		if ev.Error != nil {
			done <- result{err: ev.Error}
			return
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(ev.Message); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{ip: xor.IP}
	})
	if err != nil {
		return nil, fmt.Errorf("stun binding: %w", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("stun binding: %w", r.err)
		}
		return r.ip, nil
	case <-ctx.Done():
		return nil, errors.Join(errors.New("stun binding cancelled"), ctx.Err())
	}
}
