// Package dns resolves hop addresses to host names with PTR queries against
// an explicitly configured name server.
package dns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

const defaultTimeout = 500 * time.Millisecond

var (
	errNoPTR = errors.New("no PTR record")
)

type PTRResolver struct {
	// Server is the name server address as host:port.
	Server  string
	Timeout time.Duration
}

func NewPTRResolver(server string, timeout time.Duration) *PTRResolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &PTRResolver{Server: server, Timeout: timeout}
}

// LookupAddr returns the names pointed to by the PTR records of addr, with
// trailing dots as in the wire format.
func (r *PTRResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: r.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("PTR query for %s failed: %s", addr, dns.RcodeToString[in.Rcode])
	}

	var names []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", errNoPTR, addr)
	}
	return names, nil
}
