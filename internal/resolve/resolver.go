package resolve

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Resolver performs DNS lookups against a fixed set of upstream resolvers,
// bypassing the host stub resolver so verification consensus really comes
// from independent sources.
type Resolver struct {
	addrs   []string
	timeout time.Duration
}

func New(addrs []string, timeout time.Duration) *Resolver {
	if len(addrs) == 0 {
		addrs = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{addrs: addrs, timeout: timeout}
}

// Error strings recorded as status reasons.
const (
	ErrNXDomain = "NXDOMAIN"
	ErrTimeout  = "TIMEOUT"
	ErrNoAnswer = "NO_ANSWER"
)

type Result struct {
	Name string
	IPs  []string
	Err  string // empty on success
}

func (r *Resolver) upstream(addr string) *net.Resolver {
	dialer := &net.Dialer{Timeout: r.timeout}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

func (r *Resolver) lookupVia(ctx context.Context, addr, name string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ips, err := r.upstream(addr).LookupHost(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			if dnsErr.IsNotFound {
				return Result{Name: name, Err: ErrNXDomain}
			}
			if dnsErr.IsTimeout {
				return Result{Name: name, Err: ErrTimeout}
			}
		}
		if ctx.Err() != nil {
			return Result{Name: name, Err: ErrTimeout}
		}
		return Result{Name: name, Err: err.Error()}
	}

	seen := make(map[string]bool, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip != "" && !seen[ip] {
			seen[ip] = true
			out = append(out, ip)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return Result{Name: name, Err: ErrNoAnswer}
	}
	return Result{Name: name, IPs: out}
}

// Lookup resolves one name using the first resolver that yields addresses.
func (r *Resolver) Lookup(ctx context.Context, name string) Result {
	var last Result
	for _, addr := range r.addrs {
		res := r.lookupVia(ctx, addr, name)
		if res.Err == "" {
			return res
		}
		last = res
	}
	return last
}

// LookupAll resolves names concurrently with a bounded fan-out.
func (r *Resolver) LookupAll(ctx context.Context, names []string, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 50
	}
	results := make([]Result, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = r.Lookup(ctx, name)
			return nil
		})
	}
	g.Wait()
	return results
}

// Verdict is the outcome of a multi-resolver consensus check.
type Verdict int

const (
	// VerdictActive: at least one resolver returned addresses.
	VerdictActive Verdict = iota
	// VerdictNXDomain: every resolver agreed the name is gone.
	VerdictNXDomain
	// VerdictInconclusive: mixed answers or timeouts; try again later.
	VerdictInconclusive
)

type ConsensusResult struct {
	Verdict Verdict
	IPs     []string
	Reason  string
}

// Consensus queries every configured resolver independently and combines
// their answers: any address wins, unanimous NXDOMAIN condemns, anything
// else is inconclusive.
func (r *Resolver) Consensus(ctx context.Context, name string) ConsensusResult {
	perResolver := make([]Result, len(r.addrs))

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range r.addrs {
		i, addr := i, addr
		g.Go(func() error {
			perResolver[i] = r.lookupVia(gctx, addr, name)
			return nil
		})
	}
	g.Wait()

	ipSet := make(map[string]bool)
	nxdomain := 0
	var lastErr string
	for _, res := range perResolver {
		switch {
		case res.Err == "":
			for _, ip := range res.IPs {
				ipSet[ip] = true
			}
		case res.Err == ErrNXDomain:
			nxdomain++
			lastErr = res.Err
		default:
			lastErr = res.Err
		}
	}

	if len(ipSet) > 0 {
		ips := make([]string, 0, len(ipSet))
		for ip := range ipSet {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		return ConsensusResult{Verdict: VerdictActive, IPs: ips, Reason: "dns_resolved"}
	}
	if nxdomain == len(r.addrs) {
		return ConsensusResult{Verdict: VerdictNXDomain, Reason: ErrNXDomain}
	}
	return ConsensusResult{Verdict: VerdictInconclusive, Reason: lastErr}
}
