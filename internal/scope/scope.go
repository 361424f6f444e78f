package scope

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/normalize"
)

// Policy is the ordered union of allow-lists gating every scan target.
// There are no deny rules: anything unmatched is out of scope.
type Policy struct {
	RootDomain        string   `json:"root_domain"`
	AllowedDomains    []string `json:"allowed_domains"`
	AllowedCIDRs      []string `json:"allowed_cidrs"`
	AllowedURLPrefix  []string `json:"allowed_url_prefixes"`
	MaxHosts          int      `json:"max_hosts"`
	MaxHTTPTargets    int      `json:"max_http_targets"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	AllowPrivateIPs   bool     `json:"allow_private_ips"`
}

// Parse builds a Policy from a target's scope document, defaulting the
// domain allow-list to the target's root.
func Parse(scopeDoc models.JSONB, rootDomain string) Policy {
	p := Policy{RootDomain: rootDomain}
	if scopeDoc != nil {
		if raw, err := json.Marshal(scopeDoc); err == nil {
			_ = json.Unmarshal(raw, &p)
		}
	}
	if p.RootDomain == "" {
		p.RootDomain = rootDomain
	}
	if len(p.AllowedDomains) == 0 {
		p.AllowedDomains = []string{p.RootDomain}
	}
	if p.MaxHosts == 0 {
		p.MaxHosts = 50
	}
	if p.MaxHTTPTargets == 0 {
		p.MaxHTTPTargets = 200
	}
	return p
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// inventory is the slice of the store the enforcer needs for IP provenance.
type inventory interface {
	IPKnownForTarget(ctx context.Context, targetID uuid.UUID, ip string) (bool, error)
}

// Enforcer authorizes candidate scan targets against a target's policy.
type Enforcer struct {
	inv inventory
}

func NewEnforcer(inv inventory) *Enforcer {
	return &Enforcer{inv: inv}
}

// Check authorizes a candidate string of any supported shape: hostname, IP
// address, URL, or CIDR. IPs carry one extension beyond the literal
// allow-lists: an address this target previously resolved from an in-scope
// name is authorized by provenance, so port scans against discovered hosts
// work without the operator enumerating CIDRs up front.
func (e *Enforcer) Check(ctx context.Context, target *models.Target, candidate string) Decision {
	policy := Parse(target.Scope, target.RootDomain)
	candidate = strings.TrimSpace(candidate)

	switch {
	case strings.Contains(candidate, "://"):
		return e.checkURL(ctx, target, policy, candidate)
	case strings.Contains(candidate, "/") && !strings.Contains(candidate, "://"):
		return checkCIDR(policy, candidate)
	case normalize.IsIP(candidate):
		return e.checkIP(ctx, target, policy, candidate)
	default:
		return checkDomain(policy, candidate)
	}
}

// checkDomain matches a hostname against the suffix allow-list. Suffixes are
// exact tail matches on dot-separated labels: "a.b.c" matches suffix "b.c"
// but never "bc". Wildcards are not supported.
func checkDomain(policy Policy, host string) Decision {
	norm, err := normalize.Domain(host)
	if err != nil {
		return deny("unparseable hostname")
	}
	for _, suffix := range policy.AllowedDomains {
		s := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(suffix), "."))
		s = strings.TrimPrefix(s, "*.")
		if s == "" {
			continue
		}
		if norm == s || strings.HasSuffix(norm, "."+s) {
			return allow("domain_suffix:" + s)
		}
	}
	return deny("no matching domain suffix")
}

func (e *Enforcer) checkIP(ctx context.Context, target *models.Target, policy Policy, raw string) Decision {
	ip, err := normalize.IP(raw, policy.AllowPrivateIPs)
	if err != nil {
		return deny("unparseable or disallowed IP")
	}
	addr, _ := netip.ParseAddr(ip)

	for _, cidr := range policy.AllowedCIDRs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return allow("cidr:" + prefix.String())
		}
	}

	if e.inv != nil {
		known, err := e.inv.IPKnownForTarget(ctx, target.ID, ip)
		if err == nil && known {
			return allow("resolved_from_in_scope")
		}
	}

	return deny("IP not in any allowed CIDR and never resolved from scope")
}

func (e *Enforcer) checkURL(ctx context.Context, target *models.Target, policy Policy, raw string) Decision {
	norm, err := normalize.URL(raw)
	if err != nil {
		return deny("unparseable URL")
	}

	for _, prefix := range policy.AllowedURLPrefix {
		if prefix != "" && strings.HasPrefix(norm, prefix) {
			return allow("url_prefix:" + prefix)
		}
	}

	u, err := url.Parse(norm)
	if err != nil || u.Hostname() == "" {
		return deny("unparseable URL")
	}
	host := u.Hostname()
	if normalize.IsIP(host) {
		return e.checkIP(ctx, target, policy, host)
	}
	return checkDomain(policy, host)
}

// checkCIDR allows a network only when an allowed CIDR fully covers it.
func checkCIDR(policy Policy, raw string) Decision {
	candidate, err := netip.ParsePrefix(strings.TrimSpace(raw))
	if err != nil {
		return deny("unparseable CIDR")
	}
	for _, cidr := range policy.AllowedCIDRs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		if prefix.Overlaps(candidate) && prefix.Bits() <= candidate.Bits() && prefix.Contains(candidate.Addr()) {
			return allow("cidr:" + prefix.String())
		}
	}
	return deny(fmt.Sprintf("CIDR %s not covered by any allowed network", candidate))
}
