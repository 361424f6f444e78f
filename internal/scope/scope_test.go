package scope

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/asm/internal/models"
)

type fakeInventory struct {
	known map[string]bool
}

func (f *fakeInventory) IPKnownForTarget(_ context.Context, _ uuid.UUID, ip string) (bool, error) {
	return f.known[ip], nil
}

func testTarget(scopeDoc models.JSONB) *models.Target {
	return &models.Target{
		ID:         uuid.New(),
		Name:       "example",
		RootDomain: "example.com",
		Scope:      scopeDoc,
	}
}

func TestParseDefaults(t *testing.T) {
	p := Parse(nil, "example.com")
	assert.Equal(t, []string{"example.com"}, p.AllowedDomains)
	assert.Equal(t, 50, p.MaxHosts)
	assert.Equal(t, 200, p.MaxHTTPTargets)
}

func TestCheckDomainSuffix(t *testing.T) {
	e := NewEnforcer(&fakeInventory{})
	target := testTarget(nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		candidate string
		allowed   bool
	}{
		{"root itself", "example.com", true},
		{"subdomain", "a.example.com", true},
		{"deep subdomain", "x.y.example.com", true},
		{"label boundary respected", "notexample.com", false},
		{"tail must align on dots", "badexample.com", false},
		{"unrelated", "evil.org", false},
		{"uppercase normalized", "A.EXAMPLE.COM", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Check(ctx, target, tt.candidate)
			assert.Equal(t, tt.allowed, d.Allowed, "reason: %s", d.Reason)
		})
	}
}

func TestCheckNoWildcardSemantics(t *testing.T) {
	// "*.example.com" entries from older scope documents read as the plain
	// suffix; the star grants nothing extra.
	e := NewEnforcer(&fakeInventory{})
	target := testTarget(models.JSONB{"allowed_domains": []interface{}{"*.example.com"}})
	ctx := context.Background()

	assert.True(t, e.Check(ctx, target, "a.example.com").Allowed)
	assert.True(t, e.Check(ctx, target, "example.com").Allowed)
	assert.False(t, e.Check(ctx, target, "aexample.com").Allowed)
}

func TestCheckIP(t *testing.T) {
	ctx := context.Background()
	target := testTarget(models.JSONB{"allowed_cidrs": []interface{}{"192.0.2.0/24"}})

	e := NewEnforcer(&fakeInventory{known: map[string]bool{"1.2.3.4": true}})

	// Inside an allowed CIDR.
	assert.True(t, e.Check(ctx, target, "192.0.2.17").Allowed)
	// Known from in-scope resolution.
	d := e.Check(ctx, target, "1.2.3.4")
	require.True(t, d.Allowed)
	assert.Equal(t, "resolved_from_in_scope", d.Reason)
	// Closed world: neither listed nor resolved.
	assert.False(t, e.Check(ctx, target, "8.8.8.8").Allowed)
	// Private space needs explicit policy.
	assert.False(t, e.Check(ctx, target, "10.0.0.1").Allowed)
}

func TestCheckURL(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(&fakeInventory{})

	target := testTarget(models.JSONB{
		"allowed_url_prefixes": []interface{}{"https://portal.partner.net/app"},
	})

	// Prefix match on the allow-list.
	assert.True(t, e.Check(ctx, target, "https://portal.partner.net/app/login").Allowed)
	// Falls back to the host suffix check.
	assert.True(t, e.Check(ctx, target, "http://a.example.com/").Allowed)
	assert.False(t, e.Check(ctx, target, "http://evil.org/").Allowed)
}

func TestCheckCIDR(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(&fakeInventory{})
	target := testTarget(models.JSONB{"allowed_cidrs": []interface{}{"192.0.2.0/24"}})

	assert.True(t, e.Check(ctx, target, "192.0.2.0/25").Allowed)
	assert.False(t, e.Check(ctx, target, "192.0.0.0/16").Allowed)
	assert.False(t, e.Check(ctx, target, "198.51.100.0/24").Allowed)
}

func TestPerTargetConcurrencyOverride(t *testing.T) {
	p := Parse(models.JSONB{"max_concurrent_jobs": float64(1)}, "example.com")
	assert.Equal(t, 1, p.MaxConcurrentJobs)
}
