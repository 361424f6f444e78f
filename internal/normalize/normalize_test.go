package normalize

import (
	"errors"
	"testing"
)

func TestDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"simple", "example.com", "example.com", false},
		{"uppercase", "EXAMPLE.Com", "example.com", false},
		{"trailing dot", "example.com.", "example.com", false},
		{"scheme stripped", "https://a.example.com/path", "a.example.com", false},
		{"port stripped", "a.example.com:8443", "a.example.com", false},
		{"whitespace", "  a.example.com  ", "a.example.com", false},
		{"empty", "", "", true},
		{"underscore label", "bad_host.example.com", "", true},
		{"leading hyphen", "-bad.example.com", "", true},
		{"bracketed ipv6", "[::1]:443", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Domain(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Domain(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Domain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIP(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		allowPrivate bool
		want         string
		wantErr      bool
	}{
		{"ipv4", "1.2.3.4", false, "1.2.3.4", false},
		{"ipv6 compressed", "2001:db8:0:0:0:0:0:1", false, "2001:db8::1", false},
		{"bracketed", "[2001:db8::1]", false, "2001:db8::1", false},
		{"loopback rejected", "127.0.0.1", false, "", true},
		{"rfc1918 rejected", "10.1.2.3", false, "", true},
		{"rfc1918 allowed by policy", "10.1.2.3", true, "10.1.2.3", false},
		{"mapped ipv4", "::ffff:1.2.3.4", false, "1.2.3.4", false},
		{"garbage", "not-an-ip", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IP(tt.input, tt.allowPrivate)
			if (err != nil) != tt.wantErr {
				t.Fatalf("IP(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"default http port elided", "http://Example.com:80/", "http://example.com/", false},
		{"default https port elided", "https://example.com:443/x", "https://example.com/x", false},
		{"non-default port kept", "http://example.com:8080/x", "http://example.com:8080/x", false},
		{"trailing slash removed", "http://example.com/a/b/", "http://example.com/a/b", false},
		{"root slash kept", "http://example.com", "http://example.com/", false},
		{"dot segments collapsed", "http://example.com/a/../b", "http://example.com/b", false},
		{"query preserved", "http://example.com/x?B=1&a=2", "http://example.com/x?B=1&a=2", false},
		{"fragment preserved", "http://example.com/x#Frag", "http://example.com/x#Frag", false},
		{"bare host becomes http", "example.com:8080", "http://example.com:8080/", false},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := URL(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("URL(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("URL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Normalizing an already-normalized value must be a no-op.
func TestFixedPoint(t *testing.T) {
	domains := []string{"example.com", "a.b.example.com"}
	for _, d := range domains {
		once, err := Domain(d)
		if err != nil {
			t.Fatalf("Domain(%q): %v", d, err)
		}
		twice, err := Domain(once)
		if err != nil {
			t.Fatalf("Domain(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("Domain not a fixed point: %q -> %q -> %q", d, once, twice)
		}
	}

	urls := []string{"http://example.com/", "https://example.com:8443/a?x=1#f"}
	for _, u := range urls {
		once, err := URL(u)
		if err != nil {
			t.Fatalf("URL(%q): %v", u, err)
		}
		twice, err := URL(once)
		if err != nil {
			t.Fatalf("URL(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("URL not a fixed point: %q -> %q -> %q", u, once, twice)
		}
	}

	ips := []string{"1.2.3.4", "2001:db8::1"}
	for _, ip := range ips {
		once, err := IP(ip, false)
		if err != nil {
			t.Fatalf("IP(%q): %v", ip, err)
		}
		twice, err := IP(once, false)
		if err != nil {
			t.Fatalf("IP(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("IP not a fixed point: %q -> %q -> %q", ip, once, twice)
		}
	}
}

func TestInvalidInputError(t *testing.T) {
	_, err := Domain("bad_host")
	var invalidErr *InvalidInputError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidInputError, got %T", err)
	}
	if invalidErr.Kind != "domain" {
		t.Errorf("Kind = %q, want %q", invalidErr.Kind, "domain")
	}
}
