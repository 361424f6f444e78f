package scanner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/asm/internal/models"
)

func TestParseSubfinderLines(t *testing.T) {
	lines := []string{
		"a.example.com",
		"B.Example.com.",
		"",
		"bad_host.example.com",
	}
	res := parseSubfinderLines(lines, "example.com")

	require.Len(t, res.Batch.Assets, 2)
	assert.Equal(t, "a.example.com", res.Batch.Assets[0].Normalized)
	assert.Equal(t, "b.example.com", res.Batch.Assets[1].Normalized)
	assert.Len(t, res.Warnings, 1, "invalid hostname should be skipped with a warning")
	assert.Len(t, res.Findings, 2)
	assert.Equal(t, models.SeverityInfo, res.Findings[0].Severity)
}

const nmapSample = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap">
  <host>
    <address addr="1.2.3.4" addrtype="ipv4"/>
    <ports>
      <port protocol="tcp" portid="80">
        <state state="open"/>
        <service name="http" product="nginx" version="1.24.0"/>
      </port>
      <port protocol="tcp" portid="22">
        <state state="closed"/>
        <service name="ssh"/>
      </port>
      <port protocol="udp" portid="53">
        <state state="open"/>
        <service name="domain"/>
      </port>
    </ports>
  </host>
</nmaprun>`

func TestParseNmapXML(t *testing.T) {
	res := parseNmapXML(strings.Split(nmapSample, "\n"), "1.2.3.4")

	require.Len(t, res.Batch.Assets, 1)
	assert.Equal(t, models.AssetTypeIP, res.Batch.Assets[0].Type)
	assert.Equal(t, "1.2.3.4", res.Batch.Assets[0].Normalized)

	// Only open ports become services.
	require.Len(t, res.Batch.Services, 2)
	http := res.Batch.Services[0]
	assert.Equal(t, 80, http.Port)
	assert.Equal(t, models.ProtoTCP, http.Proto)
	assert.Equal(t, "http", http.Name)
	assert.Equal(t, "nginx", http.Product)
	assert.Equal(t, "1.24.0", http.Version)

	dns := res.Batch.Services[1]
	assert.Equal(t, 53, dns.Port)
	assert.Equal(t, models.ProtoUDP, dns.Proto)
}

func TestParseNmapXMLGarbage(t *testing.T) {
	res := parseNmapXML([]string{"definitely not xml"}, "1.2.3.4")
	assert.Empty(t, res.Batch.Assets)
	assert.NotEmpty(t, res.Warnings)
}

func TestParseHTTPXLines(t *testing.T) {
	lines := []string{
		`{"url":"http://a.example.com:80/","input":"a.example.com:80","status_code":200,"webserver":"nginx","tech":["Nginx","PHP"]}`,
		`not json`,
		`{"url":"","input":"x"}`,
	}
	res := parseHTTPXLines(lines, "example.com")

	require.Len(t, res.Batch.Assets, 1)
	assert.Equal(t, models.AssetTypeURL, res.Batch.Assets[0].Type)
	assert.Equal(t, "http://a.example.com/", res.Batch.Assets[0].Normalized)

	require.Len(t, res.Batch.Edges, 1)
	edge := res.Batch.Edges[0]
	assert.Equal(t, models.RelServes, edge.RelType)
	assert.Equal(t, "a.example.com", edge.FromNormalized)
	assert.Equal(t, "http://a.example.com/", edge.ToNormalized)

	require.Len(t, res.Findings, 1)
	assert.Contains(t, res.Findings[0].Title, "Nginx")
}

func TestParseNucleiLines(t *testing.T) {
	lines := []string{
		`{"template-id":"tls-version","matched-at":"https://a.example.com:443","info":{"name":"Deprecated TLS version","severity":"medium","description":"TLS 1.0 enabled","classification":{"cve-id":["CVE-2011-3389"],"cvss-score":4.3}}}`,
		`{"template-id":"tech-detect","matched-at":"http://a.example.com/","info":{"name":"Tech Detect","severity":"unknown"}}`,
	}
	res := parseNucleiLines(lines, "example.com")

	require.Len(t, res.Findings, 2)
	first := res.Findings[0]
	assert.Equal(t, models.SeverityMedium, first.Severity)
	assert.Equal(t, "Deprecated TLS version", first.Title)
	assert.Equal(t, "CVE-2011-3389", first.CVE)
	assert.InDelta(t, 4.3, first.CVSSScore, 0.001)

	// Unknown severities degrade to info.
	assert.Equal(t, models.SeverityInfo, res.Findings[1].Severity)

	// Matched URLs become URL assets.
	require.Len(t, res.Batch.Assets, 2)
	assert.Equal(t, "https://a.example.com/", res.Batch.Assets[0].Normalized)
}

func TestDescriptorRegistry(t *testing.T) {
	for _, name := range []string{"subfinder", "nmap", "httpx", "nuclei"} {
		desc, ok := Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, name, desc.Name)
		assert.Greater(t, desc.TimeoutSeconds, 0)
		_, ok = parserFor(desc.ParserID)
		assert.True(t, ok, "parser %s missing", desc.ParserID)
	}
}
