package scanner

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/normalize"
)

// ParserFunc turns a scanner's raw output lines into typed artifacts and
// findings. Parsers are forgiving: malformed records are skipped with a
// warning rather than failing the scan.
type ParserFunc func(lines []string, target string) *Result

var parsers = map[string]ParserFunc{
	"subfinder_lines": parseSubfinderLines,
	"nmap_xml":        parseNmapXML,
	"httpx_jsonl":     parseHTTPXLines,
	"nuclei_jsonl":    parseNucleiLines,
}

func parserFor(id string) (ParserFunc, bool) {
	p, ok := parsers[id]
	return p, ok
}

func parseSubfinderLines(lines []string, target string) *Result {
	res := &Result{Scanner: "subfinder", Target: target, Status: models.ScanStatusCompleted}

	for _, line := range lines {
		sub := strings.TrimSpace(line)
		if sub == "" {
			continue
		}
		norm, err := normalize.Domain(sub)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped %q: %v", sub, err))
			continue
		}
		res.Batch.Assets = append(res.Batch.Assets, models.AssetArtifact{
			Type: models.AssetTypeSubdomain, Value: sub, Normalized: norm,
		})
		res.Findings = append(res.Findings, models.FindingArtifact{
			Severity:    models.SeverityInfo,
			Title:       "Subdomain discovered: " + norm,
			Description: fmt.Sprintf("Subdomain %s was found via passive enumeration", norm),
			URL:         norm,
		})
	}
	return res
}

type nmapRun struct {
	Hosts []struct {
		Addresses []struct {
			Addr     string `xml:"addr,attr"`
			AddrType string `xml:"addrtype,attr"`
		} `xml:"address"`
		Ports struct {
			Ports []struct {
				PortID   string `xml:"portid,attr"`
				Protocol string `xml:"protocol,attr"`
				State    struct {
					State string `xml:"state,attr"`
				} `xml:"state"`
				Service struct {
					Name    string `xml:"name,attr"`
					Product string `xml:"product,attr"`
					Version string `xml:"version,attr"`
				} `xml:"service"`
			} `xml:"port"`
		} `xml:"ports"`
	} `xml:"host"`
}

func parseNmapXML(lines []string, target string) *Result {
	res := &Result{Scanner: "nmap", Target: target, Status: models.ScanStatusCompleted}

	var run nmapRun
	if err := xml.Unmarshal([]byte(strings.Join(lines, "\n")), &run); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unparseable nmap XML: %v", err))
		return res
	}

	for _, host := range run.Hosts {
		addr := target
		for _, a := range host.Addresses {
			if a.AddrType == "ipv4" || a.AddrType == "ipv6" {
				addr = a.Addr
				break
			}
		}

		var hostType models.AssetType
		var hostNorm string
		if normalize.IsIP(addr) {
			norm, err := normalize.IP(addr, true)
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipped host %q: %v", addr, err))
				continue
			}
			hostType, hostNorm = models.AssetTypeIP, norm
		} else {
			norm, err := normalize.Domain(addr)
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipped host %q: %v", addr, err))
				continue
			}
			hostType, hostNorm = models.AssetTypeHost, norm
		}

		res.Batch.Assets = append(res.Batch.Assets, models.AssetArtifact{
			Type: hostType, Value: addr, Normalized: hostNorm,
		})

		for _, port := range host.Ports.Ports {
			if port.State.State != "open" {
				continue
			}
			portNum, err := strconv.Atoi(port.PortID)
			if err != nil {
				continue
			}
			if _, err := normalize.Port(portNum); err != nil {
				continue
			}
			proto := models.ProtoTCP
			if port.Protocol == "udp" {
				proto = models.ProtoUDP
			}
			res.Batch.Services = append(res.Batch.Services, models.ServiceArtifact{
				HostType:       hostType,
				HostValue:      addr,
				HostNormalized: hostNorm,
				Port:           portNum,
				Proto:          proto,
				Name:           port.Service.Name,
				Product:        port.Service.Product,
				Version:        port.Service.Version,
			})
		}
	}
	return res
}

type httpxRecord struct {
	URL        string   `json:"url"`
	Input      string   `json:"input"`
	Host       string   `json:"host"`
	StatusCode int      `json:"status_code"`
	Title      string   `json:"title"`
	WebServer  string   `json:"webserver"`
	Tech       []string `json:"tech"`
}

func parseHTTPXLines(lines []string, target string) *Result {
	res := &Result{Scanner: "httpx", Target: target, Status: models.ScanStatusCompleted}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec httpxRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped httpx record: %v", err))
			continue
		}
		if rec.URL == "" {
			continue
		}

		urlNorm, err := normalize.URL(rec.URL)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped %q: %v", rec.URL, err))
			continue
		}
		res.Batch.Assets = append(res.Batch.Assets, models.AssetArtifact{
			Type: models.AssetTypeURL, Value: rec.URL, Normalized: urlNorm,
		})

		// Probed input is "host[:port]"; the serving edge hangs off the host.
		inputHost := rec.Input
		if inputHost == "" {
			inputHost = rec.Host
		}
		if hostNorm, err := normalize.Domain(inputHost); err == nil {
			res.Batch.Edges = append(res.Batch.Edges, models.EdgeArtifact{
				FromType:       models.AssetTypeSubdomain,
				FromValue:      inputHost,
				FromNormalized: hostNorm,
				ToType:         models.AssetTypeURL,
				ToValue:        rec.URL,
				ToNormalized:   urlNorm,
				RelType:        models.RelServes,
			})
		}

		if len(rec.Tech) > 0 {
			res.Findings = append(res.Findings, models.FindingArtifact{
				Severity:    models.SeverityInfo,
				Title:       fmt.Sprintf("Technology fingerprint: %s", strings.Join(rec.Tech, ", ")),
				Description: fmt.Sprintf("httpx identified %s on %s (HTTP %d)", strings.Join(rec.Tech, ", "), urlNorm, rec.StatusCode),
				URL:         urlNorm,
			})
		}
	}
	return res
}

type nucleiRecord struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Host       string `json:"host"`
	Info       struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Description    string `json:"description"`
		Remediation    string `json:"remediation"`
		Classification struct {
			CVEID     []string `json:"cve-id"`
			CVSSScore float64  `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
}

func parseNucleiLines(lines []string, target string) *Result {
	res := &Result{Scanner: "nuclei", Target: target, Status: models.ScanStatusCompleted}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec nucleiRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped nuclei record: %v", err))
			continue
		}
		if rec.TemplateID == "" {
			continue
		}

		severity := models.Severity(strings.ToLower(rec.Info.Severity))
		switch severity {
		case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow, models.SeverityInfo:
		default:
			severity = models.SeverityInfo
		}

		matched := rec.MatchedAt
		if matched == "" {
			matched = rec.Host
		}

		finding := models.FindingArtifact{
			Severity:    severity,
			Title:       rec.Info.Name,
			Description: rec.Info.Description,
			Remediation: rec.Info.Remediation,
			URL:         matched,
			CVSSScore:   rec.Info.Classification.CVSSScore,
		}
		if len(rec.Info.Classification.CVEID) > 0 {
			finding.CVE = rec.Info.Classification.CVEID[0]
		}
		if finding.Title == "" {
			finding.Title = rec.TemplateID
		}
		res.Findings = append(res.Findings, finding)

		if urlNorm, err := normalize.URL(matched); err == nil {
			res.Batch.Assets = append(res.Batch.Assets, models.AssetArtifact{
				Type: models.AssetTypeURL, Value: matched, Normalized: urlNorm,
			})
		}
	}
	return res
}
