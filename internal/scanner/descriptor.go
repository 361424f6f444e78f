package scanner

import "time"

// Descriptor declares everything the runner needs to execute one scanner:
// the argv template, a hard timeout, the parser that turns raw output into
// typed artifacts, and the artifact kinds the scanner is expected to emit.
// Adding a scanner is adding a descriptor row plus (at most) a parser
// function; there is no per-scanner subclassing.
type Descriptor struct {
	Name           string
	Binary         string
	Argv           []string // tokens; "{target}" is substituted with the scan target
	TimeoutSeconds int
	ParserID       string
	Kinds          []string
	BatchStdin     bool // feed batch targets over stdin, one per line
}

func (d Descriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

var registry = map[string]Descriptor{
	"subfinder": {
		Name:           "subfinder",
		Binary:         "subfinder",
		Argv:           []string{"subfinder", "-d", "{target}", "-silent"},
		TimeoutSeconds: 120,
		ParserID:       "subfinder_lines",
		Kinds:          []string{"subdomain"},
	},
	"nmap": {
		Name:           "nmap",
		Binary:         "nmap",
		Argv:           []string{"nmap", "-sV", "-T4", "-oX", "-", "{target}"},
		TimeoutSeconds: 600,
		ParserID:       "nmap_xml",
		Kinds:          []string{"ip", "service"},
	},
	"httpx": {
		Name:   "httpx",
		Binary: "httpx",
		Argv: []string{
			"httpx", "-json", "-silent", "-status-code", "-title",
			"-tech-detect", "-follow-redirects", "-web-server",
		},
		TimeoutSeconds: 120,
		ParserID:       "httpx_jsonl",
		Kinds:          []string{"url", "edge"},
		BatchStdin:     true,
	},
	"nuclei": {
		Name:           "nuclei",
		Binary:         "nuclei",
		Argv:           []string{"nuclei", "-l", "/dev/stdin", "-jsonl", "-silent"},
		TimeoutSeconds: 600,
		ParserID:       "nuclei_jsonl",
		Kinds:          []string{"finding", "url"},
		BatchStdin:     true,
	},
}

func Lookup(name string) (Descriptor, bool) {
	d, ok := registry[name]
	return d, ok
}

// Names lists the registered scanners in no particular order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
