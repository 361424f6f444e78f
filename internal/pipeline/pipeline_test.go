package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perimetra/asm/internal/models"
	"github.com/perimetra/asm/internal/store"
)

func TestBuildHTTPTargets(t *testing.T) {
	probes := []store.HTTPProbeTarget{
		{Host: "a.example.com", Port: 80},
		{Host: "a.example.com", Port: 443},
		{Host: "a.example.com", Port: 8080},
		{Host: "b.example.com", Port: 8443},
		{Host: "a.example.com", Port: 80}, // duplicate
	}

	urls := buildHTTPTargets(probes)

	assert.Equal(t, []string{
		"http://a.example.com/",
		"https://a.example.com/",
		"http://a.example.com:8080/",
		"https://b.example.com:8443/",
	}, urls)
}

func TestStageOrder(t *testing.T) {
	order := []string{StageSubfinder}
	for {
		next := stageAfter[order[len(order)-1]]
		if next == "" {
			break
		}
		order = append(order, next)
	}
	assert.Equal(t, []string{StageSubfinder, StageDNSResolve, StageNmap, StageHTTPX, StageNuclei}, order)
}

func TestPayloadStrings(t *testing.T) {
	// Fresh payloads carry []string; payloads round-tripped through the
	// database come back as []interface{}.
	fresh := models.JSONB{"targets": []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, payloadStrings(fresh, "targets"))

	stored := models.JSONB{"targets": []interface{}{"a", "b", 3}}
	assert.Equal(t, []string{"a", "b"}, payloadStrings(stored, "targets"))

	assert.Nil(t, payloadStrings(models.JSONB{}, "targets"))
}

func TestRunConfigLimits(t *testing.T) {
	o := &Orchestrator{cfg: Config{DefaultMaxHosts: 50, DefaultMaxHTTPTargets: 200}}

	run := &models.Run{Config: models.JSONB{"max_hosts": float64(5)}}
	assert.Equal(t, 5, o.maxHosts(run))
	assert.Equal(t, 200, o.maxHTTPTargets(run))

	empty := &models.Run{Config: models.JSONB{}}
	assert.Equal(t, 50, o.maxHosts(empty))
}
