package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RunTrigger string

const (
	TriggerManual       RunTrigger = "manual"
	TriggerScheduled    RunTrigger = "scheduled"
	TriggerVerification RunTrigger = "verification"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusDiscarded RunStatus = "discarded"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusDiscarded:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job types. Scanner jobs use the "scanner:" prefix followed by the
// scanner name from its descriptor (e.g. "scanner:nmap").
const (
	JobTypePipeline      = "pipeline"
	JobTypeVerifyAsset   = "verify_asset"
	JobTypeVerifyService = "verify_service"
	ScannerJobPrefix     = "scanner:"
)

func ScannerJobType(scanner string) string {
	return ScannerJobPrefix + scanner
}

type ScanStatus string

const (
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

type AssetType string

const (
	AssetTypeSubdomain AssetType = "subdomain"
	AssetTypeHost      AssetType = "host"
	AssetTypeIP        AssetType = "ip"
	AssetTypeURL       AssetType = "url"
)

type ArtifactStatus string

const (
	StatusActive     ArtifactStatus = "active"
	StatusStale      ArtifactStatus = "stale"
	StatusClosed     ArtifactStatus = "closed"
	StatusUnresolved ArtifactStatus = "unresolved"
)

type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
)

type EdgeRel string

const (
	RelResolvesTo  EdgeRel = "resolves_to"
	RelServes      EdgeRel = "serves"
	RelRedirectsTo EdgeRel = "redirects_to"
	RelCNAME       EdgeRel = "cname"
	RelAlias       EdgeRel = "alias"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for threshold comparisons (critical highest).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// String pulls a string field out of a payload, with a fallback.
func (j JSONB) String(key, def string) string {
	if v, ok := j[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int pulls an integer field out of a payload. JSON numbers arrive as
// float64 after a round-trip through the database.
func (j JSONB) Int(key string, def int) int {
	switch v := j[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

type Target struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	RootDomain string    `json:"root_domain" db:"root_domain"`
	Scope      JSONB     `json:"scope" db:"scope"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

type Run struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TargetID    uuid.UUID  `json:"target_id" db:"target_id"`
	Trigger     RunTrigger `json:"trigger" db:"trigger"`
	Status      RunStatus  `json:"status" db:"status"`
	Config      JSONB      `json:"config" db:"config"`
	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Job struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Type            string     `json:"type" db:"type"`
	Status          JobStatus  `json:"status" db:"status"`
	TargetID        uuid.UUID  `json:"target_id" db:"target_id"`
	RunID           *uuid.UUID `json:"run_id,omitempty" db:"run_id"`
	Payload         JSONB      `json:"payload" db:"payload"`
	Priority        int        `json:"priority" db:"priority"`
	Attempts        int        `json:"attempts" db:"attempts"`
	MaxAttempts     int        `json:"max_attempts" db:"max_attempts"`
	AvailableAt     time.Time  `json:"available_at" db:"available_at"`
	LeaseOwner      *string    `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	LastError       string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Stage returns the pipeline stage a scanner job belongs to, if any.
func (j *Job) Stage() string {
	return j.Payload.String("stage", "")
}

type Scan struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TargetID    uuid.UUID  `json:"target_id" db:"target_id"`
	RunID       *uuid.UUID `json:"run_id,omitempty" db:"run_id"`
	Scanner     string     `json:"scanner" db:"scanner"`
	ScanTarget  string     `json:"scan_target" db:"scan_target"`
	Status      ScanStatus `json:"status" db:"status"`
	Config      JSONB      `json:"config" db:"config"`
	RawOutput   *string    `json:"raw_output,omitempty" db:"raw_output"`
	Error       string     `json:"error,omitempty" db:"error"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Asset struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TargetID       uuid.UUID      `json:"target_id" db:"target_id"`
	Type           AssetType      `json:"type" db:"type"`
	Value          string         `json:"value" db:"value"`
	Normalized     string         `json:"normalized" db:"normalized"`
	Status         ArtifactStatus `json:"status" db:"status"`
	StatusReason   *string        `json:"status_reason,omitempty" db:"status_reason"`
	FirstSeenRunID uuid.UUID      `json:"first_seen_run_id" db:"first_seen_run_id"`
	LastSeenRunID  uuid.UUID      `json:"last_seen_run_id" db:"last_seen_run_id"`
	FirstSeenAt    time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at" db:"last_seen_at"`
	VerifiedAt     *time.Time     `json:"verified_at,omitempty" db:"verified_at"`
	VerifiedRunID  *uuid.UUID     `json:"verified_run_id,omitempty" db:"verified_run_id"`
}

type Service struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TargetID       uuid.UUID      `json:"target_id" db:"target_id"`
	AssetID        uuid.UUID      `json:"asset_id" db:"asset_id"`
	Port           int            `json:"port" db:"port"`
	Proto          Proto          `json:"proto" db:"proto"`
	Name           *string        `json:"name,omitempty" db:"name"`
	Product        *string        `json:"product,omitempty" db:"product"`
	Version        *string        `json:"version,omitempty" db:"version"`
	Status         ArtifactStatus `json:"status" db:"status"`
	StatusReason   *string        `json:"status_reason,omitempty" db:"status_reason"`
	FirstSeenRunID uuid.UUID      `json:"first_seen_run_id" db:"first_seen_run_id"`
	LastSeenRunID  uuid.UUID      `json:"last_seen_run_id" db:"last_seen_run_id"`
	FirstSeenAt    time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at" db:"last_seen_at"`
	VerifiedAt     *time.Time     `json:"verified_at,omitempty" db:"verified_at"`
	VerifiedRunID  *uuid.UUID     `json:"verified_run_id,omitempty" db:"verified_run_id"`
}

type Edge struct {
	ID             uuid.UUID `json:"id" db:"id"`
	TargetID       uuid.UUID `json:"target_id" db:"target_id"`
	FromAssetID    uuid.UUID `json:"from_asset_id" db:"from_asset_id"`
	ToAssetID      uuid.UUID `json:"to_asset_id" db:"to_asset_id"`
	RelType        EdgeRel   `json:"rel_type" db:"rel_type"`
	FirstSeenRunID uuid.UUID `json:"first_seen_run_id" db:"first_seen_run_id"`
	LastSeenRunID  uuid.UUID `json:"last_seen_run_id" db:"last_seen_run_id"`
	FirstSeenAt    time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at" db:"last_seen_at"`
}

type Finding struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TargetID    uuid.UUID  `json:"target_id" db:"target_id"`
	RunID       *uuid.UUID `json:"run_id,omitempty" db:"run_id"`
	ScanID      *uuid.UUID `json:"scan_id,omitempty" db:"scan_id"`
	AssetID     *uuid.UUID `json:"asset_id,omitempty" db:"asset_id"`
	ServiceID   *uuid.UUID `json:"service_id,omitempty" db:"service_id"`
	Severity    Severity   `json:"severity" db:"severity"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	Impact      string     `json:"impact" db:"impact"`
	Evidence    string     `json:"evidence" db:"evidence"`
	Remediation string     `json:"remediation" db:"remediation"`
	URL         string     `json:"url" db:"url"`
	CVE         string     `json:"cve" db:"cve"`
	CVSSScore   float64    `json:"cvss_score" db:"cvss_score"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

type RunEvent struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TargetID  uuid.UUID  `json:"target_id" db:"target_id"`
	RunID     *uuid.UUID `json:"run_id,omitempty" db:"run_id"`
	Kind      string     `json:"kind" db:"kind"`
	Detail    JSONB      `json:"detail,omitempty" db:"detail"`
	Actor     string     `json:"actor,omitempty" db:"actor"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type Schedule struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	TargetID        uuid.UUID  `json:"target_id" db:"target_id"`
	IntervalSeconds int        `json:"interval_seconds" db:"interval_seconds"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	PipelineConfig  JSONB      `json:"pipeline_config" db:"pipeline_config"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s *Service) String() string {
	return fmt.Sprintf("%d/%s", s.Port, s.Proto)
}
