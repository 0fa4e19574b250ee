// Package types holds the wire-level entities of the lab lifecycle core:
// Lab, PortReservation, and Evidence, plus their enumerations.
package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LabStatus is the lab's position in the state machine of labstate.Transition.
type LabStatus string

const (
	LabStatusRequested    LabStatus = "REQUESTED"
	LabStatusProvisioning LabStatus = "PROVISIONING"
	LabStatusReady        LabStatus = "READY"
	LabStatusDegraded     LabStatus = "DEGRADED"
	LabStatusEnding       LabStatus = "ENDING"
	LabStatusFinished     LabStatus = "FINISHED"
	LabStatusFailed       LabStatus = "FAILED"
)

// RuntimeKind names the backend that owns a lab's compute resources. Server-owned:
// written once at lab creation and never mutated afterward (invariant 4, spec §3.2).
type RuntimeKind string

const (
	RuntimeCompose RuntimeKind = "COMPOSE"
	RuntimeMicroVM RuntimeKind = "MICROVM"
	RuntimeNoop    RuntimeKind = "NOOP"
)

// EvidenceState describes how truthfully sealed a lab's evidence is.
type EvidenceState string

const (
	EvidenceCollecting  EvidenceState = "COLLECTING"
	EvidenceReady       EvidenceState = "READY"
	EvidencePartial     EvidenceState = "PARTIAL"
	EvidenceUnavailable EvidenceState = "UNAVAILABLE"
)

// EvidenceSealStatus tracks whether the manifest hash has been computed and stored.
type EvidenceSealStatus string

const (
	EvidenceSealNone   EvidenceSealStatus = "NONE"
	EvidenceSealSealed EvidenceSealStatus = "SEALED"
	EvidenceSealFailed EvidenceSealStatus = "FAILED"
)

// RuntimeMeta is an opaque, server-safe map of backend handles. Per invariant 7 it
// may only ever hold short identifiers, basenames, and integers — never full paths,
// tokens, passwords, or database URLs.
type RuntimeMeta map[string]any

// Value implements driver.Valuer so RuntimeMeta round-trips through the
// labs.runtime_meta JSONB column.
func (m RuntimeMeta) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for RuntimeMeta.
func (m *RuntimeMeta) Scan(src any) error {
	if src == nil {
		*m = RuntimeMeta{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan source for RuntimeMeta: %T", src)
	}
	out := RuntimeMeta{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("unmarshal RuntimeMeta: %w", err)
		}
	}
	*m = out
	return nil
}

// Lab is the central entity: one row per provisioned rehearsal environment.
type Lab struct {
	ID       uuid.UUID   `db:"id"`
	OwnerID  uuid.UUID   `db:"owner_id"`
	RecipeID uuid.UUID   `db:"recipe_id"`
	Status   LabStatus   `db:"status"`
	Runtime  RuntimeKind `db:"runtime"`

	RuntimeMeta     RuntimeMeta `db:"runtime_meta"`
	RequestedIntent RuntimeMeta `db:"requested_intent"`

	NoVNCHostPort *int `db:"novnc_host_port"`

	ExpiresAt     *time.Time `db:"expires_at"`
	ConnectionURL *string    `db:"connection_url"`

	EvidenceState          EvidenceState      `db:"evidence_state"`
	EvidenceFinalizedAt    *time.Time         `db:"evidence_finalized_at"`
	EvidencePurgedAt       *time.Time         `db:"evidence_purged_at"`
	EvidenceExpiresAt      *time.Time         `db:"evidence_expires_at"`
	EvidenceSealedAt       *time.Time         `db:"evidence_sealed_at"`
	EvidenceSealStatus     EvidenceSealStatus `db:"evidence_seal_status"`
	EvidenceManifestSHA256 *string            `db:"evidence_manifest_sha256"`

	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

// LightweightLab is the handle the teardown worker and watchdog carry after a
// claim select: only the fields needed to route to the right backend and to log
// without leaking tenant data, per invariant 5.
type LightweightLab struct {
	ID      uuid.UUID
	Status  LabStatus
	Runtime RuntimeKind
}

// PortReservation is the §3.1 secondary representation of port ownership.
type PortReservation struct {
	LabID uuid.UUID `db:"lab_id"`
	Port  int       `db:"port"`
}

// EvidenceEventType enumerates the kinds of evidence event rows accepted by ingest.
type EvidenceEventType string

const (
	EvidenceEventTerminalLog EvidenceEventType = "terminal_log"
	EvidenceEventPcap        EvidenceEventType = "pcap"
	EvidenceEventGeneric     EvidenceEventType = "generic"
)

// EvidenceEvent is one append-only row accepted by event ingest; survivors are
// upserted idempotently keyed on EventHash.
type EvidenceEvent struct {
	EventHash     string            `db:"event_hash"`
	LabID         uuid.UUID         `db:"lab_id"`
	EventType     EvidenceEventType `db:"event_type"`
	ContainerName string            `db:"container_name"`
	Timestamp     time.Time         `db:"timestamp"`
	Payload       []byte            `db:"payload"`
}

// TeardownResult reports whether a destroy_lab call truthfully removed all
// observable resources for a lab, per spec §4.D.
type TeardownResult struct {
	Success             bool
	ContainersRemaining int
	NetworksRemaining   int
}

// CreateEnv is the curated, explicit environment injected into a backend's
// subprocesses — the only avenue into the subprocess environment (spec §9,
// "replace dynamic kwargs and env dict").
type CreateEnv struct {
	LabID       string
	HostPort    int
	BindHost    string
	VNCPassword string // empty unless VNC auth mode = password
}

// EvidenceArtifacts reports which categories of evidence a backend actually
// found on disk/in its volumes for a lab, per spec §4.I. Never inferred from
// database event rows — always probed against the runtime's own storage.
type EvidenceArtifacts struct {
	TerminalLogs bool
	Pcap         bool
}

// Any reports whether at least one artifact category was found.
func (a EvidenceArtifacts) Any() bool {
	return a.TerminalLogs || a.Pcap
}

// All reports whether every artifact category was found.
func (a EvidenceArtifacts) All() bool {
	return a.TerminalLogs && a.Pcap
}
