package ir

import "time"

// Band is an ordinal authorization tier. BandNone (0) grants nothing.
type Band int

// BandNone is the band of an entity with no qualifying evidence.
const BandNone Band = 0

// PhaseStatus describes how an entity's band is moving.
type PhaseStatus string

const (
	// StatusDormant means the entity has never held a band above BandNone.
	StatusDormant PhaseStatus = "dormant"
	// StatusEscalating means the last band change was an increase.
	StatusEscalating PhaseStatus = "escalating"
	// StatusSustaining means the band is held and has not yet reached stasis.
	StatusSustaining PhaseStatus = "sustaining"
	// StatusStasis means the band has been unchanged longer than the stasis threshold.
	StatusStasis PhaseStatus = "stasis"
	// StatusRegressing means the last band change was a decrease.
	StatusRegressing PhaseStatus = "regressing"
)

// DefaultMagnitude is applied to signals enqueued without a magnitude (1.0).
const DefaultMagnitude int64 = 1000

// Entity is a sovereign business unit. OutreachID is minted once and never
// regenerated; it is empty until the hub waterfall first touches the entity.
type Entity struct {
	EntityID       string    `json:"entity_id"`
	OutreachID     string    `json:"outreach_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	MintedAt       time.Time `json:"minted_at,omitempty"`
	NeedsRecompute bool      `json:"needs_recompute"`
}

// RegistryEntry is the static definition of a signal type.
// Consulted on every recompute: FreshnessWindow bounds validity and
// ValidityThreshold (permille of remaining freshness) decides when an
// ageing signal stops counting.
type RegistryEntry struct {
	SignalType        string        `json:"signal_type"`
	Category          string        `json:"category"`
	Domain            string        `json:"domain"`
	FreshnessWindow   time.Duration `json:"freshness_window"`
	ValidityThreshold int64         `json:"validity_threshold"`
	Weight            int64         `json:"weight"`
	IsActive          bool          `json:"is_active"`
	Version           int64         `json:"version"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Validity is how long after detection a signal of this type counts: the
// freshness window with the validity threshold's share of its tail cut off.
func (e RegistryEntry) Validity() time.Duration {
	if e.ValidityThreshold <= 0 {
		return e.FreshnessWindow
	}
	return time.Duration(int64(e.FreshnessWindow/time.Millisecond)*(1000-e.ValidityThreshold)/1000) * time.Millisecond
}

// ValidUntil returns the instant sig stops counting when it stays valid for
// validity after detection. A producer expiry can only shorten it.
func (sig Signal) ValidUntil(validity time.Duration) time.Time {
	until := sig.DetectedAt.Add(validity)
	if !sig.ExpiresAt.IsZero() && sig.ExpiresAt.Before(until) {
		until = sig.ExpiresAt
	}
	return until
}

// Signal is an observed fact about an entity. Immutable once written.
type Signal struct {
	SignalID      string    `json:"signal_id"`
	QueueID       string    `json:"queue_id"`
	EntityID      string    `json:"entity_id"`
	SignalType    string    `json:"signal_type"`
	Category      string    `json:"category"`
	Domain        string    `json:"domain"`
	Payload       Payload   `json:"payload"`
	Magnitude     int64     `json:"magnitude"`
	SourceHub     string    `json:"source_hub"`
	Fingerprint   string    `json:"fingerprint"`
	DetectedAt    time.Time `json:"detected_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"` // zero: governed by the registry window only
	CorrelationID string    `json:"correlation_id,omitempty"`
	IsDuplicate   bool      `json:"is_duplicate"`
	DuplicateOf   string    `json:"duplicate_of,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// QueueStatus is the delivery state of a queued signal.
type QueueStatus string

const (
	QueueQueued QueueStatus = "queued"
	QueueLeased QueueStatus = "leased"
	QueueAcked  QueueStatus = "acked"
	QueueDead   QueueStatus = "dead"
)

// QueuedSignal is a raw signal waiting in the ingestion inbox.
type QueuedSignal struct {
	QueueID        string      `json:"queue_id"`
	EntityID       string      `json:"entity_id"`
	SignalType     string      `json:"signal_type"`
	SignalCategory string      `json:"signal_category"`
	Payload        Payload     `json:"payload"`
	Magnitude      int64       `json:"magnitude"`
	SourceHub      string      `json:"source_hub"`
	Priority       int         `json:"priority"`
	Fingerprint    string      `json:"fingerprint"`
	Status         QueueStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	LeaseUntil     time.Time   `json:"lease_until,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	DetectedAt     time.Time   `json:"detected_at"`
	ExpiresAt      time.Time   `json:"expires_at,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	DeadReason     string      `json:"dead_reason,omitempty"`
}

// PhaseState is the per-entity materialized projection of the movement log.
// Exactly one row per entity, mutated only through committed transitions.
type PhaseState struct {
	EntityID           string      `json:"entity_id"`
	CurrentBand        Band        `json:"current_band"`
	PhaseStatus        PhaseStatus `json:"phase_status"`
	ActiveDomainFlags  []string    `json:"active_domain_flags"`
	PrimaryPressure    string      `json:"primary_pressure"`
	AlignedDomainCount int         `json:"aligned_domain_count"`
	Score              int64       `json:"score"`
	EvidenceHash       string      `json:"evidence_hash"`
	LastMovementAt     time.Time   `json:"last_movement_at"`
	LastBandChangeAt   time.Time   `json:"last_band_change_at,omitempty"`
	PhaseEnteredAt     time.Time   `json:"phase_entered_at"`
	StasisStart        time.Time   `json:"stasis_start,omitempty"`
	StasisYears        int         `json:"stasis_years"`
	NextReviewAt       time.Time   `json:"next_review_at,omitempty"`
	LastMovementSeq    int64       `json:"last_movement_seq"`
	Version            int64       `json:"version"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// MovementClass categorizes a committed state transition.
type MovementClass string

const (
	MovementBandIncrease    MovementClass = "band_increase"
	MovementBandDecrease    MovementClass = "band_decrease"
	MovementEvidenceRefresh MovementClass = "evidence_refresh"
	MovementStatusChange    MovementClass = "status_change"
)

// Direction of a movement.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// EvidenceSignal is one signal cited by a movement or proof.
type EvidenceSignal struct {
	SignalID     string    `json:"signal_id"`
	SignalType   string    `json:"signal_type"`
	Domain       string    `json:"domain"`
	SourceHub    string    `json:"source_hub"`
	Magnitude    int64     `json:"magnitude"`
	Contribution int64     `json:"contribution"`
	DetectedAt   time.Time `json:"detected_at"`
	ValidUntil   time.Time `json:"valid_until"`
}

// Evidence is the structured payload behind a band: cited signals and
// per-domain aggregated scores.
type Evidence struct {
	Signals      []EvidenceSignal `json:"signals"`
	DomainScores map[string]int64 `json:"domain_scores"`
}

// MovementEvent is an immutable, append-only record of a PhaseState transition.
// It carries the resulting state so PhaseState can be rebuilt from the log.
type MovementEvent struct {
	MovementID         string        `json:"movement_id"`
	EntityID           string        `json:"entity_id"`
	Seq                int64         `json:"seq"`
	SourceHub          string        `json:"source_hub"`
	SourceTable        string        `json:"source_table"`
	SourceFields       []string      `json:"source_fields"`
	MovementClass      MovementClass `json:"movement_class"`
	PressureClass      string        `json:"pressure_class"`
	Direction          Direction     `json:"direction"`
	Magnitude          int64         `json:"magnitude"`
	FromBand           Band          `json:"from_band"`
	ToBand             Band          `json:"to_band"`
	FromStatus         PhaseStatus   `json:"from_status"`
	ToStatus           PhaseStatus   `json:"to_status"`
	Score              int64         `json:"score"`
	ActiveDomains      []string      `json:"active_domains"`
	AlignedDomainCount int           `json:"aligned_domain_count"`
	EvidenceHash       string        `json:"evidence_hash"`
	Evidence           Evidence      `json:"evidence"`
	DoctrineHash       string        `json:"doctrine_hash"`
	DetectedAt         time.Time     `json:"detected_at"`
	ValidFrom          time.Time     `json:"valid_from"`
	ValidUntil         time.Time     `json:"valid_until,omitempty"`
}

// ProofLine is a time-bounded justification of a held band.
// It is the only artifact the authorization gate may cite.
type ProofLine struct {
	ProofID       string    `json:"proof_id"`
	EntityID      string    `json:"entity_id"`
	Band          Band      `json:"band"`
	PressureClass string    `json:"pressure_class"`
	Sources       []string  `json:"sources"`
	Evidence      Evidence  `json:"evidence"`
	MovementIDs   []string  `json:"movement_ids"`
	HumanReadable string    `json:"human_readable"`
	GeneratedAt   time.Time `json:"generated_at"`
	ValidUntil    time.Time `json:"valid_until"`
	GeneratedBy   string    `json:"generated_by"`
}

// Expired reports whether the proof is no longer valid at t.
func (p ProofLine) Expired(t time.Time) bool {
	return !t.Before(p.ValidUntil)
}

// DenialReason is the machine-readable cause of a denied authorization.
type DenialReason string

const (
	DenyNoProof          DenialReason = "NO_PROOF"
	DenyProofExpired     DenialReason = "PROOF_EXPIRED"
	DenyBandInsufficient DenialReason = "BAND_INSUFFICIENT"
	DenyUnknownAction    DenialReason = "UNKNOWN_ACTION"
	DenyInvalidRequest   DenialReason = "INVALID_REQUEST"

	// DenyStateUnavailable means phase state or proof could not be read.
	// The caller also receives an error; it is not a verdict on evidence.
	DenyStateUnavailable DenialReason = "STATE_UNAVAILABLE"
)

// AuthorizationRecord is one append-only audit row of the authorization log.
type AuthorizationRecord struct {
	AuthorizationID string       `json:"authorization_id"`
	EntityID        string       `json:"entity_id"`
	RequestedAction string       `json:"requested_action"`
	RequestedBand   Band         `json:"requested_band"`
	RequiredBand    Band         `json:"required_band"`
	Authorized      bool         `json:"authorized"`
	ActualBand      Band         `json:"actual_band"`
	DenialReason    DenialReason `json:"denial_reason,omitempty"`
	ProofID         string       `json:"proof_id,omitempty"`
	ProofValid      bool         `json:"proof_valid"`
	ProofExcerpt    string       `json:"proof_excerpt,omitempty"`
	RequestedBy     string       `json:"requested_by"`
	RequestedAt     time.Time    `json:"requested_at"`
}

// Exhaustion policies applied when a hub error runs out of retries.
const (
	ExhaustEscalate = "escalate"
	ExhaustPark     = "park"
)

// Metric sources a hub can be measured from.
const (
	MetricReported = "reported"
	MetricBand     = "band"
)

// HubDefinition is static per-hub configuration from the doctrine.
type HubDefinition struct {
	HubID             string `json:"hub_id"`
	DoctrineID        string `json:"doctrine_id"`
	Classification    string `json:"classification"`
	WaterfallOrder    int    `json:"waterfall_order"`
	GatesCompletion   bool   `json:"gates_completion"`
	CoreMetric        string `json:"core_metric"`
	MetricSource      string `json:"metric_source"`
	HealthyThreshold  int64  `json:"metric_healthy_threshold"`
	CriticalThreshold int64  `json:"metric_critical_threshold"`
	MaxRetries        int    `json:"max_retries"`
	OnExhaustion      string `json:"on_exhaustion"`
	EmitsSignal       string `json:"emits_signal,omitempty"`
	TTLTier           string `json:"ttl_tier"`
}

// HubStatus is the per-(entity, hub) waterfall state.
type HubStatus string

const (
	HubPending   HubStatus = "pending"
	HubCompleted HubStatus = "completed"
	HubError     HubStatus = "error"
)

// HubProgress is the mutable status row for one entity at one hub.
type HubProgress struct {
	OutreachID      string    `json:"outreach_id"`
	EntityID        string    `json:"entity_id"`
	HubID           string    `json:"hub_id"`
	Status          HubStatus `json:"status"`
	StatusReason    string    `json:"status_reason"`
	MetricValue     int64     `json:"metric_value"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	Version         int64     `json:"version"`
}

// Disposition is the lifecycle position of an error record.
type Disposition string

const (
	DispositionOpen      Disposition = "open"
	DispositionRetrying  Disposition = "retrying"
	DispositionResolved  Disposition = "resolved"
	DispositionEscalated Disposition = "escalated"
	DispositionParked    Disposition = "parked"
	DispositionArchived  Disposition = "archived"
)

// Active reports whether the record still participates in retry scheduling.
func (d Disposition) Active() bool {
	return d == DispositionOpen || d == DispositionRetrying
}

// ErrorRecord is the uniform failure record shared by every hub's error table.
type ErrorRecord struct {
	ErrorID            string        `json:"error_id"`
	HubID              string        `json:"hub_id"`
	OutreachID         string        `json:"outreach_id,omitempty"`
	EntityID           string        `json:"entity_id,omitempty"`
	CorrelationID      string        `json:"correlation_id"`
	PipelineStage      string        `json:"pipeline_stage"`
	FailureCode        string        `json:"failure_code"`
	BlockingReason     string        `json:"blocking_reason"`
	Severity           string        `json:"severity"`
	ErrorType          string        `json:"error_type"`
	RawInput           Payload       `json:"raw_input"`
	RetryAllowed       bool          `json:"retry_allowed"`
	RetryCount         int           `json:"retry_count"`
	MaxRetries         int           `json:"max_retries"`
	RetryAfter         time.Duration `json:"retry_after"`
	LastRetryAt        time.Time     `json:"last_retry_at,omitempty"`
	NextRetryAt        time.Time     `json:"next_retry_at,omitempty"`
	RetryExhausted     bool          `json:"retry_exhausted"`
	Disposition        Disposition   `json:"disposition"`
	EscalationLevel    int           `json:"escalation_level"`
	EscalatedAt        time.Time     `json:"escalated_at,omitempty"`
	ParkReason         string        `json:"park_reason,omitempty"`
	ParkedAt           time.Time     `json:"parked_at,omitempty"`
	ParkedBy           string        `json:"parked_by,omitempty"`
	ResolvedAt         time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote     string        `json:"resolution_note,omitempty"`
	TTLTier            string        `json:"ttl_tier"`
	ArchivedAt         time.Time     `json:"archived_at,omitempty"`
	ArchiveReason      string        `json:"archive_reason,omitempty"`
	RetentionExpiresAt time.Time     `json:"retention_expires_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Version            int64         `json:"version"`
}

// MetricReading is the latest reported value of a hub's core metric for an entity.
type MetricReading struct {
	EntityID   string    `json:"entity_id"`
	HubID      string    `json:"hub_id"`
	Metric     string    `json:"metric"`
	Value      int64     `json:"value"`
	ReportedAt time.Time `json:"reported_at"`
	ReportedBy string    `json:"reported_by,omitempty"`
}
