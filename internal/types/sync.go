package types

import "time"

type SyncDirection string

const (
	SyncDirectionInbound       SyncDirection = "inbound"
	SyncDirectionOutbound      SyncDirection = "outbound"
	SyncDirectionBidirectional SyncDirection = "bidirectional"
)

func (d SyncDirection) Inbound() bool {
	return d == SyncDirectionInbound || d == SyncDirectionBidirectional
}

func (d SyncDirection) Outbound() bool {
	return d == SyncDirectionOutbound || d == SyncDirectionBidirectional
}

type SyncFrequency string

const (
	SyncFrequencyManual SyncFrequency = "manual"
	SyncFrequencyHourly SyncFrequency = "hourly"
	SyncFrequencyDaily  SyncFrequency = "daily"
	SyncFrequencyWeekly SyncFrequency = "weekly"
)

// Interval maps a frequency onto a scheduling interval. Unrecognized values
// fall back to hourly.
func (f SyncFrequency) Interval() time.Duration {
	switch f {
	case SyncFrequencyDaily:
		return 24 * time.Hour
	case SyncFrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Record is one external or CRM record in transit through the sync engine.
type Record map[string]any

func (r Record) String(key string) string {
	if raw, ok := r[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

// NaturalKeys extracts the per-entity reconciliation keys from a record:
// contacts match by email or external id, companies by domain, name or
// external id, everything else by external id only.
func NaturalKeys(entity string, record Record) map[string]string {
	keys := map[string]string{}
	switch entity {
	case "contacts":
		if email := record.String("email"); email != "" {
			keys["email"] = email
		}
		if id := record.String("externalId"); id != "" {
			keys["externalId"] = id
		}
	case "companies":
		if domain := record.String("domain"); domain != "" {
			keys["domain"] = domain
		}
		if name := record.String("name"); name != "" {
			keys["name"] = name
		}
		if id := record.String("externalId"); id != "" {
			keys["externalId"] = id
		}
	default:
		if id := record.String("externalId"); id != "" {
			keys["externalId"] = id
		}
	}
	return keys
}

type SyncOptions struct {
	Direction SyncDirection `json:"direction,omitempty"`
	Entities  []string      `json:"entities,omitempty"`
	Force     bool          `json:"force,omitempty"`
	DryRun    bool          `json:"dryRun,omitempty"`
}

// SyncResult aggregates one sync invocation across all entities.
type SyncResult struct {
	Success    bool       `json:"success"`
	Processed  int        `json:"processed"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	Errors     []string   `json:"errors,omitempty"`
	DurationMs int64      `json:"durationMs"`
	NextSyncAt *time.Time `json:"nextSyncAt,omitempty"`
}

func (r *SyncResult) Merge(other SyncResult) {
	r.Processed += other.Processed
	r.Created += other.Created
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// SyncSummary is the persisted trace of the most recent sync run.
type SyncSummary struct {
	Timestamp  time.Time `json:"timestamp"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Errors     []string  `json:"errors,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// PushResult is a provider handler's self-reported outbound classification.
type PushResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Empty reports whether the provider returned no classification at all.
func (p PushResult) Empty() bool {
	return p.Created == 0 && p.Updated == 0 && p.Skipped == 0 && len(p.Errors) == 0
}

// SyncRun is one persisted sync invocation for the run log.
type SyncRun struct {
	ID            string    `json:"id" db:"id"`
	IntegrationID string    `json:"integrationId" db:"integration_id"`
	TriggeredBy   string    `json:"triggeredBy" db:"triggered_by"`
	Direction     string    `json:"direction" db:"direction"`
	Success       bool      `json:"success" db:"success"`
	Processed     int       `json:"processed" db:"processed"`
	Created       int       `json:"created" db:"created"`
	Updated       int       `json:"updated" db:"updated"`
	Skipped       int       `json:"skipped" db:"skipped"`
	ErrorCount    int       `json:"errorCount" db:"error_count"`
	DurationMs    int64     `json:"durationMs" db:"duration_ms"`
	StartedAt     time.Time `json:"startedAt" db:"started_at"`
}
