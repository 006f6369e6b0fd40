package audit

// Entry types.
const (
	TypeEnforcement = "enforcement"
	TypeActivation  = "deferred_activation"
	TypeOverride    = "override"
	TypeManualBlock = "manual_block"
	TypeUnblock     = "manual_unblock"
)

// AuditEntry is one line in the hash-chained JSONL audit log.
// All fields are scalars so json.Marshal field order is deterministic
// and hashing is reproducible.
type AuditEntry struct {
	Timestamp  string `json:"ts"`
	Type       string `json:"type"`
	Session    string `json:"session,omitempty"`
	Domain     string `json:"domain"`
	Category   string `json:"category,omitempty"`
	Score      int    `json:"score"`
	Requested  string `json:"requested,omitempty"`
	Effective  string `json:"effective"`
	Deferred   bool   `json:"deferred,omitempty"`
	Confirmed  bool   `json:"confirmed"`
	RuleID     int    `json:"rule_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`
	PrevHash   string `json:"prev_hash"`
}
