package signer

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AuditLog is an append-only trail of signing, decryption and config events,
// one JSON record per line. Writes are best-effort: an audit failure must
// never be able to fail the operation being audited, so every I/O error is
// discarded.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	enabled bool
}

type auditEntry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Details   string `json:"details"`
}

func NewAuditLog(dbPath string) *AuditLog {
	return &AuditLog{
		path:    sidecarPath(dbPath, "audit.jsonl"),
		enabled: true,
	}
}

// DisabledAuditLog accepts all calls as no-ops, for flows where audit writes
// are undesired.
func DisabledAuditLog() *AuditLog {
	return &AuditLog{enabled: false}
}

func (l *AuditLog) Record(operation, details string) {
	if l == nil || !l.enabled {
		return
	}
	entry := auditEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: operation,
		Details:   details,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.Write(append(raw, '\n'))
}

func (l *AuditLog) Path() string {
	return l.path
}
