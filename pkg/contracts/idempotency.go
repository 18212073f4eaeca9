package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CommandKind names an idempotent command family. Key synthesis is
// centralized here so two call sites can never collide on format.
type CommandKind string

const (
	CommandLeaseClaim      CommandKind = "lease.claim"
	CommandLeasePreempt    CommandKind = "lease.preempt"
	CommandLeaseRelease    CommandKind = "lease.release"
	CommandRunClaim        CommandKind = "run.claim"
	CommandSkillImport     CommandKind = "skill.import"
	CommandTrustRecompute  CommandKind = "trust.recompute"
	CommandPolicyDecision  CommandKind = "policy.decision"
	CommandApprovalDecide  CommandKind = "approval.decide"
	CommandAgentQuarantine CommandKind = "agent.quarantine"
)

// IdempotencyKey synthesizes a deterministic key for a command. The fields
// map is canonicalized with JCS before hashing, so key order and JSON
// whitespace cannot produce distinct keys for the same command.
func IdempotencyKey(kind CommandKind, fields map[string]any) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("idempotency key marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("idempotency key canonicalization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return string(kind) + ":" + hex.EncodeToString(sum[:16]), nil
}

// PreemptionKey keys a lease.preempted event to the (old, new) lease pair
// so an expired-lease reclaim emits the preemption exactly once.
func PreemptionKey(oldLeaseID, newLeaseID string) string {
	return fmt.Sprintf("lease.preempted:%s:%s", oldLeaseID, newLeaseID)
}
