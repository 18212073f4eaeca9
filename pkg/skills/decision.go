// Package skills implements the skills ledger: package import with status
// merge, pending review, synthetic assessments, and primary-skill
// selection.
package skills

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Status is the skill-package trust status. Statuses form a lattice:
// merges always move toward the higher rank, never back.
type Status string

const (
	StatusPending     Status = "pending"
	StatusVerified    Status = "verified"
	StatusQuarantined Status = "quarantined"
)

var statusRank = map[Status]int{
	StatusPending:     1,
	StatusVerified:    2,
	StatusQuarantined: 3,
}

// Rank returns the merge rank of a status; unknown statuses rank lowest.
func (s Status) Rank() int { return statusRank[s] }

// Merge returns the higher-ranked of two statuses.
func Merge(existing, proposed Status) Status {
	if proposed.Rank() > existing.Rank() {
		return proposed
	}
	return existing
}

// Quarantine and review reasons.
const (
	ReasonInvalidHash             = "invalid_hash_sha256"
	ReasonInvalidManifest         = "invalid_manifest"
	ReasonVerifyStoredHash        = "verify_stored_hash_invalid"
	ReasonVerifyStoredManifest    = "verify_stored_manifest_invalid"
	ReasonVerifySignatureRequired = "verify_signature_required"
)

// sha256Shape is the canonical lowercase hex digest form, with an optional
// "sha256:" prefix.
var sha256Shape = regexp.MustCompile(`^(sha256:)?[0-9a-f]{64}$`)

// ValidHash reports whether the hash has canonical sha256 shape.
func ValidHash(hash string) bool {
	return sha256Shape.MatchString(strings.TrimSpace(hash))
}

// manifestSchema gates the required manifest surface. Anything extra is
// allowed; the four declared fields are not.
const manifestSchemaJSON = `{
	"type": "object",
	"required": ["required_tools", "egress_domains", "sandbox_required", "data_access"],
	"properties": {
		"required_tools":  {"type": "array", "items": {"type": "string"}},
		"egress_domains":  {"type": "array", "items": {"type": "string"}},
		"sandbox_required": {"type": "boolean"},
		"data_access": {
			"type": "object",
			"properties": {
				"read":  {"type": "boolean"},
				"write": {"type": "boolean"}
			}
		}
	}
}`

var manifestSchema = jsonschema.MustCompileString("skill-manifest.json", manifestSchemaJSON)

// ValidManifest reports whether the manifest carries the required fields
// with the right shapes.
func ValidManifest(manifest json.RawMessage) bool {
	if len(manifest) == 0 {
		return false
	}
	var doc any
	if err := json.Unmarshal(manifest, &doc); err != nil {
		return false
	}
	return manifestSchema.Validate(doc) == nil
}

// Decision is the outcome of the import decision function.
type Decision struct {
	Status Status
	Reason string
}

// DecideImport classifies a submitted package. Order matters: a bad hash
// quarantines before the manifest is even looked at.
func DecideImport(hash string, manifest json.RawMessage, signature string) Decision {
	switch {
	case !ValidHash(hash):
		return Decision{Status: StatusQuarantined, Reason: ReasonInvalidHash}
	case !ValidManifest(manifest):
		return Decision{Status: StatusQuarantined, Reason: ReasonInvalidManifest}
	case signature != "":
		return Decision{Status: StatusVerified}
	default:
		return Decision{Status: StatusPending}
	}
}

// DecideReview re-runs the import decision against stored fields. A
// pending package without a signature does not stay pending here; review
// is the moment it must prove itself.
func DecideReview(hash string, manifest json.RawMessage, signature string) Decision {
	switch {
	case !ValidHash(hash):
		return Decision{Status: StatusQuarantined, Reason: ReasonVerifyStoredHash}
	case !ValidManifest(manifest):
		return Decision{Status: StatusQuarantined, Reason: ReasonVerifyStoredManifest}
	case signature != "":
		return Decision{Status: StatusVerified}
	default:
		return Decision{Status: StatusQuarantined, Reason: ReasonVerifySignatureRequired}
	}
}
