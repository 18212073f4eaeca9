package skills

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const validManifest = `{
	"required_tools": ["shell"],
	"egress_domains": ["api.example.com"],
	"sandbox_required": true,
	"data_access": {"read": true, "write": false}
}`

var validHash = strings.Repeat("ab", 32)

func TestValidHash(t *testing.T) {
	assert.True(t, ValidHash(validHash))
	assert.True(t, ValidHash("sha256:"+validHash))
	assert.True(t, ValidHash("  "+validHash+"  "), "surrounding whitespace is trimmed")

	assert.False(t, ValidHash(""))
	assert.False(t, ValidHash(strings.ToUpper(validHash)), "uppercase hex is not canonical")
	assert.False(t, ValidHash(validHash[:63]))
	assert.False(t, ValidHash("md5:"+validHash))
}

func TestValidManifest(t *testing.T) {
	assert.True(t, ValidManifest(json.RawMessage(validManifest)))

	assert.False(t, ValidManifest(nil))
	assert.False(t, ValidManifest(json.RawMessage(`not json`)))
	assert.False(t, ValidManifest(json.RawMessage(`{"required_tools": []}`)), "missing required fields")
	assert.False(t, ValidManifest(json.RawMessage(`{
		"required_tools": "shell",
		"egress_domains": [],
		"sandbox_required": true,
		"data_access": {}
	}`)), "required_tools must be an array")

	// Extra fields are fine.
	assert.True(t, ValidManifest(json.RawMessage(`{
		"required_tools": [],
		"egress_domains": [],
		"sandbox_required": false,
		"data_access": {},
		"vendor": "acme"
	}`)))
}

func TestDecideImportLadder(t *testing.T) {
	manifest := json.RawMessage(validManifest)

	// Bad hash wins even when everything else is bad too.
	d := DecideImport("nope", json.RawMessage(`{}`), "")
	assert.Equal(t, StatusQuarantined, d.Status)
	assert.Equal(t, ReasonInvalidHash, d.Reason)

	d = DecideImport(validHash, json.RawMessage(`{}`), "sig")
	assert.Equal(t, StatusQuarantined, d.Status)
	assert.Equal(t, ReasonInvalidManifest, d.Reason)

	d = DecideImport(validHash, manifest, "sig")
	assert.Equal(t, StatusVerified, d.Status)
	assert.Empty(t, d.Reason)

	d = DecideImport(validHash, manifest, "")
	assert.Equal(t, StatusPending, d.Status)
}

func TestDecideReviewDemandsSignature(t *testing.T) {
	manifest := json.RawMessage(validManifest)

	d := DecideReview("nope", manifest, "sig")
	assert.Equal(t, ReasonVerifyStoredHash, d.Reason)

	d = DecideReview(validHash, json.RawMessage(`{}`), "sig")
	assert.Equal(t, ReasonVerifyStoredManifest, d.Reason)

	d = DecideReview(validHash, manifest, "sig")
	assert.Equal(t, StatusVerified, d.Status)

	// Unlike import, review never leaves a package pending.
	d = DecideReview(validHash, manifest, "")
	assert.Equal(t, StatusQuarantined, d.Status)
	assert.Equal(t, ReasonVerifySignatureRequired, d.Reason)
}

func TestStatusMergeLattice(t *testing.T) {
	cases := []struct {
		existing, proposed, want Status
	}{
		{StatusPending, StatusVerified, StatusVerified},
		{StatusVerified, StatusPending, StatusVerified},
		{StatusVerified, StatusQuarantined, StatusQuarantined},
		{StatusQuarantined, StatusVerified, StatusQuarantined},
		{StatusPending, StatusPending, StatusPending},
		{StatusQuarantined, StatusPending, StatusQuarantined},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Merge(tc.existing, tc.proposed),
			"merge(%s, %s)", tc.existing, tc.proposed)
	}
	assert.Equal(t, 0, Status("unknown").Rank())
}
