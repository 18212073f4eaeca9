package contracts

// SupportedSchemaVersion is the only wire schema version this build accepts.
const SupportedSchemaVersion = "1"

// AssertSupportedSchemaVersion gates every external command on its declared
// schema_version. An empty version is treated as the current version so
// internal callers need not thread it through.
func AssertSupportedSchemaVersion(v string) error {
	if v == "" || v == SupportedSchemaVersion {
		return nil
	}
	return NewError(ReasonUnsupportedVersion, "unsupported schema_version "+v).
		WithDetail("supported", SupportedSchemaVersion)
}
