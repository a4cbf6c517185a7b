package domain

// Storage key prefixes, one per record type.
const (
	NodeKeyPrefix       = "node:"
	JobKeyPrefix        = "job:"
	CredentialKeyPrefix = "credential:"
)
