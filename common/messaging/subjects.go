package messaging

// Subject constants for the intel message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// SubjectObservablesSubmit carries observables waiting for enrichment
	// and storage. Consumed as a durable work queue.
	SubjectObservablesSubmit = "intel.observables.submit"

	// SubjectObservablesCreated broadcasts observables after they were
	// stored, originals and derived alike.
	SubjectObservablesCreated = "intel.observables.created"

	// SubjectDLQPrefix prefixes dead-letter subjects; the reason is appended.
	SubjectDLQPrefix = "intel.dlq"
)

// Header keys. Fanout messages carry the observable's type, provider and
// related id; dead letters carry the failure reason.
const (
	HeaderOType    = "Intel-Otype"
	HeaderProvider = "Intel-Provider"
	HeaderRelated  = "Intel-Related"
	HeaderReason   = "Intel-Reason"
)

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: intel.dlq.decode
func DLQSubject(reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return SubjectDLQPrefix + "." + reason
}
