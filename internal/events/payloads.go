package events

// DataStoredPayload accompanies DataStored.
type DataStoredPayload struct {
	DataID      string
	Policy      string
	Size        int
	NodeCount   int
	FailedNodes []string
}

// DataRetrievedPayload accompanies DataRetrieved.
type DataRetrievedPayload struct {
	DataID string
	Size   int
	Nodes  []string
}

// DataDeletedPayload accompanies DataDeleted.
type DataDeletedPayload struct {
	DataID    string
	Succeeded []string
	Failed    []string
}

// SyncPayload accompanies SyncStarted and SyncCompleted.
type SyncPayload struct {
	Nodes   int
	Online  int
	Offline int
}

// VerificationPayload accompanies VerificationStarted and VerificationCompleted.
type VerificationPayload struct {
	Records  int
	Verified int
	Failed   int
}

// NodePayload accompanies NodeAdded, NodeUpdated and NodeStatusChanged.
type NodePayload struct {
	NodeID string
	Status string
}

// FailurePayload accompanies OperationFailed.
type FailurePayload struct {
	Op     string
	DataID string
	Kind   string
	Err    string
}
