package domain

// JobState is a step of the per-job state machine.
type JobState string

// Job states, in processing order. JobStateFailed is reachable from any state.
const (
	JobStateReceived     JobState = "RECEIVED"
	JobStateReserving    JobState = "RESERVING"
	JobStateFetching     JobState = "FETCHING"
	JobStateTransforming JobState = "TRANSFORMING"
	JobStateWriting      JobState = "WRITING"
	JobStateCommitting   JobState = "COMMITTING"
	JobStateAcknowledged JobState = "ACKNOWLEDGED"
	JobStateFailed       JobState = "FAILED"
)

// EntryState is the persisted state of a ledger entry.
type EntryState string

// Ledger entry states. EntryStateReleased means no attempt holds the key;
// it behaves as an absent entry but keeps attempt counters.
const (
	EntryStateReserved EntryState = "RESERVED"
	EntryStateDone     EntryState = "DONE"
	EntryStateFailed   EntryState = "FAILED"
	EntryStateReleased EntryState = "RELEASED"
)

// Outcome is the terminal result of a job as seen by the notification source.
type Outcome string

const (
	// OutcomeAcknowledged means the derived object was written and committed.
	OutcomeAcknowledged Outcome = "ACKNOWLEDGED"
	// OutcomeDuplicate means the ledger already held DONE for the job key.
	OutcomeDuplicate Outcome = "DUPLICATE"
	// OutcomeSkipped means the notification was ignored (e.g. a derived object).
	OutcomeSkipped Outcome = "SKIPPED"
	// OutcomeFailed means the job reached FAILED (permanent or exhausted).
	OutcomeFailed Outcome = "FAILED"
	// OutcomeAbandoned means shutdown interrupted the job; the source redelivers it.
	OutcomeAbandoned Outcome = "ABANDONED"
)

// Canonical content types understood by the pipeline.
const (
	ContentTypeJPEG = "image/jpeg"
	ContentTypePNG  = "image/png"
	ContentTypeGIF  = "image/gif"
)

// DefaultDerivedPrefix is prepended to every derived object key.
const DefaultDerivedPrefix = "resized/"

// Object metadata keys written alongside derived objects.
const (
	MetaJobKey       = "job-key"
	MetaSourceKey    = "source-key"
	MetaSourceWidth  = "source-width"
	MetaSourceHeight = "source-height"
	MetaWidth        = "width"
	MetaHeight       = "height"
)
