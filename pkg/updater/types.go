package updater

// State is the phase of the update engine.
type State string

const (
	StateIdle        State = "IDLE"
	StateChecking    State = "CHECKING"
	StateDownloading State = "DOWNLOADING"
	StateExtracting  State = "EXTRACTING"
	StateApplying    State = "APPLYING"
	StateCompleted   State = "COMPLETED"
	StateError       State = "ERROR"
)

// Status is one published snapshot of the engine. Values are never mutated
// after publication; every change publishes a fresh copy.
type Status struct {
	State           State
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
	// Progress is 0-100 and never decreases within one flow.
	Progress     int
	DownloadURL  string
	ReleaseNotes string
	ReleaseURL   string
	Message      string
	// Error is set only when State is StateError.
	Error string
}

// Settled reports whether no phase is in progress.
func (s Status) Settled() bool {
	switch s.State {
	case StateIdle, StateCompleted, StateError:
		return true
	}
	return false
}

// checkRequest is the check machine input
type checkRequest struct {
	FlowID string
	Repo   string
}

// checkResponse is accumulated across check transitions
type checkResponse struct {
	Tag       string
	AssetURL  string
	Available bool
}

// applyRequest is the apply machine input
type applyRequest struct {
	FlowID   string
	Tag      string
	AssetURL string
}

// applyResponse is accumulated across apply transitions
type applyResponse struct {
	// From Download
	ArchivePath string
	SHA256      string
	Size        int64

	// From Extract
	SourceRoot string

	// From Apply
	FilesCopied int
	Removed     int
	Failures    int
}

// Machine and state names
const (
	checkMachine = "release-check"
	applyMachine = "release-apply"

	stateProbe   = "probe"
	stateFetch   = "fetch"
	stateCompare = "compare"

	stateDownload = "download"
	stateExtract  = "extract"
	stateApply    = "apply"
	stateFinalize = "finalize"

	stateSettled = "settled"
)

// Progress bands
const (
	checkProbed  = 10
	checkFetched = 70

	applyDownloaded = 50
	applyExtracted  = 75
	applyMirrored   = 95
	progressDone    = 100
)
