package compare

// State is the coarse progress of one comparison run.
type State string

const (
	StateNotStarted        State = "not_started"
	StateNamesResolved     State = "names_resolved"
	StateRendered          State = "rendered"
	StateRasterized        State = "rasterized"
	StatePagesValidated    State = "pages_validated"
	StatePerPageProcessing State = "per_page_processing"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Observer is told about every state change of a run, in order, from one goroutine.
type Observer func(taskID string, s State)
