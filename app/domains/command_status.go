package domains

// CommandStatus is the lifecycle state of a command
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusClaimed   CommandStatus = "claimed"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusTimeout   CommandStatus = "timeout"
)

// AllStatuses lists every lifecycle state in path order
var AllStatuses = []CommandStatus{
	StatusPending,
	StatusClaimed,
	StatusExecuting,
	StatusCompleted,
	StatusFailed,
	StatusTimeout,
}

// transitions is the complete transition table. A status missing from a
// row cannot be reached from that row's status. Terminal states have no row.
//
// executing -> executing is the partial-output transition: it rewrites the
// scratch fields without changing state.
var transitions = map[CommandStatus][]CommandStatus{
	StatusPending:   {StatusClaimed, StatusCompleted, StatusFailed, StatusTimeout},
	StatusClaimed:   {StatusExecuting, StatusCompleted, StatusFailed, StatusTimeout},
	StatusExecuting: {StatusExecuting, StatusCompleted, StatusFailed, StatusTimeout},
}

// IsValid reports whether s is a known status
func (s CommandStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is completed, failed or timeout
func (s CommandStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// CanTransitionTo reports whether the table allows s -> to
func (s CommandStatus) CanTransitionTo(to CommandStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status from which target is reachable in one step,
// in path order. Stores use it as the "from" set of a conditional update.
func SourcesOf(target CommandStatus) []CommandStatus {
	var from []CommandStatus
	for _, s := range AllStatuses {
		if s.CanTransitionTo(target) {
			from = append(from, s)
		}
	}
	return from
}

// NonTerminalStatuses returns pending, claimed and executing
func NonTerminalStatuses() []CommandStatus {
	return []CommandStatus{StatusPending, StatusClaimed, StatusExecuting}
}
