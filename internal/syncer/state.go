package syncer

// State is the engine's position in the poll/fetch/persist loop. The
// engine publishes it as a gauge so operators can see where ingestion
// is stuck during incidents.
type State int32

const (
	StateInitializing State = iota
	StatePolling
	StateFetching
	StateBackoff
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateFetching:
		return "fetching"
	case StateBackoff:
		return "backoff"
	case StateShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}
