package transport

import "time"

// Kind is a sealed, compile-time-closed enumeration of every message
// name §6 names for the worker and client wire protocols. Unlike the
// teacher's (and the original scheduler's) Command{Op, Data}-style
// dispatch, there is no runtime-extensible map from Kind to handler:
// Dispatch below is a single switch over the fixed Handlers interface
// (§9). The compiler does not check that switch for exhaustiveness: a
// kind added here without a case in Dispatch reaches OnUnknown.
type Kind string

const (
	// Worker messages received by the scheduler.
	KindRegister          Kind = "register"
	KindHeartbeat         Kind = "heartbeat"
	KindTaskFinished      Kind = "task-finished"
	KindTaskErred         Kind = "task-erred-report"
	KindMissingData       Kind = "missing-data"
	KindLongRunning       Kind = "long-running"
	KindReleaseWorkerData Kind = "release-worker-data"
	KindAddKeys           Kind = "add-keys"
	KindReschedule        Kind = "reschedule"
	KindUnregister        Kind = "unregister"
	KindRetireWorker      Kind = "retire-worker"

	// Worker messages sent by the scheduler.
	KindComputeTask Kind = "compute-task"
	KindReleaseTask Kind = "release-task"
	KindDeleteData  Kind = "delete-data"
	KindClose       Kind = "close"
	KindGather      Kind = "gather"

	// KindFeedEvent is sent by the scheduler to a client subscribed via
	// KindFeed, carrying one pkg/events.Event.
	KindFeedEvent Kind = "feed-event"

	// Client messages received by the scheduler.
	KindUpdateGraph        Kind = "update-graph"
	KindClientDesiresKeys  Kind = "client-desires-keys"
	KindClientReleasesKeys Kind = "client-releases-keys"
	KindCancel             Kind = "cancel"
	KindRestart            Kind = "restart"
	KindScatter            Kind = "scatter"
	KindClientGather       Kind = "gather-client"
	KindFeed               Kind = "feed"
	KindSetMetadata        Kind = "set-metadata"
	KindClientDisconnect   Kind = "client-disconnect"

	// Client messages sent by the scheduler.
	KindStreamStart  Kind = "stream-start"
	KindKeyInMemory  Kind = "key-in-memory"
	KindClientErred  Kind = "task-erred"
	KindCancelledKey Kind = "cancelled-key"
	KindClientClosed Kind = "stream-closed"
)

// Message is the envelope every PeerChannel carries. Only the fields
// relevant to Kind are populated; it is a flat struct rather than a
// oneof/interface hierarchy because §1/§6 leave the actual wire framing
// out of scope — this is the in-process shape a concrete transport
// would marshal, not the marshaled form itself.
type Message struct {
	Kind Kind

	// RequestID correlates a request (gather, register) with its
	// response on channels that need one; empty for fire-and-forget
	// kinds (heartbeat, task-finished, compute-task).
	RequestID string

	Key  string
	Keys []string

	Worker string
	Client string

	RunSpec      []byte
	Priority     int64
	Duration     time.Duration
	Dependencies map[string]WhoHasEntry

	HostRestrictions     []string
	WorkerRestrictions   []string
	ResourceRestrictions map[string]float64

	NBytes    int64
	Exception []byte
	Traceback []byte

	NCores    int
	Resources map[string]float64
	KnownKeys map[string]int64

	Data []byte
	Err  string

	// MetadataField/MetadataValue carry a set-metadata request's
	// field/value pair (§3.4's [ADD] set_metadata).
	MetadataField string
	MetadataValue string

	// RetireDrain selects RetireDrainFirst over RetireImmediately for a
	// retire-worker request (§3.4's [ADD] retire_worker).
	RetireDrain bool

	// FeedType and the Feed entity fields carry a KindFeedEvent's
	// pkg/events.Event payload: the event kind plus whichever of task
	// key, worker address, and client id the event names.
	FeedType     string
	FeedKey      string
	FeedWorker   string
	FeedClient   string
	FeedMetadata map[string]string

	SentAt time.Time
}

// WhoHasEntry is the "dependencies-with-who-has-and-nbytes" shape §6
// calls for in compute-task: a dependency key's current holders and
// size, so a worker can fetch it directly from a peer instead of
// round-tripping through the scheduler.
type WhoHasEntry struct {
	WhoHas []string
	NBytes int64
}

// Dispatch routes an inbound message to exactly one of the handlers,
// by Kind. A Kind with no case here (an unknown kind, or one added to
// the const block above without a matching case) goes to OnUnknown;
// the compiler does not flag the missing case.
func Dispatch(msg Message, h Handlers) error {
	switch msg.Kind {
	case KindRegister:
		return h.OnRegister(msg)
	case KindHeartbeat:
		return h.OnHeartbeat(msg)
	case KindTaskFinished:
		return h.OnTaskFinished(msg)
	case KindTaskErred:
		return h.OnTaskErred(msg)
	case KindMissingData:
		return h.OnMissingData(msg)
	case KindLongRunning:
		return h.OnLongRunning(msg)
	case KindReleaseWorkerData:
		return h.OnReleaseWorkerData(msg)
	case KindAddKeys:
		return h.OnAddKeys(msg)
	case KindReschedule:
		return h.OnReschedule(msg)
	case KindUnregister:
		return h.OnUnregister(msg)
	case KindRetireWorker:
		return h.OnRetireWorker(msg)
	case KindUpdateGraph:
		return h.OnUpdateGraph(msg)
	case KindClientDesiresKeys:
		return h.OnClientDesiresKeys(msg)
	case KindClientReleasesKeys:
		return h.OnClientReleasesKeys(msg)
	case KindCancel:
		return h.OnCancel(msg)
	case KindRestart:
		return h.OnRestart(msg)
	case KindScatter:
		return h.OnScatter(msg)
	case KindClientGather:
		return h.OnClientGather(msg)
	case KindFeed:
		return h.OnFeed(msg)
	case KindSetMetadata:
		return h.OnSetMetadata(msg)
	case KindClientDisconnect:
		return h.OnClientDisconnect(msg)
	default:
		return h.OnUnknown(msg)
	}
}

// Handlers is the full set of inbound message handlers a scheduler
// must implement for Dispatch to route to. Kept as one interface
// (rather than per-kind function values stored in a map) so the set of
// handled kinds is fixed at the interface definition, not assembled at
// runtime.
type Handlers interface {
	OnRegister(Message) error
	OnHeartbeat(Message) error
	OnTaskFinished(Message) error
	OnTaskErred(Message) error
	OnMissingData(Message) error
	OnLongRunning(Message) error
	OnReleaseWorkerData(Message) error
	OnAddKeys(Message) error
	OnReschedule(Message) error
	OnUnregister(Message) error
	OnRetireWorker(Message) error
	OnUpdateGraph(Message) error
	OnClientDesiresKeys(Message) error
	OnClientReleasesKeys(Message) error
	OnCancel(Message) error
	OnRestart(Message) error
	OnScatter(Message) error
	OnClientGather(Message) error
	OnFeed(Message) error
	OnSetMetadata(Message) error
	OnClientDisconnect(Message) error
	OnUnknown(Message) error
}
