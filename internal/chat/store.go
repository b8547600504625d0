package chat

// storedEvent is one decrypted application message retained in memory for
// a group, in the shape SessionRuntime hands to ChatStateEngine.Ingest.
type storedEvent struct {
	EventID    string
	FromPubkey string
	Kind       Kind
	RawKind    int
	Content    string
	TargetID   string // 'e'-tagged target, for Reaction/HypernoteResponse
	Fence      string // pika-html / pika-html-update / pika-html-state-update, if any
	CreatedAt  int64
}

// memStore holds every ingested event per chat, oldest first, plus the
// running unread count that StateEngine.Ingest and OpenChat maintain.
type memStore struct {
	events map[string][]storedEvent
	unread map[string]int
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string][]storedEvent), unread: make(map[string]int)}
}

func (s *memStore) append(chatID string, ev storedEvent) {
	s.events[chatID] = append(s.events[chatID], ev)
}
