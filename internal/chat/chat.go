package chat

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"time"

	"privchat/internal/models"

	"github.com/google/uuid"
)

type State string

const (
	StateEmpty     State = "empty"
	StateHydrating State = "hydrating"
	StateHydrated  State = "hydrated"
)

// Outcome reports what ApplyLive did with a stream message.
type Outcome int

const (
	// OutcomeIgnored: the message belongs to another conversation.
	OutcomeIgnored Outcome = iota
	// OutcomeAppended: a new entry was inserted.
	OutcomeAppended
	// OutcomeUpgraded: the message was the echo of an optimistic entry.
	OutcomeUpgraded
	// OutcomeDuplicate: an entry with the same server id already exists.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeUpgraded:
		return "upgraded"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

type Config struct {
	LocalUserID string
	Now         func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// Transcript is the ordered, deduplicated message list of the open conversation.
// It merges hydrated history, live stream messages and optimistic local sends.
//
// Transcript is not safe for concurrent use; the owner serialises access.
type Transcript struct {
	localUserID   string
	counterpartID string
	state         State
	records       []models.Message
	lastSeq       int64

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func New(config Config) *Transcript {
	t := &Transcript{
		localUserID: config.LocalUserID,
		state:       StateEmpty,
		now:         config.Now,
		newID:       config.NewID,
		logger:      config.Logger,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *Transcript) State() State {
	return t.state
}

func (t *Transcript) Counterpart() string {
	return t.counterpartID
}

func (t *Transcript) LocalUserID() string {
	return t.localUserID
}

// Reset discards the current records and opens the conversation with
// counterpartID in the hydrating state. An empty id closes the transcript.
func (t *Transcript) Reset(counterpartID string) {
	t.records = nil
	t.counterpartID = counterpartID
	if counterpartID == "" {
		t.state = StateEmpty
		return
	}
	t.state = StateHydrating
}

// Seed installs the fetched history and moves the transcript to hydrated.
// Entries that arrived while the fetch was in flight are kept; history
// entries whose server id is already present are skipped. A history entry
// that is the server copy of a pending local send takes over that entry.
func (t *Transcript) Seed(history []models.Message) {
	if t.state == StateEmpty {
		return
	}

	sorted := slices.Clone(history)
	slices.SortStableFunc(sorted, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	for _, msg := range sorted {
		if !msg.Participants(t.localUserID, t.counterpartID) {
			t.logger.Warn("dropping history entry from another conversation",
				"message_id", msg.ID, "counterpart_id", t.counterpartID)
			continue
		}
		if msg.ID != "" && t.indexByID(msg.ID) >= 0 {
			continue
		}
		if j := t.matchOptimistic(msg); msg.ID != "" && j >= 0 {
			t.confirm(j, msg, models.OriginHydrated)
			continue
		}
		msg.Origin = models.OriginHydrated
		msg.State = ""
		t.insert(msg)
	}

	t.state = StateHydrated
	t.sort()
}

// AddOptimistic appends a locally composed message before the server has
// acknowledged it. The entry carries a temporary id and the local clock.
// Surrounding whitespace is trimmed the same way the relay stores it.
func (t *Transcript) AddOptimistic(content string, sender models.User) (models.Message, error) {
	if t.state == StateEmpty {
		return models.Message{}, models.ErrNoConversation
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	msg := t.insert(models.Message{
		TempID:            t.newID(),
		Content:           content,
		SenderID:          t.localUserID,
		SenderDisplayName: sender.DisplayName,
		SenderAvatarURL:   sender.AvatarURL,
		RecipientID:       t.counterpartID,
		CreatedAt:         t.now(),
		Origin:            models.OriginOptimistic,
		State:             models.DeliveryPending,
	})
	t.sort()
	return msg, nil
}

// ApplyLive merges a stream message into the transcript.
//
// Only messages between the local user and the open counterpart are accepted.
// The echo of a local send upgrades the earliest matching optimistic entry in
// place instead of adding a second one.
func (t *Transcript) ApplyLive(msg models.Message) (models.Message, Outcome) {
	if t.state == StateEmpty || !msg.Participants(t.localUserID, t.counterpartID) {
		return models.Message{}, OutcomeIgnored
	}

	if i := t.indexByID(msg.ID); i >= 0 {
		t.logger.Debug("duplicate suppressed", "message_id", msg.ID)
		return t.records[i], OutcomeDuplicate
	}

	if j := t.matchOptimistic(msg); j >= 0 {
		upgraded := t.confirm(j, msg, models.OriginLive)
		t.sort()
		return upgraded, OutcomeUpgraded
	}

	msg.Origin = models.OriginLive
	msg.State = ""
	msg = t.insert(msg)
	t.sort()
	return msg, OutcomeAppended
}

// MarkFailed flags an optimistic entry whose send did not reach the server.
// The entry stays in the transcript.
func (t *Transcript) MarkFailed(tempID string) bool {
	return t.setState(tempID, models.DeliveryFailed)
}

// MarkPending flags a failed entry as being sent again and returns it.
// Entries that are not failed are left alone.
func (t *Transcript) MarkPending(tempID string) (models.Message, bool) {
	i := t.indexByTempID(tempID)
	if i < 0 || t.records[i].ID != "" || t.records[i].State != models.DeliveryFailed {
		return models.Message{}, false
	}
	t.records[i].State = models.DeliveryPending
	return t.records[i], true
}

// Messages returns a copy of the ordered transcript.
func (t *Transcript) Messages() []models.Message {
	return slices.Clone(t.records)
}

func (t *Transcript) Len() int {
	return len(t.records)
}

func (t *Transcript) setState(tempID string, state models.DeliveryState) bool {
	i := t.indexByTempID(tempID)
	if i < 0 || t.records[i].Origin != models.OriginOptimistic {
		return false
	}
	t.records[i].State = state
	return true
}

func (t *Transcript) insert(msg models.Message) models.Message {
	t.lastSeq++
	msg.Seq = t.lastSeq
	t.records = append(t.records, msg)
	return msg
}

// confirm gives the optimistic entry at i the server identity of msg.
func (t *Transcript) confirm(i int, msg models.Message, origin models.Origin) models.Message {
	entry := &t.records[i]
	entry.ID = msg.ID
	entry.Origin = origin
	entry.State = models.DeliverySent
	entry.CreatedAt = msg.CreatedAt
	if msg.SenderDisplayName != "" {
		entry.SenderDisplayName = msg.SenderDisplayName
	}
	if msg.SenderAvatarURL != "" {
		entry.SenderAvatarURL = msg.SenderAvatarURL
	}
	t.logger.Debug("duplicate suppressed", "message_id", msg.ID, "temp_id", entry.TempID)
	return *entry
}

// matchOptimistic finds the earliest unsent optimistic entry that has the
// same participants and content as msg. Failed entries never reached the
// server and are not matched.
func (t *Transcript) matchOptimistic(msg models.Message) int {
	best := -1
	for i, r := range t.records {
		if r.Origin != models.OriginOptimistic || r.ID != "" || r.State == models.DeliveryFailed {
			continue
		}
		if r.SenderID != msg.SenderID || r.RecipientID != msg.RecipientID || r.Content != msg.Content {
			continue
		}
		if best < 0 || r.Seq < t.records[best].Seq {
			best = i
		}
	}
	return best
}

func (t *Transcript) indexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(t.records, func(m models.Message) bool { return m.ID == id })
}

func (t *Transcript) indexByTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	return slices.IndexFunc(t.records, func(m models.Message) bool { return m.TempID == tempID })
}

// sort orders records by creation time, then by insertion sequence.
func (t *Transcript) sort() {
	slices.SortStableFunc(t.records, func(a, b models.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}
