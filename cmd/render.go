package cmd

import (
	"fmt"
	"io"
	"sync"

	"privchat/internal/models"
	"privchat/internal/session"
)

type conversationView interface {
	Transcript() []models.Message
	Header() (session.Header, bool)
}

// renderer prints a conversation incrementally. Entries are keyed by temp id
// when they have one, so an optimistic send is printed once and its echo is
// not printed again.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	localID string
	printed map[string]bool
	failed  map[string]bool
	status  string
}

func newRenderer(out io.Writer, localID string) *renderer {
	return &renderer{
		out:     out,
		localID: localID,
		printed: make(map[string]bool),
		failed:  make(map[string]bool),
	}
}

func messageKey(m models.Message) string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

func (r *renderer) handle(view conversationView, e session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case session.EventSelected:
		clear(r.printed)
		clear(r.failed)
		r.status = ""
		r.headerLocked(view)
	case session.EventTranscript:
		r.transcriptLocked(view)
	case session.EventPresence:
		h, ok := view.Header()
		if ok && h.Status() != r.status {
			r.status = h.Status()
			r.printf("* %s is %s\n", h.DisplayName, r.status)
		}
	case session.EventConnection:
		if e.Err != nil {
			r.printf("* connection %s: %v\n", e.State, e.Err)
			return
		}
		r.printf("* connection %s\n", e.State)
	case session.EventError:
		r.printf("! %v\n", e.Err)
	}
}

func (r *renderer) header(view conversationView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headerLocked(view)
}

func (r *renderer) transcript(view conversationView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriptLocked(view)
}

func (r *renderer) headerLocked(view conversationView) {
	h, ok := view.Header()
	if !ok {
		return
	}
	r.status = h.Status()
	r.printf("== %s (%s) ==\n", h.DisplayName, r.status)
}

func (r *renderer) transcriptLocked(view conversationView) {
	for _, m := range view.Transcript() {
		key := messageKey(m)
		if !r.printed[key] {
			r.printed[key] = true
			r.printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), r.sender(m), m.Content)
		}

		switch {
		case m.Failed() && !r.failed[key]:
			r.failed[key] = true
			r.printf("! not delivered: %q (type /retry to resend)\n", m.Content)
		case !m.Failed():
			delete(r.failed, key)
		}
	}
}

func (r *renderer) sender(m models.Message) string {
	if m.SenderID == r.localID {
		return "you"
	}
	if m.SenderDisplayName != "" {
		return m.SenderDisplayName
	}
	return m.SenderID
}

func (r *renderer) say(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printf(format, args...)
}

func (r *renderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// failedIDs returns the temp ids of undelivered sends still shown as failed.
func (r *renderer) failedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.failed))
	for id := range r.failed {
		ids = append(ids, id)
	}
	return ids
}
