package chatsync

import (
	"reflect"
	"testing"
	"time"
)

// ============================================================================
// MergeMessage
// ============================================================================

func TestMergeMessage(t *testing.T) {
	t.Run("absent list is a noop", func(t *testing.T) {
		ps, res := MergeMessage(nil, msg("u1", "f1", "c1", t0))
		if res != MergeNoop || ps != nil {
			t.Fatalf("expected noop with nil list, got %v %+v", res, ps)
		}
		if !res.NeedsInvalidate() {
			t.Fatal("noop must ask for invalidation")
		}
	})

	t.Run("malformed message is dropped", func(t *testing.T) {
		base := NewPageSet([]*Message{msg("u1", "f1", "c1", t0)}, "")
		ps, res := MergeMessage(base, &Message{Body: MessageBody{Text: "x"}})
		if res != MergeDropped || ps != base {
			t.Fatalf("expected dropped and untouched list, got %v", res)
		}
	})

	t.Run("empty page-set is truncated for refetch", func(t *testing.T) {
		ps, res := MergeMessage(&PageSet[*Message]{}, msg("u1", "f1", "c1", t0))
		if res != MergeRefetch {
			t.Fatalf("expected refetch, got %v", res)
		}
		if !ps.NeedsRefetch || ps.Len() != 0 {
			t.Fatalf("expected empty refetch list, got %+v", ps)
		}
	})

	t.Run("new message lands in first page in order", func(t *testing.T) {
		base := NewPageSet([]*Message{
			msg("u3", "f3", "c1", t0.Add(3*time.Minute)),
			msg("u1", "f1", "c1", t0.Add(1*time.Minute)),
		}, "cur")
		ps, res := MergeMessage(base, msg("u2", "f2", "c1", t0.Add(2*time.Minute)))
		if res != MergeApplied {
			t.Fatalf("expected applied, got %v", res)
		}
		if got := ids(ps.All()); !reflect.DeepEqual(got, []string{"u3", "u2", "u1"}) {
			t.Fatalf("unexpected order %v", got)
		}
		if ps.Pages[0].Cursor != "cur" {
			t.Fatal("cursor lost")
		}
		if base.Len() != 2 {
			t.Fatal("input page-set was mutated")
		}
	})

	t.Run("merging twice is idempotent", func(t *testing.T) {
		base := NewPageSet([]*Message{msg("u1", "f1", "c1", t0)}, "")
		m := msg("u2", "f2", "c1", t0.Add(time.Minute))
		once, _ := MergeMessage(base, m)
		twice, _ := MergeMessage(once, m)
		if !reflect.DeepEqual(ids(once.All()), ids(twice.All())) {
			t.Fatalf("second merge changed the list: %v vs %v", ids(once.All()), ids(twice.All()))
		}
	})

	t.Run("confirmation replaces pending entry and keeps preview", func(t *testing.T) {
		pending := msg("u1", "", "c1", t0)
		pending.DeliveryStatus = DeliverySending
		pending.Preview = &AttachmentPreview{Key: "img", Data: []byte{1, 2}}
		pending.PendingPayloads = []PendingPayload{{Key: "img", Handle: "h1"}}
		base := NewPageSet([]*Message{pending, msg("u0", "f0", "c1", t0.Add(-time.Minute))}, "")

		confirmed := msg("u1", "f9", "c1", t0)
		ps, res := MergeMessage(base, confirmed)
		if res != MergeApplied {
			t.Fatalf("expected applied, got %v", res)
		}
		if ps.Len() != 2 {
			t.Fatalf("expected no duplicate, got %v", ids(ps.All()))
		}
		got, ok := FindMessage(ps, &Message{UniqueID: "u1"})
		if !ok {
			t.Fatal("message missing")
		}
		if got.FileID != "f9" || got.DeliveryStatus != DeliverySent {
			t.Fatalf("server fields not applied: %+v", got)
		}
		if got.Preview == nil || got.Preview.Key != "img" || len(got.PendingPayloads) != 1 {
			t.Fatal("local preview was lost on promotion")
		}
	})

	t.Run("echo by file id removes duplicate under unique id", func(t *testing.T) {
		a := msg("u1", "f1", "c1", t0)
		dup := msg("u1", "", "c1", t0)
		base := &PageSet[*Message]{Pages: []Page[*Message]{{Items: []*Message{a}}, {Items: []*Message{dup}}}}
		ps, _ := MergeMessage(base, msg("u1", "f1", "c1", t0))
		if ps.Len() != 1 {
			t.Fatalf("expected one entry, got %d", ps.Len())
		}
	})

	t.Run("delivery status never regresses", func(t *testing.T) {
		read := msg("u1", "f1", "c1", t0)
		read.DeliveryStatus = DeliveryRead
		base := NewPageSet([]*Message{read}, "")
		echo := msg("u1", "f1", "c1", t0)
		echo.DeliveryStatus = DeliverySent
		echo.UpdatedAt = t0.Add(time.Second)
		ps, _ := MergeMessage(base, echo)
		if got := ps.All()[0].DeliveryStatus; got != DeliveryRead {
			t.Fatalf("expected read, got %s", got)
		}
	})

	t.Run("late older update keeps cached content", func(t *testing.T) {
		cur := msg("u1", "f1", "c1", t0)
		cur.Body.Text = "edited"
		cur.UpdatedAt = t0.Add(time.Hour)
		cur.ServerUpdatedAt = t0.Add(time.Hour)
		base := NewPageSet([]*Message{cur}, "")

		old := msg("u1", "f1", "c1", t0)
		old.Body.Text = "original"
		old.DeliveryStatus = DeliveryRead
		ps, _ := MergeMessage(base, old)
		got := ps.All()[0]
		if got.Body.Text != "edited" {
			t.Fatalf("expected edited body to survive, got %q", got.Body.Text)
		}
		if got.DeliveryStatus != DeliveryRead {
			t.Fatalf("expected delivery to advance to read, got %s", got.DeliveryStatus)
		}
	})

	t.Run("server update wins over a local write with a fast device clock", func(t *testing.T) {
		mine := msg("u1", "f1", "c1", t0)
		mine.SenderID = "me"
		mine.Body.Text = "my edit"
		mine.UpdatedAt = t0.Add(2 * time.Minute)
		mine.ServerUpdatedAt = time.Time{}
		base := NewPageSet([]*Message{mine}, "")

		theirs := msg("u1", "f1", "c1", t0)
		theirs.SenderID = "me"
		theirs.Body.Text = "later edit from other device"
		theirs.UpdatedAt = t0.Add(time.Minute)
		theirs.ServerUpdatedAt = t0.Add(time.Minute)
		theirs.Attachments = []Attachment{{Key: "a1", ContentType: "image/png"}}
		ps, res := MergeMessage(base, theirs)
		if res != MergeApplied {
			t.Fatalf("expected applied, got %v", res)
		}
		got := ps.All()[0]
		if got.Body.Text != "later edit from other device" || len(got.Attachments) != 1 {
			t.Fatalf("server update dropped: body=%q attachments=%d", got.Body.Text, len(got.Attachments))
		}
	})

	t.Run("soft delete clears local preview", func(t *testing.T) {
		cur := msg("u1", "f1", "c1", t0)
		cur.Preview = &AttachmentPreview{Key: "img"}
		base := NewPageSet([]*Message{cur}, "")
		del := msg("u1", "f1", "c1", t0)
		del.Archived = true
		del.Body = MessageBody{}
		del.UpdatedAt = t0.Add(time.Minute)
		ps, _ := MergeMessage(base, del)
		if got := ps.All()[0]; got.Preview != nil || !got.Archived {
			t.Fatalf("expected archived without preview, got %+v", got)
		}
	})

	t.Run("update in older page does not reorder first page", func(t *testing.T) {
		p0 := []*Message{msg("u3", "f3", "c1", t0.Add(3*time.Minute)), msg("u2", "f2", "c1", t0.Add(2*time.Minute))}
		p1 := []*Message{msg("u1", "f1", "c1", t0.Add(time.Minute))}
		base := &PageSet[*Message]{Pages: []Page[*Message]{{Items: p0, Cursor: "a"}, {Items: p1}}}
		upd := msg("u1", "f1", "c1", t0.Add(time.Minute))
		upd.Body.Text = "changed"
		upd.UpdatedAt = t0.Add(time.Hour)
		ps, _ := MergeMessage(base, upd)
		if got := ids(ps.Pages[1].Items); !reflect.DeepEqual(got, []string{"u1"}) {
			t.Fatalf("entry moved pages: %v", got)
		}
		if ps.Pages[1].Items[0].Body.Text != "changed" {
			t.Fatal("update not applied in place")
		}
	})
}

// ============================================================================
// MergeMessages
// ============================================================================

func TestMergeMessages(t *testing.T) {
	t.Run("single message merges incrementally", func(t *testing.T) {
		base := NewPageSet([]*Message{msg("u1", "f1", "c1", t0)}, "")
		ps, res := MergeMessages(base, []*Message{msg("u2", "f2", "c1", t0.Add(time.Minute))})
		if res != MergeApplied || ps.Len() != 2 {
			t.Fatalf("expected incremental merge, got %v len=%d", res, ps.Len())
		}
	})

	t.Run("batch truncates without inserting", func(t *testing.T) {
		base := &PageSet[*Message]{Pages: []Page[*Message]{
			{Items: []*Message{msg("u2", "f2", "c1", t0.Add(time.Minute))}, Cursor: "a"},
			{Items: []*Message{msg("u1", "f1", "c1", t0)}},
		}}
		batch := []*Message{msg("u3", "f3", "c1", t0.Add(2*time.Minute)), msg("u4", "f4", "c1", t0.Add(3*time.Minute))}
		ps, res := MergeMessages(base, batch)
		if res != MergeRefetch {
			t.Fatalf("expected refetch, got %v", res)
		}
		if !ps.NeedsRefetch || len(ps.Pages) != 1 {
			t.Fatalf("expected one page marked for refetch, got %+v", ps)
		}
		if got := ids(ps.All()); !reflect.DeepEqual(got, []string{"u2"}) {
			t.Fatalf("batch entries must not be fabricated into the list: %v", got)
		}
	})

	t.Run("all malformed is dropped", func(t *testing.T) {
		base := NewPageSet([]*Message{msg("u1", "f1", "c1", t0)}, "")
		_, res := MergeMessages(base, []*Message{nil, {}})
		if res != MergeDropped {
			t.Fatalf("expected dropped, got %v", res)
		}
	})

	t.Run("empty batch is applied as is", func(t *testing.T) {
		base := NewPageSet([]*Message{msg("u1", "f1", "c1", t0)}, "")
		ps, res := MergeMessages(base, nil)
		if res != MergeApplied || ps != base {
			t.Fatalf("expected untouched list, got %v", res)
		}
	})

	t.Run("nil list is a noop", func(t *testing.T) {
		ps, res := MergeMessages(nil, []*Message{msg("u1", "f1", "c1", t0), msg("u2", "f2", "c1", t0)})
		if res != MergeNoop || ps != nil {
			t.Fatalf("expected noop on an absent list, got %v", res)
		}
		if _, res := MergeMessages(nil, []*Message{msg("u1", "f1", "c1", t0)}); res != MergeNoop {
			t.Fatalf("expected noop for a single message, got %v", res)
		}
	})
}

// ============================================================================
// MergeConversation
// ============================================================================

func TestMergeConversation(t *testing.T) {
	conv := func(uid, fid string) *Conversation {
		return &Conversation{UniqueID: uid, FileID: fid, Recipients: []string{"me", "bob"}}
	}

	t.Run("absent list is a noop", func(t *testing.T) {
		_, res := MergeConversation(nil, conv("c1", "f1"), false)
		if res != MergeNoop {
			t.Fatalf("expected noop, got %v", res)
		}
	})

	t.Run("new conversation is prepended", func(t *testing.T) {
		base := NewPageSet([]*Conversation{conv("c1", "f1")}, "")
		ps, res := MergeConversation(base, conv("c2", "f2"), false)
		if res != MergeApplied || ps.Len() != 2 || ps.All()[0].UniqueID != "c2" {
			t.Fatalf("unexpected result %v %+v", res, ps.All())
		}
	})

	t.Run("update hint matches by unique id under new file id", func(t *testing.T) {
		base := NewPageSet([]*Conversation{conv("c1", "f1")}, "")
		recreated := conv("c1", "f7")
		recreated.Title = "renamed"
		ps, _ := MergeConversation(base, recreated, true)
		if ps.Len() != 1 {
			t.Fatalf("expected in-place update, got %d entries", ps.Len())
		}
		if c := ps.All()[0]; c.FileID != "f7" || c.Title != "renamed" {
			t.Fatalf("unexpected entry %+v", c)
		}
	})

	t.Run("without hint a new file id never duplicates the unique id", func(t *testing.T) {
		base := NewPageSet([]*Conversation{conv("c1", "f1")}, "")
		ps, _ := MergeConversation(base, conv("c1", "f7"), false)
		if ps.Len() != 1 {
			t.Fatalf("expected one entry per unique id, got %d", ps.Len())
		}
	})

	t.Run("read marker never moves back", func(t *testing.T) {
		cur := conv("c1", "f1")
		cur.LastReadAt = t0.Add(time.Hour)
		base := NewPageSet([]*Conversation{cur}, "")
		older := conv("c1", "f1")
		older.LastReadAt = t0
		ps, _ := MergeConversation(base, older, false)
		if !ps.All()[0].LastReadAt.Equal(t0.Add(time.Hour)) {
			t.Fatal("read marker regressed")
		}
	})
}
