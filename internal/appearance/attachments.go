package appearance

import (
	"log"
	"sort"

	"github.com/google/uuid"
)

// AttachAppend is set on a wire attach point to add alongside whatever is
// already attached there instead of replacing it.
const AttachAppend = 0x80

// MaxAttachPoint is the highest valid attach point.
const MaxAttachPoint = 0x7f

// Attachment is an item attached at a skeleton point.
type Attachment struct {
	Point   int
	ItemID  uuid.UUID
	AssetID uuid.UUID
}

// SetAttachment attaches item at a wire attach point and reports whether the
// record changed. With AttachAppend set the item joins the point, otherwise
// it replaces everything there. A zero asset detaches the item; a zero item
// clears the point.
func (a *Appearance) SetAttachment(point int, item, asset uuid.UUID) bool {
	appendMode := point&AttachAppend != 0
	point &= MaxAttachPoint
	if point == 0 {
		log.Printf("[appearance] warning: ignoring attachment %s at invalid point 0", item)
		return false
	}

	if item == uuid.Nil {
		if _, ok := a.attachments[point]; ok {
			delete(a.attachments, point)
			return true
		}
		return false
	}
	if asset == uuid.Nil {
		return a.DetachAttachment(item)
	}

	if prev, ok := a.AttachmentByItem(item); ok {
		if prev.Point == point && prev.AssetID != uuid.Nil {
			return false
		}
		a.DetachAttachment(item)
	}

	entry := Attachment{Point: point, ItemID: item, AssetID: asset}
	if appendMode {
		a.attachments[point] = append(a.attachments[point], entry)
	} else {
		a.attachments[point] = []Attachment{entry}
	}
	return true
}

// AppendAttachments restores a list of attachments, e.g. from persistence
// where asset ids may still be unknown.
func (a *Appearance) AppendAttachments(list []Attachment) {
	for _, at := range list {
		point := at.Point & MaxAttachPoint
		if point == 0 || at.ItemID == uuid.Nil {
			log.Printf("[appearance] warning: skipping attachment %s at point %d", at.ItemID, at.Point)
			continue
		}
		a.DetachAttachment(at.ItemID)
		at.Point = point
		a.attachments[point] = append(a.attachments[point], at)
	}
}

// DetachAttachment removes the first attachment with the given item id.
func (a *Appearance) DetachAttachment(item uuid.UUID) bool {
	for _, point := range a.attachPoints() {
		list := a.attachments[point]
		for i, at := range list {
			if at.ItemID != item {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(a.attachments, point)
			} else {
				a.attachments[point] = list
			}
			return true
		}
	}
	return false
}

// AttachmentByItem finds the attachment holding item.
func (a *Appearance) AttachmentByItem(item uuid.UUID) (Attachment, bool) {
	for _, point := range a.attachPoints() {
		for _, at := range a.attachments[point] {
			if at.ItemID == item {
				return at, true
			}
		}
	}
	return Attachment{}, false
}

// AttachmentsAt returns the attachments at one point.
func (a *Appearance) AttachmentsAt(point int) []Attachment {
	return append([]Attachment(nil), a.attachments[point&MaxAttachPoint]...)
}

// Attachments returns every attachment ordered by point, then by the order
// they were attached.
func (a *Appearance) Attachments() []Attachment {
	var out []Attachment
	for _, point := range a.attachPoints() {
		out = append(out, a.attachments[point]...)
	}
	return out
}

// ClearAttachments removes every attachment.
func (a *Appearance) ClearAttachments() {
	a.attachments = make(map[int][]Attachment)
}

func (a *Appearance) attachPoints() []int {
	points := make([]int, 0, len(a.attachments))
	for p := range a.attachments {
		points = append(points, p)
	}
	sort.Ints(points)
	return points
}
