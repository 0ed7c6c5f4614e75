package model

import "time"

// Attachment is a binary payload owned by exactly one parent entity: a task,
// a note, or a temporary draft ID.
type Attachment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Data      []byte    `json:"data"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ref returns the reference a task keeps for this attachment.
func (a Attachment) Ref() ImageRef {
	return ImageRef{
		ID:       a.ID,
		Name:     a.Name,
		Size:     a.Size,
		MimeType: a.MimeType,
	}
}
