package imap

import (
	"fmt"

	imapv2 "github.com/emersion/go-imap/v2"
)

// Ref points at one message inside the folder that was selected when the ref
// was produced. A ref is only honoured by the same Session while that
// selection is still active.
type Ref struct {
	UID         imapv2.UID
	Folder      string
	UIDValidity uint32

	generation uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Folder, r.UID)
}

// Folder describes the currently selected mailbox.
type Folder struct {
	Name        string
	UIDValidity uint32
	UIDNext     imapv2.UID
	NumMessages uint32
}

// FolderInfo is one entry of a LIST response.
type FolderInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// Selectable reports whether the folder can be opened with SelectFolder.
func (f FolderInfo) Selectable() bool {
	for _, attr := range f.Attributes {
		if attr == string(imapv2.MailboxAttrNoSelect) || attr == string(imapv2.MailboxAttrNonExistent) {
			return false
		}
	}
	return true
}
