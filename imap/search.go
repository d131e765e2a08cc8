package imap

import (
	"context"
	"fmt"
	"slices"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// SearchAll returns every message in the selected folder, in ascending UID order.
func (s *Session) SearchAll(ctx context.Context) ([]Ref, error) {
	return s.Search(ctx, "search all", &imapv2.SearchCriteria{})
}

// SearchUnread returns the messages without the \Seen flag.
func (s *Session) SearchUnread(ctx context.Context) ([]Ref, error) {
	return s.Search(ctx, "search unread", &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	})
}

// SearchBySender returns the messages whose From header contains address.
func (s *Session) SearchBySender(ctx context.Context, address string) ([]Ref, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("search by sender: address is empty")
	}
	return s.Search(ctx, "search from "+address, &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: address}},
	})
}

// Search runs criteria as a UID SEARCH against the selected folder. The
// result is sorted and free of duplicates; no match yields an empty slice.
func (s *Session) Search(ctx context.Context, op string, criteria *imapv2.SearchCriteria) ([]Ref, error) {
	folder, err := s.requireSelected(op)
	if err != nil {
		return nil, err
	}

	var data *imapv2.SearchData
	err = s.do(ctx, op, func(c *imapclient.Client) error {
		var err error
		data, err = c.UIDSearch(criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, err
	}

	var uids []imapv2.UID
	if data != nil {
		uids = data.AllUIDs()
	}
	slices.Sort(uids)
	uids = slices.Compact(uids)

	refs := make([]Ref, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, s.ref(folder, uid))
	}

	if s.logger != nil {
		s.logger.Debug("imap search", "op", op, "folder", folder.Name, "matches", len(refs))
	}
	return refs, nil
}
