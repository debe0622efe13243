package storage

import (
	"context"

	"botfleet/internal/model"
)

const defaultPageSize = 200

// RecipientStream walks a tenant's non-blocked recipients in id order, one
// keyset page at a time. No query stays open between pages, so callers may do
// slow work (sends, sleeps) between Next calls. It is finite and not restartable.
type RecipientStream struct {
	st       Store
	tenantID int64
	after    int64
	pageSize int

	buf  []model.Recipient
	pos  int
	last bool
	cur  model.Recipient
	err  error
}

// StreamNonBlocked returns a stream of recipients with id > afterID.
func StreamNonBlocked(st Store, tenantID, afterID int64, pageSize int) *RecipientStream {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &RecipientStream{st: st, tenantID: tenantID, after: afterID, pageSize: pageSize}
}

// Next advances to the next recipient. It returns false at the end or on error.
func (s *RecipientStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if s.pos >= len(s.buf) {
		if s.last {
			return false
		}
		page, err := s.st.ListNonBlocked(ctx, s.tenantID, s.after, s.pageSize)
		if err != nil {
			s.err = err
			return false
		}
		s.buf, s.pos = page, 0
		s.last = len(page) < s.pageSize
		if len(page) == 0 {
			return false
		}
	}
	s.cur = s.buf[s.pos]
	s.pos++
	s.after = s.cur.ID
	return true
}

func (s *RecipientStream) Recipient() model.Recipient { return s.cur }

func (s *RecipientStream) Err() error { return s.err }
