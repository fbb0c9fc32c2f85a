package repository

import "github.com/jwalitptl/teletherapy-api/internal/model"

// ClassifyIncoming turns a document write into a change of the
// "pending or ringing calls for me" query, updating the watcher's membership
// set. ok is false when the write does not affect the query.
func ClassifyIncoming(seen map[string]bool, doc *model.CallDocument) (kind model.CallChangeKind, ok bool) {
	inQuery := doc.Status.IsIncoming()
	wasIn := seen[doc.ID]

	switch {
	case inQuery && !wasIn:
		seen[doc.ID] = true
		return model.CallChangeAdded, true
	case inQuery && wasIn:
		return model.CallChangeModified, true
	case !inQuery && wasIn:
		delete(seen, doc.ID)
		return model.CallChangeRemoved, true
	default:
		return "", false
	}
}
