package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/mailbox"
)

type docWatcher struct {
	box *mailbox.Mailbox[repository.CallSnapshot]
}

type incomingWatcher struct {
	box  *mailbox.Mailbox[repository.IncomingChange]
	seen map[string]bool
}

// CallStore keeps call documents in process memory. Writes are serialized by a
// single mutex, which makes every Update a compare-and-swap.
type CallStore struct {
	mu       sync.Mutex
	calls    map[string]*model.CallDocument
	watchers map[string]map[*docWatcher]struct{}
	incoming map[string]map[*incomingWatcher]struct{}
}

func NewCallStore() *CallStore {
	return &CallStore{
		calls:    make(map[string]*model.CallDocument),
		watchers: make(map[string]map[*docWatcher]struct{}),
		incoming: make(map[string]map[*incomingWatcher]struct{}),
	}
}

var _ repository.CallRepository = (*CallStore)(nil)

func (s *CallStore) Create(ctx context.Context, call *model.CallDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.ID]; exists {
		return repository.ErrAlreadyExists
	}
	doc := call.Clone()
	s.calls[call.ID] = doc
	s.publishLocked(doc)
	return nil
}

func (s *CallStore) Get(ctx context.Context, id string) (*model.CallDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *CallStore) Update(ctx context.Context, id string, mutate repository.CallMutation) (*model.CallDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Revision = current.Revision + 1
	s.calls[id] = next
	s.publishLocked(next)
	return next.Clone(), nil
}

func (s *CallStore) Watch(ctx context.Context, id string) (<-chan repository.CallSnapshot, error) {
	s.mu.Lock()
	doc, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return nil, repository.ErrNotFound
	}

	w := &docWatcher{box: mailbox.New[repository.CallSnapshot]()}
	w.box.Push(repository.CallSnapshot{Call: doc.Clone()})
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[*docWatcher]struct{})
	}
	s.watchers[id][w] = struct{}{}
	s.mu.Unlock()

	go w.box.Run(ctx)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[id], w)
		if len(s.watchers[id]) == 0 {
			delete(s.watchers, id)
		}
		s.mu.Unlock()
	}()

	return w.box.Out(), nil
}

func (s *CallStore) WatchIncoming(ctx context.Context, receiverID string) (<-chan repository.IncomingChange, error) {
	s.mu.Lock()
	w := &incomingWatcher{
		box:  mailbox.New[repository.IncomingChange](),
		seen: make(map[string]bool),
	}

	var initial []*model.CallDocument
	for _, doc := range s.calls {
		if doc.ReceiverID == receiverID && doc.Status.IsIncoming() {
			initial = append(initial, doc)
		}
	}
	sort.Slice(initial, func(i, j int) bool {
		return initial[i].CreatedAt.Before(initial[j].CreatedAt)
	})
	for _, doc := range initial {
		w.seen[doc.ID] = true
		w.box.Push(repository.IncomingChange{Change: model.CallChange{Kind: model.CallChangeAdded, Call: doc.Clone()}})
	}

	if s.incoming[receiverID] == nil {
		s.incoming[receiverID] = make(map[*incomingWatcher]struct{})
	}
	s.incoming[receiverID][w] = struct{}{}
	s.mu.Unlock()

	go w.box.Run(ctx)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.incoming[receiverID], w)
		if len(s.incoming[receiverID]) == 0 {
			delete(s.incoming, receiverID)
		}
		s.mu.Unlock()
	}()

	return w.box.Out(), nil
}

func (s *CallStore) publishLocked(doc *model.CallDocument) {
	for w := range s.watchers[doc.ID] {
		w.box.Push(repository.CallSnapshot{Call: doc.Clone()})
	}

	for w := range s.incoming[doc.ReceiverID] {
		kind, ok := repository.ClassifyIncoming(w.seen, doc)
		if !ok {
			continue
		}
		w.box.Push(repository.IncomingChange{Change: model.CallChange{Kind: kind, Call: doc.Clone()}})
	}
}
