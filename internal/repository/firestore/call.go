package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jwalitptl/teletherapy-api/internal/config"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

const callsCollection = "calls"

// NewClient opens a Firestore client through the Firebase Admin SDK. When
// FIRESTORE_EMULATOR_HOST is set the client talks to the emulator.
func NewClient(ctx context.Context, cfg config.FirebaseConfig) (*firestore.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open firestore: %w", err)
	}
	return client, nil
}

// CallStore keeps call documents in the "calls" collection. Listeners come
// straight from Firestore snapshot streams.
type CallStore struct {
	client *firestore.Client
	logger *logger.Logger
}

func NewCallStore(client *firestore.Client, log *logger.Logger) *CallStore {
	return &CallStore{client: client, logger: log}
}

var _ repository.CallRepository = (*CallStore)(nil)

func (s *CallStore) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(callsCollection).Doc(id)
}

func (s *CallStore) Create(ctx context.Context, call *model.CallDocument) error {
	_, err := s.doc(call.ID).Create(ctx, call)
	if status.Code(err) == codes.AlreadyExists {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

func (s *CallStore) Get(ctx context.Context, id string) (*model.CallDocument, error) {
	snap, err := s.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return decodeSnapshot(snap)
}

func (s *CallStore) Update(ctx context.Context, id string, mutate repository.CallMutation) (*model.CallDocument, error) {
	ref := s.doc(id)
	var result *model.CallDocument

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}

		doc, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if err := mutate(doc); err != nil {
			return err
		}
		doc.Revision++
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		result = doc
		return nil
	})
	if err != nil {
		if status.Code(err) == codes.Aborted {
			return nil, repository.ErrConflict
		}
		return nil, err
	}
	return result, nil
}

func (s *CallStore) Watch(ctx context.Context, id string) (<-chan repository.CallSnapshot, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	it := s.doc(id).Snapshots(ctx)
	out := make(chan repository.CallSnapshot, 16)

	go func() {
		defer close(out)
		defer it.Stop()

		send := func(snap repository.CallSnapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			snap, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) {
					send(repository.CallSnapshot{Err: err})
				}
				return
			}
			if !snap.Exists() {
				send(repository.CallSnapshot{Err: repository.ErrNotFound})
				return
			}

			doc, err := decodeSnapshot(snap)
			if err != nil {
				send(repository.CallSnapshot{Err: err})
				return
			}
			if !send(repository.CallSnapshot{Call: doc}) {
				return
			}
		}
	}()

	return out, nil
}

func (s *CallStore) WatchIncoming(ctx context.Context, receiverID string) (<-chan repository.IncomingChange, error) {
	query := s.client.Collection(callsCollection).
		Where("receiverId", "==", receiverID).
		Where("status", "in", []string{string(model.CallStatusPending), string(model.CallStatusRinging)})

	it := query.Snapshots(ctx)
	out := make(chan repository.IncomingChange, 16)

	go func() {
		defer close(out)
		defer it.Stop()

		send := func(change repository.IncomingChange) bool {
			select {
			case out <- change:
				return true
			case <-ctx.Done():
				return false
			}
		}

		first := true
		for {
			qs, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) {
					send(repository.IncomingChange{Err: err})
				}
				return
			}

			changes := qs.Changes
			if first {
				// The first snapshot reports every member as added; keep them
				// oldest first like the other stores do.
				sort.SliceStable(changes, func(i, j int) bool {
					return changes[i].Doc.CreateTime.Before(changes[j].Doc.CreateTime)
				})
				first = false
			}

			for _, ch := range changes {
				change, err := s.toChange(ctx, ch)
				if err != nil {
					send(repository.IncomingChange{Err: err})
					return
				}
				if !send(repository.IncomingChange{Change: change}) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *CallStore) toChange(ctx context.Context, ch firestore.DocumentChange) (model.CallChange, error) {
	doc, err := decodeSnapshot(ch.Doc)
	if err != nil {
		return model.CallChange{}, err
	}

	switch ch.Kind {
	case firestore.DocumentAdded:
		return model.CallChange{Kind: model.CallChangeAdded, Call: doc}, nil
	case firestore.DocumentModified:
		return model.CallChange{Kind: model.CallChangeModified, Call: doc}, nil
	case firestore.DocumentRemoved:
		// The removed snapshot is the last state that matched the query.
		// Fetch the document so listeners see the status that removed it.
		latest, err := s.Get(ctx, doc.ID)
		if err == nil {
			doc = latest
		} else if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to refresh removed call", "call_id", doc.ID, "error", err.Error())
		}
		return model.CallChange{Kind: model.CallChangeRemoved, Call: doc}, nil
	default:
		return model.CallChange{}, fmt.Errorf("unknown document change kind %d", ch.Kind)
	}
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*model.CallDocument, error) {
	var doc model.CallDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode call %s: %w", snap.Ref.ID, err)
	}
	if doc.ID == "" {
		doc.ID = snap.Ref.ID
	}
	return &doc, nil
}

func stopped(ctx context.Context, err error) bool {
	return errors.Is(err, iterator.Done) ||
		ctx.Err() != nil ||
		status.Code(err) == codes.Canceled
}
