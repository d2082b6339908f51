package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/ultra-agency/ultra/internal/accounts"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
	"github.com/ultra-agency/ultra/jobs"
)

// sniffLen is how many leading bytes are inspected to detect the type.
const sniffLen = 3072

// Directory resolves account references.
type Directory interface {
	Lookup(ctx context.Context, id int64) (accounts.Account, error)
}

// MailQueue schedules outgoing email.
type MailQueue interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Service implements document storage and review.
type Service struct {
	repo      Repository
	storage   Storage
	directory Directory
	mail      MailQueue
	audit     shared.Auditor
	events    realtime.Publisher
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// NewService builds Service instance. A nil mail queue disables review
// notifications.
func NewService(repo Repository, storage Storage, directory Directory, mail MailQueue, audit shared.Auditor, events realtime.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		storage:   storage,
		directory: directory,
		mail:      mail,
		audit:     audit,
		events:    events,
		logger:    logger,
		validate:  shared.NewValidator(),
		now:       time.Now,
	}
}

// Upload stores the file read from r and registers it as pending.
func (s *Service) Upload(ctx context.Context, actor rbac.Principal, in UploadInput, r io.Reader) (Document, error) {
	if !actor.Role.Valid() {
		return Document{}, s.deny(actor, "upload", 0)
	}
	in.FileName = cleanFileName(in.FileName)
	if err := s.validate.Struct(in); err != nil {
		return Document{}, err
	}
	owner := actor.ID
	if in.OwnerID != 0 && in.OwnerID != actor.ID {
		if !policy.CanVerifyDocuments(actor.Role) {
			return Document{}, s.deny(actor, "upload_for_other", in.OwnerID)
		}
		if _, err := s.directory.Lookup(ctx, in.OwnerID); err != nil {
			if errors.Is(err, httpx.ErrNotFound) {
				return Document{}, fmt.Errorf("documents: owner %d does not exist: %w", in.OwnerID, httpx.ErrValidation)
			}
			return Document{}, err
		}
		owner = in.OwnerID
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("documents: read upload: %w", err)
	}
	if n == 0 {
		return Document{}, fmt.Errorf("documents: empty file: %w", httpx.ErrValidation)
	}
	head = head[:n]
	detected := mimetype.Detect(head)
	if !mimetype.EqualsAny(detected.String(), allowedTypes...) {
		return Document{}, fmt.Errorf("documents: %s files are not accepted: %w", detected.String(), httpx.ErrValidation)
	}
	contentType := strings.SplitN(detected.String(), ";", 2)[0]

	key := uuid.NewString() + detected.Extension()
	size, err := s.storage.Save(ctx, key, io.LimitReader(io.MultiReader(bytes.NewReader(head), r), MaxSize+1))
	if err != nil {
		return Document{}, fmt.Errorf("documents: store upload: %w", err)
	}
	if size > MaxSize {
		s.discard(ctx, key)
		return Document{}, fmt.Errorf("documents: file exceeds %d bytes: %w", MaxSize, httpx.ErrValidation)
	}
	if path.Ext(in.FileName) == "" {
		in.FileName += detected.Extension()
	}

	doc, err := s.repo.Create(ctx, Document{
		OwnerID:     owner,
		Kind:        in.Kind,
		FileName:    in.FileName,
		ContentType: contentType,
		Size:        size,
		StorageKey:  key,
		Status:      StatusPending,
	})
	if err != nil {
		s.discard(ctx, key)
		return Document{}, err
	}
	s.record(ctx, actor, shared.AuditCreate, doc.ID, map[string]any{"owner_id": owner, "kind": string(doc.Kind), "size": size})
	s.publish(ctx, realtime.ActionCreated, doc)
	return doc, nil
}

// List returns documents visible to actor. Owners only see their own.
func (s *Service) List(ctx context.Context, actor rbac.Principal, filter ListFilter) ([]Document, error) {
	if !actor.Role.Valid() {
		return nil, s.deny(actor, "list", 0)
	}
	switch filter.Status {
	case "", StatusPending, StatusVerified, StatusRejected:
	default:
		return nil, fmt.Errorf("documents: status %q: %w", filter.Status, httpx.ErrValidation)
	}
	if !policy.CanVerifyDocuments(actor.Role) {
		filter.OwnerID = &actor.ID
	}
	out, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Document{}
	}
	return out, nil
}

// Get returns one document.
func (s *Service) Get(ctx context.Context, actor rbac.Principal, id int64) (Document, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !visible(actor, doc) {
		return Document{}, fmt.Errorf("documents: %w", httpx.ErrNotFound)
	}
	return doc, nil
}

// Download opens the stored bytes of document id. The caller closes the reader.
func (s *Service) Download(ctx context.Context, actor rbac.Principal, id int64) (Document, io.ReadCloser, error) {
	doc, err := s.Get(ctx, actor, id)
	if err != nil {
		return Document{}, nil, err
	}
	rc, err := s.storage.Open(ctx, doc.StorageKey)
	if err != nil {
		return Document{}, nil, err
	}
	return doc, rc, nil
}

// Verify accepts a pending document.
func (s *Service) Verify(ctx context.Context, actor rbac.Principal, id int64, note string) (Document, error) {
	return s.review(ctx, actor, id, StatusVerified, note)
}

// Reject refuses a pending document. A note explaining why is required.
func (s *Service) Reject(ctx context.Context, actor rbac.Principal, id int64, note string) (Document, error) {
	if strings.TrimSpace(note) == "" {
		if !policy.CanVerifyDocuments(actor.Role) {
			return Document{}, s.deny(actor, "reject", id)
		}
		return Document{}, fmt.Errorf("documents: a rejection needs a note: %w", httpx.ErrValidation)
	}
	return s.review(ctx, actor, id, StatusRejected, note)
}

func (s *Service) review(ctx context.Context, actor rbac.Principal, id int64, status Status, note string) (Document, error) {
	if !policy.CanVerifyDocuments(actor.Role) {
		return Document{}, s.deny(actor, string(status), id)
	}
	note = strings.TrimSpace(note)
	if len([]rune(note)) > 1000 {
		return Document{}, fmt.Errorf("documents: note too long: %w", httpx.ErrValidation)
	}
	var reviewed Document
	err := s.repo.WithTx(ctx, func(tx Store) error {
		doc, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if doc.Status != StatusPending {
			return fmt.Errorf("documents: document %d already %s: %w", id, doc.Status, httpx.ErrValidation)
		}
		reviewed, err = tx.SetReview(ctx, id, Review{Status: status, ReviewerID: actor.ID, Note: note, At: s.now().UTC()})
		return err
	})
	if err != nil {
		return Document{}, err
	}
	s.record(ctx, actor, shared.AuditReview, id, map[string]any{"status": string(status)})
	s.publish(ctx, realtime.ActionUpdated, reviewed)
	s.notify(ctx, reviewed)
	return reviewed, nil
}

// Delete removes a pending document. Only its owner may do so.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	doc, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	if doc.OwnerID != actor.ID {
		return s.deny(actor, "delete", id)
	}
	if doc.Status != StatusPending {
		return fmt.Errorf("documents: reviewed documents are kept: %w", httpx.ErrValidation)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.discard(ctx, doc.StorageKey)
	s.record(ctx, actor, shared.AuditDelete, id, map[string]any{"file_name": doc.FileName})
	s.publish(ctx, realtime.ActionDeleted, doc)
	return nil
}

// CountPending counts pending documents visible to actor.
func (s *Service) CountPending(ctx context.Context, actor rbac.Principal) (int, error) {
	if policy.CanVerifyDocuments(actor.Role) {
		return s.repo.CountPending(ctx, nil)
	}
	return s.repo.CountPending(ctx, &actor.ID)
}

func visible(actor rbac.Principal, doc Document) bool {
	return doc.OwnerID == actor.ID || policy.CanVerifyDocuments(actor.Role)
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// notify emails the owner about a review outcome when they have an address.
func (s *Service) notify(ctx context.Context, doc Document) {
	if s.mail == nil {
		return
	}
	owner, err := s.directory.Lookup(ctx, doc.OwnerID)
	if err != nil {
		s.logger.Warn("lookup document owner", slog.Int64("owner_id", doc.OwnerID), slog.Any("error", err))
		return
	}
	if owner.Email == "" {
		return
	}
	payload := jobs.SendEmailPayload{To: owner.Email}
	if doc.Status == StatusVerified {
		payload.Subject = "Document vérifié"
		payload.Body = fmt.Sprintf("Bonjour %s,\n\nVotre document « %s » a été vérifié.", owner.Username, doc.FileName)
	} else {
		payload.Subject = "Document refusé"
		payload.Body = fmt.Sprintf("Bonjour %s,\n\nVotre document « %s » a été refusé.\nMotif : %s", owner.Username, doc.FileName, doc.ReviewNote)
	}
	if _, err := s.mail.EnqueueSendEmail(ctx, payload); err != nil {
		s.logger.Warn("enqueue review email", slog.Int64("document_id", doc.ID), slog.Any("error", err))
	}
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.storage.Remove(ctx, key); err != nil {
		s.logger.Warn("remove stored file", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) deny(actor rbac.Principal, action string, id int64) error {
	s.logger.Info("document action denied",
		slog.String("action", action),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()),
		slog.Int64("target_id", id))
	return fmt.Errorf("documents: %s: %w", action, httpx.ErrForbidden)
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor.ID, Action: action, Entity: "document", EntityID: strconv.FormatInt(id, 10), Meta: meta}); err != nil {
		s.logger.Warn("audit document", slog.Any("error", err))
	}
}

// reviewers see every document; owners only hear about their own.
var reviewers = policy.RolesWhere(policy.CanVerifyDocuments)

func (s *Service) publish(ctx context.Context, action string, doc Document) {
	if s.events == nil {
		return
	}
	ev := realtime.Event{Topic: realtime.TopicDocuments, Action: action, ID: doc.ID, Audience: []int64{doc.OwnerID}, Roles: reviewers}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish document change", slog.Any("error", err))
	}
}
