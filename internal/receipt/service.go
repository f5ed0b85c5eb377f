package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/observability"
	"github.com/zombor/receipt-approvals/internal/scanning"
)

// IDGenerator generates unique names for stored images
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// allowedExtensions are the upload types the scanners can convert
var allowedExtensions = []string{".png", ".jpg", ".jpeg", ".pdf", ".heic", ".heif"}

// Upload is a scanned but not yet saved receipt
type Upload struct {
	ImageRef string `json:"image_filename"`
	Fields
}

// Service handles receipt operations
type Service struct {
	db          DB
	uploads     UploadIndex
	scanner     scanning.Scanner
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	validate    *validator.Validate
	metrics     *observability.Metrics
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, uploads UploadIndex, scanner scanning.Scanner, storage Storage, metrics *observability.Metrics) *Service {
	return NewServiceWithDeps(db, uploads, scanner, storage, metrics, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, uploads UploadIndex, scanner scanning.Scanner, storage Storage, metrics *observability.Metrics, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		uploads:     uploads,
		scanner:     scanner,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		metrics:     metrics,
	}
}

// validateFields checks the structural rules on a field set and normalizes the total
func (s *Service) validateFields(fields *Fields) error {
	fields.StoreName = strings.TrimSpace(fields.StoreName)
	fields.ExpenseCategory = strings.ToLower(strings.TrimSpace(fields.ExpenseCategory))
	if err := s.validate.Struct(fields); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s failed %q: %w", verrs[0].Field(), verrs[0].Tag(), apperr.ErrValidation)
		}
		return fmt.Errorf("%v: %w", err, apperr.ErrValidation)
	}
	amount, err := ParseAmount(fields.TotalPayment)
	if err != nil {
		return err
	}
	fields.TotalPayment = FormatAmount(amount)
	if fields.LineItems == nil {
		fields.LineItems = []string{}
	}
	return nil
}

// ScanUpload stores an uploaded document and extracts its fields. The result is not saved
// as a receipt until CreateReceipt is called with its image reference.
func (s *Service) ScanUpload(ctx context.Context, viewer *identity.User, filename string, data []byte, contentType string) (*Upload, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(allowedExtensions, ext) {
		return nil, fmt.Errorf("file type %q not allowed: %w", ext, apperr.ErrValidation)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("file is empty: %w", apperr.ErrValidation)
	}

	ref, err := s.storage.Save(s.idGenerator.Generate()+ext, data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}
	if err := s.uploads.RecordUpload(ref, viewer.Username); err != nil {
		if delErr := s.storage.Delete(ref); delErr != nil {
			slog.Warn("Failed to delete file", "image_ref", ref, "error", delErr)
		}
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	extracted, err := s.scanner.ScanReceipt(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		if delErr := s.storage.Delete(ref); delErr != nil {
			slog.Warn("Failed to delete file", "image_ref", ref, "error", delErr)
		}
		if delErr := s.uploads.DeleteUpload(ref); delErr != nil {
			slog.Warn("Failed to forget upload", "image_ref", ref, "error", delErr)
		}
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	return &Upload{
		ImageRef: ref,
		Fields: Fields{
			StoreName:       extracted.StoreName,
			Phone:           extracted.Phone,
			Website:         extracted.Website,
			Address:         extracted.Address,
			Date:            extracted.Date,
			Time:            extracted.Time,
			TotalPayment:    extracted.TotalPayment,
			PaymentMethod:   extracted.PaymentMethod,
			ExpenseCategory: extracted.ExpenseCategory,
			LineItems:       extracted.LineItems,
		},
	}, nil
}

// CreateReceipt saves a new submitted receipt for owner
func (s *Service) CreateReceipt(owner *identity.User, fields Fields, imageRef string) (*Receipt, error) {
	if err := s.validateFields(&fields); err != nil {
		return nil, err
	}

	if imageRef != "" {
		uploader, err := s.uploads.Uploader(imageRef)
		if err != nil {
			return nil, fmt.Errorf("checking image: %w", err)
		}
		if uploader != owner.Username {
			return nil, fmt.Errorf("image %q belongs to another user: %w", imageRef, apperr.ErrForbidden)
		}
	}

	now := s.timeSource.Now()
	receipt := &Receipt{
		Owner:       owner.Username,
		ProcessedAt: now.UTC().Format(ProcessedAtLayout),
		ImageRef:    imageRef,
		Status:      StatusSubmitted,
		UpdatedAt:   now,
		Fields:      fields,
	}
	if err := s.db.CreateReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	s.metrics.ReceiptCreated()
	slog.Info("Receipt submitted", "owner", receipt.Owner, "processed_at", receipt.ProcessedAt)
	return receipt, nil
}

// VisibleReceipts returns every receipt viewer may see: all of them for an admin, the
// effective team's for a supervisor, and their own otherwise. Ordered by owner, then
// processed_at.
func (s *Service) VisibleReceipts(viewer *identity.User) ([]*Receipt, error) {
	if viewer.Role == identity.RoleAdmin {
		receipts, err := s.db.ListReceipts()
		if err != nil {
			return nil, fmt.Errorf("listing receipts: %w", err)
		}
		return receipts, nil
	}

	owners := []string{viewer.Username}
	if viewer.Role == identity.RoleSupervisor {
		owners = viewer.EffectiveTeam()
		slices.Sort(owners)
	}

	receipts := make([]*Receipt, 0)
	for _, owner := range owners {
		owned, err := s.db.ListReceiptsByOwner(owner)
		if err != nil {
			return nil, fmt.Errorf("listing receipts for %s: %w", owner, err)
		}
		receipts = append(receipts, owned...)
	}
	return receipts, nil
}

// GetReceipt returns a single receipt if viewer may see it
func (s *Service) GetReceipt(viewer *identity.User, key Key) (*Receipt, error) {
	if !viewer.CanSee(key.Owner) {
		return nil, notFound(key)
	}
	receipt, err := s.db.GetReceipt(key)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// Patch carries the fields an owner wants to change. Nil members are left alone.
type Patch struct {
	StoreName       *string   `json:"store_name"`
	Phone           *string   `json:"phone"`
	Website         *string   `json:"website"`
	Address         *string   `json:"address"`
	Date            *string   `json:"date"`
	Time            *string   `json:"time"`
	TotalPayment    *string   `json:"total_payment"`
	PaymentMethod   *string   `json:"payment_method"`
	ExpenseCategory *string   `json:"expense_category"`
	LineItems       *[]string `json:"line_items"`
}

func (p Patch) apply(f Fields) Fields {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&f.StoreName, p.StoreName)
	set(&f.Phone, p.Phone)
	set(&f.Website, p.Website)
	set(&f.Address, p.Address)
	set(&f.Date, p.Date)
	set(&f.Time, p.Time)
	set(&f.TotalPayment, p.TotalPayment)
	set(&f.PaymentMethod, p.PaymentMethod)
	set(&f.ExpenseCategory, p.ExpenseCategory)
	if p.LineItems != nil {
		f.LineItems = slices.Clone(*p.LineItems)
	}
	return f
}

// UpdateReceiptFields lets the owner edit a receipt that is still submitted. Status is not
// reachable through this path.
func (s *Service) UpdateReceiptFields(actor *identity.User, key Key, patch Patch) (*Receipt, error) {
	updated, err := s.db.UpdateReceipt(key, func(r *Receipt) error {
		if actor.Username != r.Owner {
			return fmt.Errorf("only the owner may edit a receipt: %w", apperr.ErrForbidden)
		}
		if r.Status != StatusSubmitted {
			return fmt.Errorf("receipt is %s: %w", r.Status, apperr.ErrInvalidState)
		}
		fields := patch.apply(r.Fields)
		if err := s.validateFields(&fields); err != nil {
			return err
		}
		r.Fields = fields
		r.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	return updated, nil
}

// CanTransition reports whether actor holds approval authority over receipts owned by owner:
// admins over everyone, supervisors over their stored team. A supervisor is never in their
// own stored team, so self-approval is refused.
func CanTransition(actor *identity.User, owner string) bool {
	switch actor.Role {
	case identity.RoleAdmin:
		return true
	case identity.RoleSupervisor:
		return actor.InTeam(owner)
	default:
		return false
	}
}

// Transition moves a submitted receipt to approved or rejected. The status check, the
// actor's role and team, and the write all come from the same storage transaction, so of
// two racing calls exactly one wins and a role change that commits first is honoured.
func (s *Service) Transition(actor *identity.User, key Key, target string) (*Receipt, error) {
	updated, err := s.db.UpdateReceiptAs(key, actor.Username, func(current *identity.User, r *Receipt) error {
		if r.Status != StatusSubmitted {
			return fmt.Errorf("receipt is already %s: %w", r.Status, apperr.ErrInvalidState)
		}
		if current == nil || !CanTransition(current, r.Owner) {
			return fmt.Errorf("%s may not act on receipts of %s: %w", actor.Username, r.Owner, apperr.ErrForbidden)
		}
		status, err := ParseStatus(target)
		if err != nil {
			return err
		}
		if !status.Terminal() {
			return fmt.Errorf("cannot transition to %s: %w", status, apperr.ErrInvalidArgument)
		}
		r.Status = status
		r.UpdatedAt = s.timeSource.Now()
		return nil
	})

	label := "invalid"
	if st, parseErr := ParseStatus(target); parseErr == nil {
		label = string(st)
	}
	s.metrics.Transitioned(label, apperr.Code(err))
	if err != nil {
		return nil, fmt.Errorf("transitioning receipt: %w", err)
	}

	slog.Info("Receipt status changed",
		"actor", actor.Username,
		"owner", key.Owner,
		"processed_at", key.ProcessedAt,
		"status", updated.Status,
	)
	return updated, nil
}

// ReceiptImage returns a stored image if viewer uploaded it or can see a receipt that uses it
func (s *Service) ReceiptImage(viewer *identity.User, ref string) ([]byte, string, error) {
	uploader, err := s.uploads.Uploader(ref)
	if err != nil {
		return nil, "", fmt.Errorf("getting image: %w", err)
	}

	allowed := uploader == viewer.Username
	if !allowed && viewer.CanSee(uploader) {
		owned, err := s.db.ListReceiptsByOwner(uploader)
		if err != nil {
			return nil, "", fmt.Errorf("listing receipts: %w", err)
		}
		allowed = slices.ContainsFunc(owned, func(r *Receipt) bool { return r.ImageRef == ref })
	}
	if !allowed {
		// Reported as missing so the reference does not leak whether it exists.
		return nil, "", fmt.Errorf("image %q: %w", ref, apperr.ErrNotFound)
	}

	data, err := s.storage.Get(ref)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, contentTypeFor(ref), nil
}

func contentTypeFor(ref string) string {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
