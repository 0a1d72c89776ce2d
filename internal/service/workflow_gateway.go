package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/logger"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// Who may file a liquidation against a disbursement.
const (
	FilerBeneficiary = "beneficiary"
	FilerCaseworker  = "caseworker"
	FilerEither      = "either"
)

// Options configures a WorkflowGateway. Zero values select permissive
// disbursement, beneficiary-only filing, the system clock and random UUIDs.
type Options struct {
	DisbursementMode workflow.DisbursementMode
	LiquidationFiler string
	Currency         string
	Clock            ledger.Clock
	NewID            func() string
}

// WorkflowGateway is the single entry point for every workflow operation. Each
// call resolves the actor, loads the entity, checks the gate, applies the
// transition and persists it together with its audit entry. Notifications go
// out only after the write has committed.
type WorkflowGateway struct {
	store    repository.Store
	identity client.IdentityResolver
	blobs    client.BlobStore
	notifier client.NotificationSink
	mode     workflow.DisbursementMode
	filer    string
	currency string
	now      ledger.Clock
	newID    func() string
	log      *logger.Logger
}

// NewWorkflowGateway creates a gateway. blobs may be nil, in which case
// receipt uploads are unavailable and file_refs are not verified.
func NewWorkflowGateway(
	store repository.Store,
	identity client.IdentityResolver,
	blobs client.BlobStore,
	notifier client.NotificationSink,
	opts Options,
	log *logger.Logger,
) *WorkflowGateway {
	if opts.DisbursementMode == "" {
		opts.DisbursementMode = workflow.ModePermissive
	}
	if opts.LiquidationFiler == "" {
		opts.LiquidationFiler = FilerBeneficiary
	}
	if opts.Clock == nil {
		opts.Clock = ledger.SystemClock
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if notifier == nil {
		notifier = client.NewLogNotificationSink(log.Logger)
	}
	return &WorkflowGateway{
		store:    store,
		identity: identity,
		blobs:    blobs,
		notifier: notifier,
		mode:     opts.DisbursementMode,
		filer:    opts.LiquidationFiler,
		currency: opts.Currency,
		now:      opts.Clock,
		newID:    opts.NewID,
		log:      log.Component("workflow_gateway"),
	}
}

// Mode is the configured disbursement mode.
func (g *WorkflowGateway) Mode() workflow.DisbursementMode {
	return g.mode
}

// ReviewInput is a gate decision on an aid request or liquidation.
type ReviewInput struct {
	ID       string
	Decision string
	Notes    string
}

// ── Actor resolution and authorization ───────────────────────────────────────

// resolve turns the bearer token into an identity. Anything the resolver
// reports that is not already typed is treated as an authentication failure.
func (g *WorkflowGateway) resolve(ctx context.Context, token string) (*client.Identity, error) {
	id, err := g.identity.Resolve(ctx, token)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "could not resolve identity")
	}
	return id, nil
}

func requireRole(id *client.Identity, role workflow.Role, action string) error {
	if id.Role != role {
		return errors.Forbidden(fmt.Sprintf("role '%s' cannot %s", id.Role, action)).
			WithDetail("required_role", string(role))
	}
	return nil
}

func requireScope(id *client.Identity, facilityID string) error {
	if !id.InScope(facilityID) {
		return errors.Forbidden("facility is outside the actor's scope").
			WithDetail("facility_id", facilityID)
	}
	return nil
}

// authorizeGate checks that id may decide at gate g. The caseworker gate
// belongs to the assigned caseworker only; finance and director gates to any
// holder of the role with the facility in scope.
func authorizeGate(id *client.Identity, g workflow.Gate, facilityID, caseworkerID string) error {
	if err := requireRole(id, g.Role(), "review at the "+string(g)+" gate"); err != nil {
		return err
	}
	if g == workflow.GateCaseworker {
		if id.UserID != caseworkerID {
			return errors.Forbidden("only the assigned caseworker can review at the caseworker gate").
				WithDetail("caseworker_id", caseworkerID)
		}
		return nil
	}
	return requireScope(id, facilityID)
}

// authorizeRead lets beneficiaries see their own records and staff see
// records in their facility scope or assigned to them.
func authorizeRead(id *client.Identity, facilityID, beneficiaryID, caseworkerID string) error {
	if id.Role == workflow.RoleBeneficiary {
		if id.UserID == beneficiaryID {
			return nil
		}
		return errors.Forbidden("beneficiaries can only view their own records")
	}
	if caseworkerID != "" && id.UserID == caseworkerID {
		return nil
	}
	return requireScope(id, facilityID)
}

// ── Storage error translation ────────────────────────────────────────────────

// storeErr maps repository sentinels onto application errors.
func storeErr(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, repository.ErrNotFound):
		return errors.NotFound(kind, id)
	case stderrors.Is(err, repository.ErrDuplicate):
		return errors.Conflict(fmt.Sprintf("%s %s already exists", kind, id))
	case stderrors.Is(err, repository.ErrStaleVersion):
		return errors.New(errors.ErrCodeInvalidTransition,
			fmt.Sprintf("%s %s was modified concurrently", kind, id)).
			WithDetail("reason", "concurrent_update")
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "storage failure")
}

// raceLost reports a write that lost an optimistic-concurrency race, naming
// the status the winning write left behind.
func raceLost(action, currentStatus string) error {
	return errors.InvalidTransition(currentStatus, action).
		WithDetail("reason", "concurrent_update")
}

// ── Notifications ────────────────────────────────────────────────────────────

func (g *WorkflowGateway) publish(ctx context.Context, event client.NotificationEvent) {
	if g.currency != "" {
		if event.Payload == nil {
			event.Payload = make(map[string]any)
		}
		event.Payload["currency"] = g.currency
	}
	g.notifier.Publish(ctx, event)
}

// reviewEvent builds the notification for a decision on an approval chain.
// It returns the event type, the role now expected to act, and whether the
// event asks someone to act.
func reviewEvent(chain workflow.ApprovalChain, advanced, approved, rejected string) (string, string, bool) {
	switch status := chain.Status(); {
	case status == workflow.StatusApproved:
		return approved, "", false
	case status == workflow.StatusRejected:
		return rejected, "", false
	default:
		return advanced, string(status.PendingGate().Role()), true
	}
}

func auditEntry(entityType workflow.EntityType, entityID, action, actor string, at time.Time, before, after string, metadata map[string]any) *repository.AuditEntry {
	return &repository.AuditEntry{
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		PerformedBy:  actor,
		PerformedAt:  at,
		StatusBefore: repository.StatusPtr(before),
		StatusAfter:  repository.StatusPtr(after),
		Metadata:     metadata,
	}
}
