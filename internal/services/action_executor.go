package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bizflow/internal/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReentryFunc feeds a SetField write back into the transition pipeline.
type ReentryFunc func(ctx context.Context, kind, id string, old *EntityState, next EntityState)

// ActionExecutor runs the actions of a fired rule in order. A failing action
// never stops the ones after it and nothing is rolled back.
type ActionExecutor struct {
	repo     EntityRepository
	notifier Notifier
	tasks    TaskCreator
	audit    *AuditService
	logger   *logrus.Logger
	tracer   trace.Tracer
	timeout  time.Duration
	maxDepth int
	reenter  ReentryFunc
}

// MaxReentryDepth is the deepest set_field re-entry the executor allows.
const MaxReentryDepth = 1

// NewActionExecutor 创建动作执行器；timeout 约束每个外部调用，maxDepth 限制 set_field 重入层数（0 或 1）
func NewActionExecutor(repo EntityRepository, notifier Notifier, tasks TaskCreator, audit *AuditService, logger *logrus.Logger, timeout time.Duration, maxDepth int) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxDepth < 0 {
		maxDepth = 0
	}
	if maxDepth > MaxReentryDepth {
		logger.Warnf("automation: max_reentry_depth %d clamped to %d", maxDepth, MaxReentryDepth)
		maxDepth = MaxReentryDepth
	}
	return &ActionExecutor{
		repo:     repo,
		notifier: notifier,
		tasks:    tasks,
		audit:    audit,
		logger:   logger,
		tracer:   otel.Tracer("bizflow.automation"),
		timeout:  timeout,
		maxDepth: maxDepth,
	}
}

// SetReentry installs the hook used after a successful SetField write.
func (e *ActionExecutor) SetReentry(fn ReentryFunc) {
	e.reenter = fn
}

// Execute runs every action of rule against entity and returns one result per
// action, in configured order. Each outcome is handed to the audit recorder.
func (e *ActionExecutor) Execute(ctx context.Context, rule AutomationRule, entity EntityState) []ActionResult {
	ctx, meta := newTransition(ctx, OriginMutation)
	ctx, span := e.tracer.Start(ctx, "automation.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rule_id", int(rule.ID)),
		attribute.String("entity_kind", entity.Kind),
		attribute.String("entity_id", entity.ID),
		attribute.String("origin", string(meta.Origin)),
	)

	ctx = withTaskSource(ctx, entity.Kind, entity.ID)
	current := entity.Clone()
	results := make([]ActionResult, 0, len(rule.Actions))

	for _, action := range rule.Actions {
		outcome := e.run(ctx, rule, &current, action)

		var err error
		if outcome.err != nil {
			err = &ActionExecutionError{Action: action.Type(), Err: outcome.err}
			span.RecordError(err)
			e.logger.WithFields(logrus.Fields{
				"rule_id":       rule.ID,
				"entity_kind":   entity.Kind,
				"entity_id":     entity.ID,
				"transition_id": meta.ID,
			}).Warnf("automation: %v", err)
		}
		metrics.ObserveAction(string(action.Type()), err == nil)
		e.record(ctx, meta, rule, current, action, outcome, err)
		results = append(results, ActionResult{Action: action, Success: err == nil, Error: err})

		if outcome.reentry != nil {
			old := outcome.reentry.before
			next := outcome.reentry.after
			e.reenter(childTransition(ctx), next.Kind, next.ID, &old, next)
		}
	}
	return results
}

type actionOutcome struct {
	err         error
	changes     []FieldChange
	description string
	reentry     *reentryRequest
}

type reentryRequest struct {
	before EntityState
	after  EntityState
}

func (e *ActionExecutor) run(ctx context.Context, rule AutomationRule, current *EntityState, action Action) actionOutcome {
	vars := templateVars(rule, *current)

	switch a := action.(type) {
	case NotifyUserAction:
		userID := vars.Replace(a.UserID)
		out := actionOutcome{description: fmt.Sprintf("notify user %s: %s", userID, vars.Replace(a.Title))}
		if e.notifier == nil {
			out.err = errors.New("no notifier configured")
			return out
		}
		out.err = e.bounded(ctx, func(ctx context.Context) error {
			return e.notifier.Notify(ctx, userID, vars.Replace(a.Title), vars.Replace(a.Message))
		})
		return out

	case NotifyRoleAction:
		out := actionOutcome{description: fmt.Sprintf("notify role %s: %s", a.Role, vars.Replace(a.Title))}
		if e.notifier == nil {
			out.err = errors.New("no notifier configured")
			return out
		}
		out.err = e.bounded(ctx, func(ctx context.Context) error {
			return e.notifier.NotifyRole(ctx, a.Role, vars.Replace(a.Title), vars.Replace(a.Message))
		})
		return out

	case SendEmailAction:
		recipient := vars.Replace(a.Recipient)
		out := actionOutcome{description: fmt.Sprintf("send email %s to %s", a.Template, recipient)}
		if e.notifier == nil {
			out.err = errors.New("no notifier configured")
			return out
		}
		data := emailData(rule, *current)
		out.err = e.bounded(ctx, func(ctx context.Context) error {
			return e.notifier.SendEmail(ctx, a.Template, recipient, data)
		})
		return out

	case CreateTaskAction:
		assignee := vars.Replace(a.AssigneeID)
		if assignee == "" {
			assignee = current.AssigneeID
		}
		title := vars.Replace(a.Title)
		out := actionOutcome{description: fmt.Sprintf("create task %q for %s", title, assignee)}
		if e.tasks == nil {
			out.err = errors.New("no task creator configured")
			return out
		}
		if assignee == "" {
			out.err = errors.New("create_task: entity has no assignee")
			return out
		}
		var taskID string
		out.err = e.bounded(ctx, func(ctx context.Context) error {
			id, err := e.tasks.CreateTask(ctx, title, assignee)
			taskID = id
			return err
		})
		if out.err == nil {
			out.description += " (task " + taskID + ")"
		}
		return out

	case SetFieldAction:
		return e.setField(ctx, current, a)

	default:
		metrics.IncConfigWarning()
		return actionOutcome{
			err:         fmt.Errorf("unsupported action %T", action),
			description: "unsupported action",
		}
	}
}

// setField writes one field through the repository. Re-entry is requested
// only while the transition is shallower than maxDepth.
func (e *ActionExecutor) setField(ctx context.Context, current *EntityState, a SetFieldAction) actionOutcome {
	before := current.Clone()
	out := actionOutcome{
		description: fmt.Sprintf("set %s", a.Name),
		changes:     []FieldChange{{Field: a.Name, Old: before.fieldValue(a.Name), New: a.Value}},
	}
	if e.repo == nil {
		out.err = errors.New("no entity repository configured")
		return out
	}
	patch, err := patchForField(a.Name, a.Value)
	if err != nil {
		out.err = err
		return out
	}

	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	saved, err := e.repo.Save(actx, current.Kind, current.ID, patch)
	if err != nil {
		out.err = err
		return out
	}
	*current = saved.Clone()

	meta, _ := transitionFrom(ctx)
	if meta.Depth < e.maxDepth && e.reenter != nil {
		out.reentry = &reentryRequest{before: before, after: saved.Clone()}
	} else if e.reenter != nil {
		e.logger.WithFields(logrus.Fields{
			"entity_id":     current.ID,
			"transition_id": meta.ID,
			"depth":         meta.Depth,
		}).Debug("automation: set_field re-entry suppressed at max depth")
	}
	return out
}

// bounded runs fn under the action timeout. A collaborator that ignores its
// context is abandoned when the deadline passes and the action fails.
func (e *ActionExecutor) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s: %w", e.timeout, ctx.Err())
	}
}

func (e *ActionExecutor) record(ctx context.Context, meta transitionMeta, rule AutomationRule, entity EntityState, action Action, out actionOutcome, err error) {
	if e.audit == nil {
		return
	}
	ruleID := rule.ID
	entry := AuditEntry{
		ActorID:      actorFrom(ctx),
		Action:       "automation." + string(action.Type()),
		EntityType:   entity.Kind,
		EntityID:     entity.ID,
		EntityName:   entity.Name,
		Changes:      out.changes,
		Description:  fmt.Sprintf("rule %q: %s", rule.Name, out.description),
		Success:      err == nil,
		RuleID:       &ruleID,
		TransitionID: meta.ID,
		Origin:       meta.Origin,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// best-effort, failures are logged by the recorder
	_ = e.audit.Record(ctx, entry)
}

// templateVars expands {{entity.*}} and {{rule.name}} placeholders.
func templateVars(rule AutomationRule, e EntityState) *strings.Replacer {
	return strings.NewReplacer(
		"{{entity.id}}", e.ID,
		"{{entity.kind}}", e.Kind,
		"{{entity.name}}", e.Name,
		"{{entity.status}}", e.Status,
		"{{entity.value}}", strconv.FormatFloat(e.Value, 'f', -1, 64),
		"{{entity.assignee_id}}", e.AssigneeID,
		"{{entity.source}}", e.Source,
		"{{rule.name}}", rule.Name,
	)
}

func emailData(rule AutomationRule, e EntityState) map[string]interface{} {
	return map[string]interface{}{
		"rule":        rule.Name,
		"entity_kind": e.Kind,
		"entity_id":   e.ID,
		"entity_name": e.Name,
		"status":      e.Status,
		"value":       e.Value,
		"assignee_id": e.AssigneeID,
	}
}
