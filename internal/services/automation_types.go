package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bizflow/internal/models"
)

// TriggerType names the condition template of an automation rule.
type TriggerType string

const (
	TriggerStageChange    TriggerType = "stage_change"
	TriggerIdleFor        TriggerType = "idle_for"
	TriggerValueThreshold TriggerType = "value_threshold"
	TriggerDateReached    TriggerType = "date_reached"
)

// AnyStatus matches every source status of a stage change.
const AnyStatus = "*"

// Trigger is a closed set: StageChangeTrigger, IdleForTrigger,
// ValueThresholdTrigger and DateReachedTrigger.
type Trigger interface {
	Type() TriggerType
	validate() error
}

type StageChangeTrigger struct {
	From string
	To   string
}

type IdleForTrigger struct {
	Days int
}

// ValueThresholdTrigger fires when a numeric field crosses Operator Amount.
// An empty Field means the entity's primary value.
type ValueThresholdTrigger struct {
	Field    string
	Operator string
	Amount   float64
}

type DateReachedTrigger struct {
	Field string
}

func (StageChangeTrigger) Type() TriggerType    { return TriggerStageChange }
func (IdleForTrigger) Type() TriggerType        { return TriggerIdleFor }
func (ValueThresholdTrigger) Type() TriggerType { return TriggerValueThreshold }
func (DateReachedTrigger) Type() TriggerType    { return TriggerDateReached }

func (t StageChangeTrigger) validate() error {
	if t.To == "" {
		return errors.New("stage_change requires to")
	}
	if t.From == t.To {
		return errors.New("stage_change from and to must differ")
	}
	return nil
}

func (t IdleForTrigger) validate() error {
	if t.Days <= 0 {
		return errors.New("idle_for requires days > 0")
	}
	return nil
}

func (t ValueThresholdTrigger) validate() error {
	if !validOperator(t.Operator) {
		return fmt.Errorf("value_threshold operator %q not supported", t.Operator)
	}
	return nil
}

func (t DateReachedTrigger) validate() error {
	if t.Field == "" {
		return errors.New("date_reached requires field")
	}
	return nil
}

func (t ValueThresholdTrigger) field() string {
	if t.Field == "" {
		return "value"
	}
	return t.Field
}

// ActionType names a side effect executed when a rule fires.
type ActionType string

const (
	ActionNotifyUser ActionType = "notify_user"
	ActionNotifyRole ActionType = "notify_role"
	ActionSetField   ActionType = "set_field"
	ActionCreateTask ActionType = "create_task"
	ActionSendEmail  ActionType = "send_email"
)

// Action is a closed set of side effects; see the Action* types below.
type Action interface {
	Type() ActionType
	validate() error
}

type NotifyUserAction struct {
	UserID  string
	Title   string
	Message string
}

type NotifyRoleAction struct {
	Role    string
	Title   string
	Message string
}

type SetFieldAction struct {
	Name  string
	Value interface{}
}

// CreateTaskAction assigns to the entity's assignee when AssigneeID is empty.
type CreateTaskAction struct {
	Title      string
	AssigneeID string
}

type SendEmailAction struct {
	Template  string
	Recipient string
}

func (NotifyUserAction) Type() ActionType { return ActionNotifyUser }
func (NotifyRoleAction) Type() ActionType { return ActionNotifyRole }
func (SetFieldAction) Type() ActionType   { return ActionSetField }
func (CreateTaskAction) Type() ActionType { return ActionCreateTask }
func (SendEmailAction) Type() ActionType  { return ActionSendEmail }

func (a NotifyUserAction) validate() error {
	if a.UserID == "" || a.Title == "" {
		return errors.New("notify_user requires user_id and title")
	}
	return nil
}

func (a NotifyRoleAction) validate() error {
	if a.Role == "" || a.Title == "" {
		return errors.New("notify_role requires role and title")
	}
	return nil
}

func (a SetFieldAction) validate() error {
	if a.Name == "" {
		return errors.New("set_field requires name")
	}
	return nil
}

func (a CreateTaskAction) validate() error {
	if a.Title == "" {
		return errors.New("create_task requires title")
	}
	return nil
}

func (a SendEmailAction) validate() error {
	if a.Template == "" || a.Recipient == "" {
		return errors.New("send_email requires template and recipient")
	}
	return nil
}

// TriggerConfig is the stored JSON form of a Trigger.
type TriggerConfig struct {
	Type     TriggerType `json:"type"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
	Days     int         `json:"days,omitempty"`
	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Amount   *float64    `json:"amount,omitempty"`
}

// ActionConfig is the stored JSON form of an Action.
type ActionConfig struct {
	Type       ActionType  `json:"type"`
	UserID     string      `json:"user_id,omitempty"`
	Role       string      `json:"role,omitempty"`
	Title      string      `json:"title,omitempty"`
	Message    string      `json:"message,omitempty"`
	Name       string      `json:"name,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	AssigneeID string      `json:"assignee_id,omitempty"`
	Template   string      `json:"template,omitempty"`
	Recipient  string      `json:"recipient,omitempty"`
}

// ToTrigger converts the stored form into its typed trigger, rejecting unknown kinds.
func (c TriggerConfig) ToTrigger() (Trigger, error) {
	var t Trigger
	switch c.Type {
	case TriggerStageChange:
		from := c.From
		if from == "" {
			from = AnyStatus
		}
		t = StageChangeTrigger{From: from, To: c.To}
	case TriggerIdleFor:
		t = IdleForTrigger{Days: c.Days}
	case TriggerValueThreshold:
		if c.Amount == nil {
			return nil, errors.New("value_threshold requires amount")
		}
		t = ValueThresholdTrigger{Field: c.Field, Operator: c.Operator, Amount: *c.Amount}
	case TriggerDateReached:
		t = DateReachedTrigger{Field: c.Field}
	default:
		return nil, fmt.Errorf("unknown trigger type %q", c.Type)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ToAction converts the stored form into its typed action, rejecting unknown kinds.
func (c ActionConfig) ToAction() (Action, error) {
	var a Action
	switch c.Type {
	case ActionNotifyUser:
		a = NotifyUserAction{UserID: c.UserID, Title: c.Title, Message: c.Message}
	case ActionNotifyRole:
		a = NotifyRoleAction{Role: c.Role, Title: c.Title, Message: c.Message}
	case ActionSetField:
		a = SetFieldAction{Name: c.Name, Value: c.Value}
	case ActionCreateTask:
		a = CreateTaskAction{Title: c.Title, AssigneeID: c.AssigneeID}
	case ActionSendEmail:
		a = SendEmailAction{Template: c.Template, Recipient: c.Recipient}
	default:
		return nil, fmt.Errorf("unknown action type %q", c.Type)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// TriggerConfigOf returns the stored form of t.
func TriggerConfigOf(t Trigger) TriggerConfig {
	switch v := t.(type) {
	case StageChangeTrigger:
		return TriggerConfig{Type: TriggerStageChange, From: v.From, To: v.To}
	case IdleForTrigger:
		return TriggerConfig{Type: TriggerIdleFor, Days: v.Days}
	case ValueThresholdTrigger:
		amount := v.Amount
		return TriggerConfig{Type: TriggerValueThreshold, Field: v.Field, Operator: v.Operator, Amount: &amount}
	case DateReachedTrigger:
		return TriggerConfig{Type: TriggerDateReached, Field: v.Field}
	default:
		return TriggerConfig{}
	}
}

// ActionConfigOf returns the stored form of a.
func ActionConfigOf(a Action) ActionConfig {
	switch v := a.(type) {
	case NotifyUserAction:
		return ActionConfig{Type: ActionNotifyUser, UserID: v.UserID, Title: v.Title, Message: v.Message}
	case NotifyRoleAction:
		return ActionConfig{Type: ActionNotifyRole, Role: v.Role, Title: v.Title, Message: v.Message}
	case SetFieldAction:
		return ActionConfig{Type: ActionSetField, Name: v.Name, Value: v.Value}
	case CreateTaskAction:
		return ActionConfig{Type: ActionCreateTask, Title: v.Title, AssigneeID: v.AssigneeID}
	case SendEmailAction:
		return ActionConfig{Type: ActionSendEmail, Template: v.Template, Recipient: v.Recipient}
	default:
		return ActionConfig{}
	}
}

// AutomationRule is the decoded, typed form of models.AutomationRule.
type AutomationRule struct {
	ID          uint
	Name        string
	Description string
	EntityKind  string
	Active      bool
	Trigger     Trigger
	Actions     []Action
	CreatedAt   time.Time
}

// DecodeRule converts a stored rule into its typed form.
func DecodeRule(m models.AutomationRule) (AutomationRule, error) {
	var tc TriggerConfig
	if err := json.Unmarshal([]byte(m.Trigger), &tc); err != nil {
		return AutomationRule{}, &ConfigurationError{RuleID: m.ID, Reason: "trigger is not valid JSON", Err: err}
	}
	trigger, err := tc.ToTrigger()
	if err != nil {
		return AutomationRule{}, &ConfigurationError{RuleID: m.ID, Reason: "invalid trigger", Err: err}
	}

	var acs []ActionConfig
	if m.Actions != "" {
		if err := json.Unmarshal([]byte(m.Actions), &acs); err != nil {
			return AutomationRule{}, &ConfigurationError{RuleID: m.ID, Reason: "actions are not valid JSON", Err: err}
		}
	}
	actions := make([]Action, 0, len(acs))
	for i, ac := range acs {
		a, err := ac.ToAction()
		if err != nil {
			return AutomationRule{}, &ConfigurationError{RuleID: m.ID, Reason: fmt.Sprintf("invalid action #%d", i+1), Err: err}
		}
		actions = append(actions, a)
	}

	return AutomationRule{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		EntityKind:  m.EntityKind,
		Active:      m.Active,
		Trigger:     trigger,
		Actions:     actions,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// EntityState is a snapshot of a business entity as seen by the engine.
type EntityState struct {
	ID               string                 `json:"id"`
	Kind             string                 `json:"kind"`
	Name             string                 `json:"name"`
	Status           string                 `json:"status"`
	Value            float64                `json:"value"`
	AssigneeID       string                 `json:"assignee_id"`
	AssigneeRole     string                 `json:"assignee_role"`
	Source           string                 `json:"source"`
	Fields           map[string]interface{} `json:"fields,omitempty"`
	LastTransitionAt time.Time              `json:"last_transition_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Clone returns a copy whose Fields map can be modified independently.
func (e EntityState) Clone() EntityState {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Number reads a numeric field; "value" is the primary value.
func (e EntityState) Number(field string) (float64, bool) {
	if field == "" || field == "value" {
		return e.Value, true
	}
	raw, ok := e.Fields[field]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Time reads a date field stored as RFC3339 or YYYY-MM-DD.
func (e EntityState) Time(field string) (time.Time, bool) {
	raw, ok := e.Fields[field]
	if !ok || raw == nil {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (e EntityState) fieldValue(name string) interface{} {
	switch name {
	case "status":
		return e.Status
	case "value":
		return e.Value
	case "name":
		return e.Name
	case "assignee_id":
		return e.AssigneeID
	default:
		return e.Fields[name]
	}
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	Action  Action
	Success bool
	Error   error
}

func (r ActionResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Action  ActionConfig `json:"action"`
		Success bool         `json:"success"`
		Error   string       `json:"error,omitempty"`
	}{Action: ActionConfigOf(r.Action), Success: r.Success}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return json.Marshal(out)
}

// Origin tells where a transition came from.
type Origin string

const (
	OriginMutation Origin = "mutation"
	OriginSetField Origin = "set_field"
	OriginIdleScan Origin = "idle_scan"
	OriginDateScan Origin = "date_scan"
)
