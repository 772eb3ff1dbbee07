package onboarding

import (
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Field string

const (
	FieldDependency     Field = "dependency"
	FieldWebhookSecret  Field = "webhook_secret"
	FieldAPIURL         Field = "api_url"
	FieldBackfillKey    Field = "backfill_key"
	FieldBackfillSecret Field = "backfill_secret"
)

func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldDependency, FieldWebhookSecret, FieldAPIURL, FieldBackfillKey, FieldBackfillSecret:
		return f, nil
	}
	return "", fmt.Errorf("unknown onboarding field %q", s)
}

// Requirement is one field the flow asks for.
type Requirement struct {
	Field  Field
	Prompt string
	Secret bool
	// Output explains what the user is being asked for.
	Output string
	// Rule is a validator tag applied to submitted values, e.g. "url".
	Rule string
}

// Dependency is the integration type this flow needs linked before anything else.
type Dependency struct {
	ServiceType string
	Name        string
	// Help is appended to the dependency message.
	Help string
}

// Flow is the declared onboarding order for an integration type.
type Flow struct {
	Dependency     *Dependency
	Requirements   []Requirement
	CompleteOutput string
}

// Requirement returns the declared requirement for f.
func (f Flow) Requirement(field Field) (Requirement, bool) {
	for _, r := range f.Requirements {
		if r.Field == field {
			return r, true
		}
	}
	return Requirement{}, false
}

// DependencyMessage is the output shown while a required dependency is missing.
func DependencyMessage(dep Dependency) string {
	msg := fmt.Sprintf("This integration requires %s to sync. Set up %s first, then link it to this integration.", dep.Name, dep.Name)
	if dep.Help != "" {
		msg += "\n" + strings.TrimSpace(dep.Help)
	}
	return msg
}

// Evaluate returns the step for the first unmet requirement, or a complete step. It reads si
// and nothing else, so repeated calls with the same state give the same step.
// postURL is the integration's transition endpoint; the field name is appended.
func Evaluate(flow Flow, si *models.ServiceIntegration, postURL string) Step {
	if flow.Dependency != nil && !si.HasDependency() {
		return Step{
			NeedsInput: false,
			Prompt:     NoPrompt(),
			Complete:   false,
			Output:     DependencyMessage(*flow.Dependency),
			Field:      FieldDependency,
		}
	}

	for _, req := range flow.Requirements {
		if Value(si, req.Field) != "" {
			continue
		}
		return Step{
			NeedsInput:     true,
			Prompt:         Prompt{Text: req.Prompt},
			PromptIsSecret: req.Secret,
			PostToURL:      strings.TrimRight(postURL, "/") + "/" + string(req.Field),
			Output:         req.Output,
			Field:          req.Field,
		}
	}

	return Step{
		NeedsInput: false,
		Prompt:     NoPrompt(),
		Complete:   true,
		Output:     flow.CompleteOutput,
	}
}

// Value reads field from si. The dependency field reads as the parent's id.
func Value(si *models.ServiceIntegration, field Field) string {
	switch field {
	case FieldDependency:
		if si.DependsOnID == nil {
			return ""
		}
		return si.DependsOnID.String()
	case FieldWebhookSecret:
		return si.WebhookSecret
	case FieldAPIURL:
		return si.APIURL
	case FieldBackfillKey:
		return si.BackfillKey
	case FieldBackfillSecret:
		return si.BackfillSecret
	}
	return ""
}

// Submit writes value to exactly the named field of si. Values are trimmed; an empty value clears
// the field. The dependency field takes the parent's id.
func Submit(flow Flow, si *models.ServiceIntegration, field Field, value string) error {
	value = strings.TrimSpace(value)

	if req, ok := flow.Requirement(field); ok && req.Rule != "" && value != "" {
		if err := validate.Var(value, req.Rule); err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
	}

	switch field {
	case FieldDependency:
		if value == "" {
			si.DependsOnID = nil
			return nil
		}
		id, err := uuid.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid dependency id: %w", err)
		}
		si.DependsOnID = &id
	case FieldWebhookSecret:
		si.WebhookSecret = value
	case FieldAPIURL:
		si.APIURL = strings.TrimRight(value, "/")
	case FieldBackfillKey:
		si.BackfillKey = value
	case FieldBackfillSecret:
		si.BackfillSecret = value
	default:
		return fmt.Errorf("unknown onboarding field %q", field)
	}
	return nil
}

// ClearCreateInformation resets what the webhook half of the flow collected.
func ClearCreateInformation(si *models.ServiceIntegration) {
	si.WebhookSecret = ""
}

// ClearBackfillInformation resets what the backfill half of the flow collected.
func ClearBackfillInformation(si *models.ServiceIntegration) {
	si.BackfillKey = ""
	si.BackfillSecret = ""
	si.APIURL = ""
}
