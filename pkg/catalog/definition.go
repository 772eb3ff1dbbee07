package catalog

import (
	"fmt"

	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// File is one catalog document.
type File struct {
	Types []Definition `yaml:"types" validate:"dive"`
}

// Definition declares an integration type without code.
type Definition struct {
	Name                 string            `yaml:"name" validate:"required,max=63"`
	ResourceName         string            `yaml:"resource_name" validate:"required"`
	Description          string            `yaml:"description"`
	DependsOn            string            `yaml:"depends_on"`
	DelegatesCredentials bool              `yaml:"delegates_credentials"`
	RemoteKey            schema.Column     `yaml:"remote_key"`
	Columns              []schema.Column   `yaml:"columns"`
	Enrichment           []EnrichmentTable `yaml:"enrichment" validate:"dive"`
	RowDiff              *RowDiff          `yaml:"row_diff"`
	Auth                 Auth              `yaml:"auth"`
	Events               Events            `yaml:"events"`
	Flow                 FlowDefinition    `yaml:"flow"`
	Backfill             *Backfill         `yaml:"backfill"`
	// PayloadSchema is a JSON schema checked against every delivery. Violations are logged only.
	PayloadSchema map[string]any `yaml:"payload_schema"`
	// Synchronous echoes these fields of the stored row back to the webhook caller.
	Synchronous []string `yaml:"synchronous"`
}

// EnrichmentTable names are suffixes appended to the integration's table name.
type EnrichmentTable struct {
	Suffix  string            `yaml:"suffix" validate:"required"`
	Columns []schema.Column   `yaml:"columns" validate:"required,min=1"`
	Indices []EnrichmentIndex `yaml:"indices" validate:"dive"`
}

type EnrichmentIndex struct {
	Suffix  string   `yaml:"suffix" validate:"required"`
	Columns []string `yaml:"columns" validate:"required,min=1"`
	Unique  bool     `yaml:"unique"`
}

type RowDiff struct {
	RecencyColumn string   `yaml:"recency_column" validate:"required"`
	IgnoreFields  []string `yaml:"ignore_fields"`
}

type Auth struct {
	Strategy      string `yaml:"strategy" validate:"required,oneof=always header hmac"`
	Header        string `yaml:"header" validate:"required_unless=Strategy always"`
	Prefix        string `yaml:"prefix"`
	Hash          string `yaml:"hash" validate:"omitempty,oneof=sha256 sha1"`
	Encoding      string `yaml:"encoding" validate:"omitempty,oneof=hex base64"`
	SuccessStatus int    `yaml:"success_status" validate:"omitempty,min=200,max=299"`
}

// Events maps a delivery body onto a write. Expressions are JMESPath against the body.
type Events struct {
	// Document selects the row payload; empty means the whole body.
	Document string `yaml:"document"`
	// DeleteWhen deletes the row keyed by DeleteKey when it evaluates truthy.
	DeleteWhen string `yaml:"delete_when"`
	DeleteKey  string `yaml:"delete_key" validate:"required_with=DeleteWhen"`
	// IgnoreWhen acknowledges without writing.
	IgnoreWhen string `yaml:"ignore_when"`
}

type FlowDefinition struct {
	Dependency     *DependencyDefinition   `yaml:"dependency"`
	Requirements   []RequirementDefinition `yaml:"requirements" validate:"dive"`
	CompleteOutput string                  `yaml:"complete_output"`
}

type DependencyDefinition struct {
	Name string `yaml:"name" validate:"required"`
	Help string `yaml:"help"`
}

type RequirementDefinition struct {
	Field  string `yaml:"field" validate:"required"`
	Prompt string `yaml:"prompt" validate:"required"`
	Secret bool   `yaml:"secret"`
	Output string `yaml:"output"`
	Rule   string `yaml:"rule"`
}

// Backfill declares a cursor-paginated listing endpoint on the integration's API URL.
type Backfill struct {
	Path        string            `yaml:"path" validate:"required"`
	Query       map[string]string `yaml:"query"`
	CursorParam string            `yaml:"cursor_param"`
	ItemsPath   string            `yaml:"items_path" validate:"required"`
	CursorPath  string            `yaml:"cursor_path"`
	Auth        BackfillAuth      `yaml:"auth"`
	Detail      *BackfillDetail   `yaml:"detail"`
	ProbePath   string            `yaml:"probe_path"`
}

type BackfillAuth struct {
	Kind string `yaml:"kind" validate:"required,oneof=bearer api_key basic"`
	// Name is the API key header or query parameter.
	Name    string `yaml:"name" validate:"required_if=Kind api_key"`
	InQuery bool   `yaml:"in_query"`
}

type BackfillDetail struct {
	Path       string `yaml:"path" validate:"required"`
	ResultPath string `yaml:"result_path"`
	KeyField   string `yaml:"key_field"`
}

// Validate checks the definition's shape and the pieces validator tags cannot express.
func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("service type %q: %w", d.Name, err)
	}
	if err := schema.ValidateColumn(d.RemoteKey); err != nil {
		return fmt.Errorf("service type %q remote key: %w", d.Name, err)
	}
	for _, c := range d.Columns {
		if err := schema.ValidateColumn(c); err != nil {
			return fmt.Errorf("service type %q: %w", d.Name, err)
		}
	}
	for _, r := range d.Flow.Requirements {
		if _, err := onboarding.ParseField(r.Field); err != nil {
			return fmt.Errorf("service type %q: %w", d.Name, err)
		}
	}
	if d.Flow.Dependency != nil && d.DependsOn == "" {
		return fmt.Errorf("service type %q declares a dependency prompt without depends_on", d.Name)
	}
	if d.DelegatesCredentials && d.DependsOn == "" {
		return fmt.Errorf("service type %q delegates credentials but has no dependency", d.Name)
	}
	return nil
}
