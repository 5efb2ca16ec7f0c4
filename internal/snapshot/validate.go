package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// snapshotDoc is the stored layout as read back from a backend. Required
// scalars are pointers so an absent field is told apart from a zero value.
type snapshotDoc struct {
	SchemaVersion  *int              `json:"schema_version" validate:"required,gte=1"`
	ConversationID string            `json:"conversation_id" validate:"required"`
	Version        *int64            `json:"version" validate:"required,gte=0"`
	CreatedAt      *time.Time        `json:"created_at" validate:"required"`
	Context        *contextDoc       `json:"context" validate:"required"`
	Events         []json.RawMessage `json:"events"`
}

type contextDoc struct {
	ConversationID string            `json:"conversation_id" validate:"required"`
	IsFirstRequest *bool             `json:"is_first_request" validate:"required"`
	Requirements   map[string]any    `json:"requirements"`
	Wireframe      map[string]any    `json:"wireframe"`
	GeneratedCode  map[string]string `json:"generated_code"`
	ContainerInfo  *containerDoc     `json:"container_info" validate:"omitempty"`
	Completion     *completionDoc    `json:"completion_state" validate:"required"`
	LastError      *lastErrorDoc     `json:"last_error" validate:"omitempty"`
	RetryCount     *int              `json:"retry_count" validate:"required,gte=0"`
	Revision       int64             `json:"revision" validate:"gte=0"`
}

type completionDoc struct {
	ExplorationComplete *bool `json:"exploration_complete" validate:"required"`
	BuildSuccessful     *bool `json:"build_successful" validate:"required"`
	DevServerStarted    *bool `json:"dev_server_started" validate:"required"`
	RequirementsMet     *bool `json:"requirements_met" validate:"required"`
	IsComplete          *bool `json:"is_complete" validate:"required"`
}

type containerDoc struct {
	ID string `json:"id" validate:"required"`
}

type lastErrorDoc struct {
	Error string `json:"error" validate:"required"`
}

var validate = newValidator()

// newValidator reports failures by their JSON field names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate performs a structural check of a serialized snapshot: required
// fields are present and carry the right primitive types.
func Validate(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return invalid("%v", err)
	}
	if err := validate.Struct(doc); err != nil {
		return invalid("%s", describe(err))
	}
	if *doc.SchemaVersion > SchemaVersion {
		return invalid("unsupported schema_version %d", *doc.SchemaVersion)
	}
	return nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "snapshotDoc.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSnapshot, fmt.Sprintf(format, args...))
}
