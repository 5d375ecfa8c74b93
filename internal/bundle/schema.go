package bundle

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/fieldsync/internal/fault"
)

// schemaSource is the structural contract of a bundle. Unknown keys are
// allowed at every level so the remote can add fields without breaking
// older clients.
const schemaSource = `
#Entity: {
	id!: string & !=""
	...
}

#Blueprint: {
	name!:    string & !=""
	version?: int & >=1
	...
}

priority_1!: {
	blueprints!:   [...#Blueprint]
	action_items?: [...#Entity]
	...
}

priority_2!: [string]: [...#Entity]

priority_3?: {
	people_registry?: [...#Entity]
	...
}

server_timestamp?: string
`

var (
	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
)

// schema compiles the bundle schema once. A cue.Context is not safe for
// concurrent use, so callers hold schemaMu while unifying against it.
func schema() (*cue.Context, cue.Value) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaValue = schemaCtx.CompileString(schemaSource, cue.Filename("bundle.cue"))
	})
	return schemaCtx, schemaValue
}

var schemaMu sync.Mutex

// ValidationError is one schema violation, located by its path in the
// bundle document.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in one bundle.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Validate checks raw JSON against the bundle schema. Any violation is a
// MALFORMED_BUNDLE fault wrapping ValidationErrors.
func Validate(raw []byte) error {
	expr, err := cuejson.Extract("bundle.json", raw)
	if err != nil {
		return fault.Wrap(fault.CodeMalformed, "bundle.validate", fmt.Errorf("parse: %w", err))
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, sch := schema()
	if err := sch.Err(); err != nil {
		return fmt.Errorf("bundle schema: %w", err)
	}
	doc := ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return fault.Wrap(fault.CodeMalformed, "bundle.validate", formatCUEError(err))
	}
	if err := sch.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fault.Wrap(fault.CodeMalformed, "bundle.validate", formatCUEError(err))
	}
	return nil
}

// formatCUEError flattens CUE's error list into ValidationErrors keyed by
// document path.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	out := make(ValidationErrors, 0, len(errs))
	seen := make(map[string]bool)
	for _, e := range errs {
		format, args := e.Msg()
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		key := ve.Error()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ve)
	}
	return out
}
