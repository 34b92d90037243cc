package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// schemaSource constrains CUE configuration files. Every field is optional
// because Go defaults fill the gaps; #Config is closed, so unknown keys are
// reported with their position.
const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	provider?: {
		name?:           "modelfile"
		version?:        =~"^v?[0-9]+(\\.[0-9]+)*"
		locator_scheme?: =~"^[a-z0-9]+$"
		watch?:          bool
	}
	run?: {
		transaction_name?: string
		timeout?:          #Duration
		cleanup_grace?:    #Duration
		actor?:            string & !=""
	}
	lock?: {
		mode?:    "wait" | "reject"
		backend?: "local" | "redis"
		redis?: {
			address?:       string
			password?:      string
			db?:            int & >=0
			key_prefix?:    string
			ttl?:           #Duration
			poll_interval?: #Duration
		}
	}
	store?: {
		enabled?: bool
		path?:    string
	}
	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}
	server?: {
		listen_address?: string
		read_timeout?:   #Duration
		write_timeout?:  #Duration
		max_body_bytes?: int & >0
	}
	telemetry?: {...}
}
`

// CUEParser evaluates CUE configuration files against the configuration
// schema.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser compiles the configuration schema.
func NewCUEParser() (*CUEParser, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	schema := val.LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up config schema: %w", err)
	}

	return &CUEParser{ctx: ctx, schema: schema}, nil
}

// Export evaluates a CUE configuration, checks it against the schema and
// returns it as JSON. Problems are returned as Errors with file positions.
func (cp *CUEParser) Export(path string, data []byte) ([]byte, error) {
	val := cp.ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return out, nil
}

// Schema returns the CUE source of the configuration schema.
func Schema() string {
	return strings.TrimSpace(schemaSource) + "\n"
}

// convertCUEErrors converts CUE errors to Errors.
func convertCUEErrors(err error) Errors {
	var validationErrors Errors

	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}

		// Prefer a position in the user's file over one in the schema.
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == "schema.cue" && ve.File != "" {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			if pos.Filename() != "schema.cue" {
				break
			}
		}

		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}

	return validationErrors
}
