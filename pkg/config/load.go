package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Load reads path over DefaultConfig and validates the result. The format
// follows the extension: .cue, .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes data over DefaultConfig. name supplies the format and is
// used in error positions.
func Parse(name string, data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var err error
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".cue":
		err = decodeCUE(name, data, cfg)
	case ".yaml", ".yml":
		err = decodeYAML(name, data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		var errs Errors
		if errors.As(err, &errs) {
			for i := range errs {
				errs[i].File = name
			}
			return nil, errs
		}
		return nil, err
	}
	return cfg, nil
}

// decodeCUE checks the file against #Config and decodes its JSON export with
// the YAML decoder, so both formats share tags and duration parsing.
func decodeCUE(name string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("reservoir-schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("invalid built-in schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return convertCUEErrors(name, err)
	}

	val = schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(name, err)
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(name, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

func decodeYAML(name string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return convertYAMLErrors(name, err)
	}
	return nil
}

// convertCUEErrors reports each error at its first position inside name,
// falling back to the first position anywhere.
func convertCUEErrors(name string, err error) Errors {
	var out Errors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{File: name, Path: strings.Join(e.Path(), ".")}
		if positions := cueerrors.Positions(e); len(positions) > 0 {
			pos := positions[0]
			for _, p := range positions {
				if p.Filename() == name {
					pos = p
					break
				}
			}
			ve.File, ve.Line, ve.Column = pos.Filename(), pos.Line(), pos.Column()
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		out = append(out, ve)
	}
	return out
}

var yamlLine = regexp.MustCompile(`^(?:yaml: )?line (\d+): (.*)$`)

func convertYAMLErrors(name string, err error) Errors {
	msgs := []string{err.Error()}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		msgs = typeErr.Errors
	}

	out := make(Errors, 0, len(msgs))
	for _, msg := range msgs {
		ve := ValidationError{File: name, Message: msg}
		if m := yamlLine.FindStringSubmatch(msg); m != nil {
			ve.Line, _ = strconv.Atoi(m[1])
			ve.Message = m[2]
		}
		out = append(out, ve)
	}
	return out
}
