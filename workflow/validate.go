package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var envVarPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type rawAction struct {
	Type             *string  `json:"type"`
	Selector         *string  `json:"selector"`
	SelectorValue    *string  `json:"selector_value"`
	Value            *string  `json:"value"`
	ValueEnvVar      *string  `json:"value_env_var"`
	TOTPSecretEnvVar *string  `json:"totp_secret_env_var"`
	Timeout          *float64 `json:"timeout"`
}

type rawExtraction struct {
	TargetImportName *string  `json:"target_import_name"`
	Method           *string  `json:"method"`
	TableIndex       *float64 `json:"table_index"`
	OutputFile       *string  `json:"output_file"`
}

// Validate parses a job document and checks it statically. It has no side
// effects: no session is opened and no secret is read. The first violation
// found is returned as a *ConfigError.
func Validate(raw []byte) (*Config, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ConfigError{Reason: "malformed JSON", Err: err}
	}
	if top == nil {
		return nil, &ConfigError{Reason: "document must be a JSON object"}
	}

	cfg := &Config{DriverOptions: DriverOptions{Headless: true}}

	if v, ok := top["driver_options"]; ok && !isNull(v) {
		opts, err := parseDriverOptions(v)
		if err != nil {
			return nil, err
		}
		cfg.DriverOptions = opts
	}

	if v, ok := top["login_url"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, &ConfigError{Path: "login_url", Reason: "must be a string"}
		}
		// An empty string is the same as leaving the key out.
		if s = strings.TrimSpace(s); s != "" {
			if err := checkURL(s); err != nil {
				return nil, &ConfigError{Path: "login_url", Reason: err.Error()}
			}
		}
		cfg.LoginURL = s
	}

	actions, err := requiredArray(top, "actions")
	if err != nil {
		return nil, err
	}
	cfg.Actions = make([]Action, 0, len(actions))
	for i, item := range actions {
		a, err := parseAction(i, item)
		if err != nil {
			return nil, err
		}
		cfg.Actions = append(cfg.Actions, a)
	}

	extractions, err := requiredArray(top, "data_extraction")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int, len(extractions))
	cfg.DataExtraction = make([]ExtractionSpec, 0, len(extractions))
	for i, item := range extractions {
		spec, err := parseExtraction(i, item)
		if err != nil {
			return nil, err
		}
		key := filepath.Clean(spec.OutputFile)
		if prev, dup := seen[key]; dup {
			return nil, &ConfigError{
				Path:   fmt.Sprintf("data_extraction[%d].output_file", i),
				Reason: fmt.Sprintf("same destination as data_extraction[%d]", prev),
			}
		}
		seen[key] = i
		cfg.DataExtraction = append(cfg.DataExtraction, spec)
	}

	if cfg.HasLoginActions() && cfg.LoginURL == "" {
		return nil, &ConfigError{Path: "login_url", Reason: "required when login actions are present"}
	}

	return cfg, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func requiredArray(top map[string]json.RawMessage, key string) ([]json.RawMessage, error) {
	v, ok := top[key]
	if !ok {
		return nil, &ConfigError{Path: key, Reason: "required key is missing"}
	}
	var items []json.RawMessage
	if isNull(v) || json.Unmarshal(v, &items) != nil {
		return nil, &ConfigError{Path: key, Reason: "must be an array"}
	}
	return items, nil
}

func parseDriverOptions(v json.RawMessage) (DriverOptions, error) {
	opts := DriverOptions{Headless: true}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return opts, &ConfigError{Path: "driver_options", Reason: "must be an object"}
	}
	for key, val := range m {
		if key == "headless" {
			if err := json.Unmarshal(val, &opts.Headless); err != nil || isNull(val) {
				return opts, &ConfigError{Path: "driver_options.headless", Reason: "must be a boolean"}
			}
			continue
		}
		if opts.Extra == nil {
			opts.Extra = make(map[string]json.RawMessage)
		}
		opts.Extra[key] = val
	}
	return opts, nil
}

func checkURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is missing")
	}
	return nil
}

func decodeStrict(path string, item json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			if typeErr.Field == "" {
				return &ConfigError{Path: path, Reason: "must be an object"}
			}
			return &ConfigError{Path: path + "." + typeErr.Field, Reason: fmt.Sprintf("must be %s, got %s", jsonTypeName(typeErr.Type), typeErr.Value)}
		}
		return &ConfigError{Path: path, Reason: "invalid entry", Err: err}
	}
	return nil
}

func jsonTypeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
		return "a number"
	case reflect.Bool:
		return "a boolean"
	default:
		return t.String()
	}
}

func parseAction(i int, item json.RawMessage) (Action, error) {
	path := fmt.Sprintf("actions[%d]", i)
	if isNull(item) {
		return nil, &ConfigError{Path: path, Reason: "must be an object"}
	}
	var ra rawAction
	if err := decodeStrict(path, item, &ra); err != nil {
		return nil, err
	}

	if ra.Type == nil {
		return nil, &ConfigError{Path: path + ".type", Reason: "required field is missing"}
	}
	kind := ActionKind(*ra.Type)
	switch kind {
	case KindFindAndFill, KindFindAndFillTOTP, KindClick, KindWaitForElement:
	default:
		return nil, &ConfigError{Path: path + ".type", Reason: fmt.Sprintf("unknown action type %q", *ra.Type)}
	}

	sel, err := parseSelector(path, ra.Selector, ra.SelectorValue)
	if err != nil {
		return nil, err
	}

	// Fields that belong to another tag are rejected rather than ignored.
	allowed := map[string]bool{}
	present := map[string]bool{
		"value":               ra.Value != nil,
		"value_env_var":       ra.ValueEnvVar != nil,
		"totp_secret_env_var": ra.TOTPSecretEnvVar != nil,
		"timeout":             ra.Timeout != nil,
	}

	var action Action
	switch kind {
	case KindFindAndFill:
		allowed["value"], allowed["value_env_var"] = true, true
		src, err := parseValueSource(path, ra.Value, ra.ValueEnvVar)
		if err != nil {
			return nil, err
		}
		action = FindAndFill{Selector: sel, Value: src}
	case KindFindAndFillTOTP:
		allowed["totp_secret_env_var"] = true
		if ra.TOTPSecretEnvVar == nil {
			return nil, &ConfigError{Path: path + ".totp_secret_env_var", Reason: "required field is missing"}
		}
		ref, err := parseSecretRef(path+".totp_secret_env_var", *ra.TOTPSecretEnvVar)
		if err != nil {
			return nil, err
		}
		action = FindAndFillTOTP{Selector: sel, Secret: ref}
	case KindClick:
		action = Click{Selector: sel}
	case KindWaitForElement:
		allowed["timeout"] = true
		if ra.Timeout == nil {
			return nil, &ConfigError{Path: path + ".timeout", Reason: "required field is missing"}
		}
		t := *ra.Timeout
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			return nil, &ConfigError{Path: path + ".timeout", Reason: "must be a positive number of seconds"}
		}
		action = WaitForElement{Selector: sel, Timeout: time.Duration(t * float64(time.Second))}
	}

	for _, field := range []string{"value", "value_env_var", "totp_secret_env_var", "timeout"} {
		if present[field] && !allowed[field] {
			return nil, &ConfigError{Path: path + "." + field, Reason: fmt.Sprintf("not allowed for %s", kind)}
		}
	}
	return action, nil
}

func parseSelector(path string, kind, value *string) (Selector, error) {
	if kind == nil {
		return Selector{}, &ConfigError{Path: path + ".selector", Reason: "required field is missing"}
	}
	k, ok := ParseSelectorKind(*kind)
	if !ok {
		return Selector{}, &ConfigError{Path: path + ".selector", Reason: fmt.Sprintf("unknown selector kind %q", *kind)}
	}
	if value == nil {
		return Selector{}, &ConfigError{Path: path + ".selector_value", Reason: "required field is missing"}
	}
	if strings.TrimSpace(*value) == "" {
		return Selector{}, &ConfigError{Path: path + ".selector_value", Reason: "must not be empty"}
	}
	return Selector{Kind: k, Value: *value}, nil
}

func parseValueSource(path string, literal, envVar *string) (ValueSource, error) {
	switch {
	case literal != nil && envVar != nil:
		return ValueSource{}, &ConfigError{Path: path, Reason: "value and value_env_var are mutually exclusive"}
	case envVar != nil:
		ref, err := parseSecretRef(path+".value_env_var", *envVar)
		if err != nil {
			return ValueSource{}, err
		}
		return ValueSource{Secret: ref}, nil
	case literal != nil:
		return ValueSource{Literal: *literal}, nil
	default:
		return ValueSource{}, &ConfigError{Path: path + ".value_env_var", Reason: "required field is missing"}
	}
}

func parseSecretRef(path, name string) (SecretRef, error) {
	if !envVarPattern.MatchString(name) {
		return SecretRef{}, &ConfigError{Path: path, Reason: fmt.Sprintf("invalid environment variable name %q", name)}
	}
	return SecretRef{EnvVar: name}, nil
}

func parseExtraction(i int, item json.RawMessage) (ExtractionSpec, error) {
	path := fmt.Sprintf("data_extraction[%d]", i)
	if isNull(item) {
		return ExtractionSpec{}, &ConfigError{Path: path, Reason: "must be an object"}
	}
	var re rawExtraction
	if err := decodeStrict(path, item, &re); err != nil {
		return ExtractionSpec{}, err
	}

	if re.TargetImportName == nil || strings.TrimSpace(*re.TargetImportName) == "" {
		return ExtractionSpec{}, &ConfigError{Path: path + ".target_import_name", Reason: "required field is missing"}
	}
	if re.Method == nil {
		return ExtractionSpec{}, &ConfigError{Path: path + ".method", Reason: "required field is missing"}
	}
	spec := ExtractionSpec{
		TargetName: *re.TargetImportName,
		Method:     ExtractionMethod(*re.Method),
	}

	switch spec.Method {
	case MethodHTMLTable:
		if re.TableIndex == nil {
			return ExtractionSpec{}, &ConfigError{Path: path + ".table_index", Reason: "required field is missing"}
		}
		idx := *re.TableIndex
		if idx < 0 || idx != math.Trunc(idx) || idx > math.MaxInt32 {
			return ExtractionSpec{}, &ConfigError{Path: path + ".table_index", Reason: "must be a non-negative integer"}
		}
		spec.TableIndex = int(idx)
	default:
		return ExtractionSpec{}, &ConfigError{Path: path + ".method", Reason: fmt.Sprintf("unknown extraction method %q", *re.Method)}
	}

	if re.OutputFile == nil {
		return ExtractionSpec{}, &ConfigError{Path: path + ".output_file", Reason: "required field is missing"}
	}
	out := strings.TrimSpace(*re.OutputFile)
	if err := CheckOutputPath(out); err != nil {
		return ExtractionSpec{}, &ConfigError{Path: path + ".output_file", Reason: err.Error()}
	}
	spec.OutputFile = out
	return spec, nil
}

// CheckOutputPath reports whether p is usable as a file destination. It does
// not touch the filesystem.
func CheckOutputPath(p string) error {
	if p == "" {
		return errors.New("must not be empty")
	}
	for _, r := range p {
		if r == 0 || unicode.IsControl(r) {
			return errors.New("contains control characters")
		}
	}
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator)) {
		return errors.New("must name a file, not a directory")
	}
	switch filepath.Base(filepath.Clean(p)) {
	case ".", "..", string(filepath.Separator):
		return errors.New("must name a file")
	}
	return nil
}
