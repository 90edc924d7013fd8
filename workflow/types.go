// Package workflow holds the validated in-memory form of a scraping job
// document and the error taxonomy shared by every stage of a run.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind is the `type` tag of an action entry.
type ActionKind string

const (
	KindFindAndFill     ActionKind = "find_and_fill"
	KindFindAndFillTOTP ActionKind = "find_and_fill_totp"
	KindClick           ActionKind = "click"
	KindWaitForElement  ActionKind = "wait_for_element"
)

// SelectorKind tells the session how to interpret a selector value.
type SelectorKind string

const (
	SelectorID       SelectorKind = "id"
	SelectorName     SelectorKind = "name"
	SelectorCSS      SelectorKind = "css"
	SelectorXPath    SelectorKind = "xpath"
	SelectorClass    SelectorKind = "class_name"
	SelectorTag      SelectorKind = "tag_name"
	SelectorLinkText SelectorKind = "link_text"
)

var selectorAliases = map[string]SelectorKind{
	"id":           SelectorID,
	"name":         SelectorName,
	"css":          SelectorCSS,
	"css_selector": SelectorCSS,
	"xpath":        SelectorXPath,
	"class_name":   SelectorClass,
	"class":        SelectorClass,
	"tag_name":     SelectorTag,
	"link_text":    SelectorLinkText,
}

// ParseSelectorKind normalizes a selector kind, accepting the documented aliases.
func ParseSelectorKind(s string) (SelectorKind, bool) {
	k, ok := selectorAliases[s]
	return k, ok
}

// Selector identifies a page element. The interpreter treats it as opaque.
type Selector struct {
	Kind  SelectorKind `json:"kind"`
	Value string       `json:"value"`
}

func (s Selector) String() string {
	return fmt.Sprintf("%s=%q", s.Kind, s.Value)
}

// SecretRef names an environment variable holding a secret. It never holds
// the secret itself.
type SecretRef struct {
	EnvVar string `json:"env_var"`
}

func (r SecretRef) String() string {
	return "$" + r.EnvVar
}

// ValueSource is either a literal or a reference to a secret resolved at the
// moment of use.
type ValueSource struct {
	Literal string
	Secret  SecretRef
}

// IsSecret reports whether the value must be resolved through a credential resolver.
func (v ValueSource) IsSecret() bool {
	return v.Secret.EnvVar != ""
}

// Action is one step of the login sequence. The set of implementations is
// closed: FindAndFill, FindAndFillTOTP, Click and WaitForElement.
type Action interface {
	Kind() ActionKind
	Target() Selector
	action()
}

// FindAndFill locates an input and sets its value.
type FindAndFill struct {
	Selector Selector
	Value    ValueSource
}

// FindAndFillTOTP fills an input with a one-time code derived from a secret.
type FindAndFillTOTP struct {
	Selector Selector
	Secret   SecretRef
}

// Click dispatches a click on an element.
type Click struct {
	Selector Selector
}

// WaitForElement blocks until an element is present or Timeout elapses.
type WaitForElement struct {
	Selector Selector
	Timeout  time.Duration
}

func (FindAndFill) Kind() ActionKind     { return KindFindAndFill }
func (FindAndFillTOTP) Kind() ActionKind { return KindFindAndFillTOTP }
func (Click) Kind() ActionKind           { return KindClick }
func (WaitForElement) Kind() ActionKind  { return KindWaitForElement }

func (a FindAndFill) Target() Selector     { return a.Selector }
func (a FindAndFillTOTP) Target() Selector { return a.Selector }
func (a Click) Target() Selector           { return a.Selector }
func (a WaitForElement) Target() Selector  { return a.Selector }

func (FindAndFill) action()     {}
func (FindAndFillTOTP) action() {}
func (Click) action()           {}
func (WaitForElement) action()  {}

// ExtractionMethod selects how a dataset is pulled out of the page.
type ExtractionMethod string

const (
	MethodHTMLTable ExtractionMethod = "html_table"
)

// ExtractionSpec describes one dataset to extract after the actions complete.
type ExtractionSpec struct {
	TargetName string           `json:"target_import_name"`
	Method     ExtractionMethod `json:"method"`
	TableIndex int              `json:"table_index"`
	OutputFile string           `json:"output_file"`
}

// DriverOptions configures the browser session. Extra holds every key other
// than headless, untouched.
type DriverOptions struct {
	Headless bool
	Extra    map[string]json.RawMessage
}

// Config is the validated, read-only representation of one job document.
// Actions are kept in document order, which is the execution order.
type Config struct {
	DriverOptions  DriverOptions
	LoginURL       string
	Actions        []Action
	DataExtraction []ExtractionSpec
}

// HasLoginActions reports whether any action types credentials into the page.
func (c *Config) HasLoginActions() bool {
	for _, a := range c.Actions {
		if isLoginAction(a.Kind()) {
			return true
		}
	}
	return false
}

func isLoginAction(k ActionKind) bool {
	return k == KindFindAndFill || k == KindFindAndFillTOTP
}
