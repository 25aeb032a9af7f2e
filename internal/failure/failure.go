// Package failure classifies pipeline errors by the stage that produced them.
package failure

import (
	"errors"
	"fmt"
)

// Kind names a class of fatal pipeline error.
type Kind string

const (
	KindConfig     Kind = "ConfigError"
	KindResolution Kind = "ResolutionError"
	KindCompile    Kind = "CompileError"
	KindInstall    Kind = "InstallError"
	KindProvision  Kind = "ProvisionError"
	KindIdentity   Kind = "IdentityError"
	KindLaunch     Kind = "LaunchError"
)

// Error is a classified error. Subject names the manifest entry, package,
// path, or address the failure is about.
type Error struct {
	Kind    Kind
	Stage   string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Stage != "" && e.Subject != "":
		msg = fmt.Sprintf("%s: %s %s", e.Kind, e.Stage, e.Subject)
	case e.Stage != "":
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Stage)
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error.
func New(kind Kind, stage, subject string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Subject: subject, Err: err}
}

func Resolution(subject string, err error) *Error {
	return New(KindResolution, "compile", subject, err)
}

func Compile(subject string, err error) *Error {
	return New(KindCompile, "compile", subject, err)
}

func Install(subject string, err error) *Error {
	return New(KindInstall, "assemble", subject, err)
}

func Provision(subject string, err error) *Error {
	return New(KindProvision, "provision", subject, err)
}

func Identity(subject string, err error) *Error {
	return New(KindIdentity, "identity", subject, err)
}

func Launch(subject string, err error) *Error {
	return New(KindLaunch, "launch", subject, err)
}

func Config(subject string, err error) *Error {
	return New(KindConfig, "config", subject, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

var exitCodes = map[Kind]int{
	KindConfig:     2,
	KindResolution: 10,
	KindCompile:    11,
	KindInstall:    12,
	KindProvision:  13,
	KindIdentity:   14,
	KindLaunch:     20,
}

// ExitCode maps err to the process exit status reported to supervisors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitStatus() int }
	if errors.As(err, &coded) && coded.ExitStatus() > 0 {
		return coded.ExitStatus()
	}
	if k, ok := KindOf(err); ok {
		return exitCodes[k]
	}
	return 1
}
