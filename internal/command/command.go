// Package command parses lock commands left as pull request comments, such
// as ".lock production --reason hotfix".
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marcusmccarty/branch-deploy/internal/coordinator"
	"github.com/marcusmccarty/branch-deploy/internal/lockkey"
	"github.com/marcusmccarty/branch-deploy/internal/model"
)

// Defaults used by NewParser.
const (
	DefaultTrigger     = ".lock"
	DefaultInfoAlias   = ".wcid"
	DefaultGlobalFlag  = "--global"
	DefaultEnvironment = "production"
)

const (
	reasonFlag  = "--reason"
	detailsFlag = "--details"
	infoFlag    = "--info"
)

var (
	// ErrNotLockCommand is returned for comments that are not lock commands.
	ErrNotLockCommand = errors.New("not a lock command")

	// ErrUnknownFlag is returned for flags the parser does not recognise.
	ErrUnknownFlag = errors.New("unknown flag")

	// ErrExtraArgument is returned when a command names more than one
	// environment.
	ErrExtraArgument = errors.New("unexpected argument")
)

// Parser turns comment bodies into lock requests.
type Parser struct {
	Trigger            string
	InfoAlias          string
	GlobalFlag         string
	DefaultEnvironment string
}

// NewParser returns a Parser using the default trigger, alias and flags.
func NewParser() *Parser {
	return &Parser{
		Trigger:            DefaultTrigger,
		InfoAlias:          DefaultInfoAlias,
		GlobalFlag:         DefaultGlobalFlag,
		DefaultEnvironment: DefaultEnvironment,
	}
}

// Request is a parsed lock command.
type Request struct {
	Environment string
	Global      bool
	DetailsOnly bool
	// Reason is nil when --reason was not given, and empty when it was
	// given without text.
	Reason *string
}

// Coordinator converts the command into a coordinator request. Lock
// commands claim sticky locks; details queries leave Sticky nil.
func (r *Request) Coordinator(actor, ref string, rc model.RequestContext) coordinator.Request {
	req := coordinator.Request{
		Actor:       actor,
		Ref:         ref,
		Environment: r.Environment,
		Global:      r.Global,
		DetailsOnly: r.DetailsOnly,
		Reason:      r.Reason,
		Context:     rc,
	}
	if !r.DetailsOnly {
		sticky := true
		req.Sticky = &sticky
	}
	return req
}

func (p *Parser) isFlag(tok string) bool {
	switch tok {
	case reasonFlag, detailsFlag, infoFlag, p.GlobalFlag:
		return true
	}
	return false
}

// Parse parses body. The first word must be the trigger or the info alias.
func (p *Parser) Parse(body string) (*Request, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 || (fields[0] != p.Trigger && fields[0] != p.InfoAlias) {
		return nil, ErrNotLockCommand
	}

	req := &Request{DetailsOnly: fields[0] == p.InfoAlias}

	for i := 1; i < len(fields); i++ {
		tok := fields[i]
		switch {
		case tok == p.GlobalFlag:
			req.Global = true
		case tok == detailsFlag || tok == infoFlag:
			req.DetailsOnly = true
		case tok == reasonFlag:
			var words []string
			for i+1 < len(fields) && !p.isFlag(fields[i+1]) {
				i++
				words = append(words, fields[i])
			}
			reason := strings.Join(words, " ")
			req.Reason = &reason
		case strings.HasPrefix(tok, "--"):
			return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, tok)
		case req.Environment == "":
			req.Environment = tok
		default:
			return nil, fmt.Errorf("%w: %s", ErrExtraArgument, tok)
		}
	}

	if req.Global {
		return req, nil
	}
	if req.Environment == "" {
		req.Environment = p.DefaultEnvironment
	}
	if err := lockkey.ValidateEnvironment(req.Environment); err != nil {
		return nil, err
	}
	return req, nil
}
