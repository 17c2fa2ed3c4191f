// Package gather implements the context-gathering protocol: a budgeted
// dialogue in which the model asks for repository evidence (grep, file
// context, blame) before it is asked for a solution.
//
// A Session moves through AWAITING_ASK, DISPATCH and ACCEPTED or REJECTED
// back to AWAITING_ASK until the model closes it or its budget runs out.
// Every turn consumes one iteration; only accepted results consume lines.
package gather

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/snajpa/rllm/internal/budget"
	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/prompt"
	"github.com/snajpa/rllm/internal/transcript"
	"github.com/snajpa/rllm/internal/util"
	"github.com/snajpa/rllm/internal/workspace"
)

// Repository is the read-only view of the working tree the tools use.
type Repository interface {
	Resolve(rel string) (string, error)
	Exists(rel string) bool
	ReadFile(rel string) (string, error)
	Grep(pattern string, pathspecs []string) ([]workspace.GrepMatch, error)
	Blame(rev, path string, line int) (workspace.BlameLine, error)
}

// Outcome classifies one exchange.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeOverAskCap Outcome = "over_ask_cap"
	OutcomeOverBudget Outcome = "over_budget"
	OutcomeInvalid    Outcome = "invalid_ask"
	OutcomeError      Outcome = "error"
	OutcomeClosed     Outcome = "closed"
)

// Rejected reports whether the outcome is a rejection.
func (o Outcome) Rejected() bool {
	return o != OutcomeAccepted && o != OutcomeClosed
}

// DuplicateNotice is returned for a repeated ask.
const DuplicateNotice = "ERROR: DUPLICATE REQUEST REJECTED."

// AskGrammar constrains ask turns to a single well-formed ASK line.
const AskGrammar = `root  ::= "ASK: " ask "\n"
ask   ::= "close" | "grep-context " param (" " param)* | "cat-context " num " " param | "blame-line " num " " param
param ::= [^ "\n]+ | "\"" [^"\n]* "\""
num   ::= [1-9] [0-9]*
`

const fileCacheSize = 64

// Options configures a session.
type Options struct {
	LineBudget     int
	PerAskLines    int
	IterationLimit int
	GrepContext    int
	CatContext     int
	Temperature    float64
	MaxTokens      int
	// Grammar constrains ask turns with AskGrammar.
	Grammar bool
}

// NewOptions derives session options from the configuration. The line
// budget and the iteration limit grow with every attempt.
func NewOptions(cfg *config.Config, attempt int) Options {
	c := cfg.Context
	return Options{
		LineBudget:     budget.Scale(c.LineBudget, c.BudgetGrowth, attempt),
		PerAskLines:    c.PerAskLines,
		IterationLimit: budget.Scale(c.IterationLimit, c.BudgetGrowth, attempt),
		GrepContext:    c.GrepContextLines,
		CatContext:     c.CatContextLines,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.AskMaxTokens,
		Grammar:        cfg.LLM.Grammar,
	}
}

// Exchange is one turn: the ask, what happened to it and the budget after.
type Exchange struct {
	Turn    int           `json:"turn"`
	Ask     string        `json:"ask"`
	Outcome Outcome       `json:"outcome"`
	Result  string        `json:"result"`
	Cost    int           `json:"cost"`
	Budget  budget.Budget `json:"budget"`
}

// Render formats the exchange for the transcript fed back to the model.
func (e Exchange) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", prompt.AskPrefix, e.Ask)
	if e.Result != "" {
		sb.WriteString(e.Result)
		if !strings.HasSuffix(e.Result, "\n") {
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "BUDGET_LEFT: %s\n", e.Budget)
	return sb.String()
}

// Session is one context-gathering dialogue. It is owned by a single
// resolution attempt and discarded afterwards.
type Session struct {
	repo   Repository
	client llm.Client
	opts   Options
	logger *logging.Logger
	tr     *transcript.Transcript

	budget    budget.Budget
	issued    map[string]bool
	exchanges []Exchange
	evidence  strings.Builder
	consumed  int
	closed    bool
	files     *lru.Cache[string, []string]
}

// NewSession creates a session with a fresh budget.
func NewSession(repo Repository, client llm.Client, opts Options, logger *logging.Logger, tr *transcript.Transcript) *Session {
	files, _ := lru.New[string, []string](fileCacheSize)
	return &Session{
		repo:   repo,
		client: client,
		opts:   opts,
		logger: logging.OrNop(logger),
		tr:     tr,
		budget: budget.New(opts.LineBudget, opts.IterationLimit),
		issued: make(map[string]bool),
		files:  files,
	}
}

// Budget returns what remains of the session's allowance.
func (s *Session) Budget() budget.Budget {
	return s.budget
}

// Consumed returns the lines deducted so far.
func (s *Session) Consumed() int {
	return s.consumed
}

// Exchanges returns every turn so far.
func (s *Session) Exchanges() []Exchange {
	return s.exchanges
}

// Evidence returns the accepted results accumulated so far.
func (s *Session) Evidence() string {
	return s.evidence.String()
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.closed || s.budget.Exhausted()
}

// History renders all exchanges for the next ask prompt.
func (s *Session) History() string {
	var sb strings.Builder
	for i, e := range s.exchanges {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(e.Render())
	}
	return sb.String()
}

// Run drives the dialogue until the model closes it or the budget is
// exhausted, and returns the evidence. Inference failures end the session
// and are returned with the evidence gathered so far.
func (s *Session) Run(ctx context.Context, common string) (string, error) {
	builder := prompt.NewAskBuilder()

	for !s.Closed() {
		text, err := builder.Build(&prompt.Context{
			Phase:  prompt.PhaseAsk,
			Common: common,
			Ask:    &prompt.AskInfo{History: s.History(), Budget: s.budget},
		})
		if err != nil {
			return s.Evidence(), err
		}

		req := llm.Request{
			Prompt:      text,
			Temperature: s.opts.Temperature,
			MaxTokens:   s.opts.MaxTokens,
		}
		if s.opts.Grammar {
			req.Grammar = AskGrammar
		}
		response, err := llm.Collect(ctx, s.client, req, llm.AskLine(), s.tr.Stream())
		if err != nil {
			s.closed = true
			return s.Evidence(), err
		}

		ask, ok := ParseAsk(response)
		if !ok {
			s.reject(Ask{Name: "(none)"}, OutcomeInvalid, "ERROR: No ASK line found, write exactly one line starting with ASK:")
			continue
		}
		s.Dispatch(ask)
	}

	s.logger.Info("context gathering finished",
		"turns", len(s.exchanges),
		"consumed_lines", s.consumed,
		"budget_left", s.budget.String(),
	)
	return s.Evidence(), nil
}

// Dispatch executes one ask. It consumes one iteration whatever the
// outcome; lines are deducted only for accepted results.
func (s *Session) Dispatch(ask Ask) Exchange {
	if s.Closed() {
		return Exchange{Ask: ask.String(), Outcome: OutcomeClosed, Budget: s.budget}
	}
	if next, ok := s.budget.Turn(); ok {
		s.budget = next
	}

	if !ask.Known() {
		return s.record(ask, OutcomeInvalid, fmt.Sprintf("ERROR: Unknown tool: %s", ask.Name), 0)
	}
	if ask.Tool == ToolClose {
		s.closed = true
		return s.record(ask, OutcomeClosed, "", 0)
	}

	key := ask.Key()
	if s.issued[key] {
		return s.record(ask, OutcomeDuplicate, DuplicateNotice, 0)
	}
	s.issued[key] = true

	result, terr := s.run(ask)
	if terr != nil {
		return s.record(ask, terr.outcome, terr.msg, 0)
	}

	lines := util.CountLines(result)
	decision := s.budget.Spend(lines, s.opts.PerAskLines)
	switch decision.Verdict {
	case budget.OverAskCap:
		return s.record(ask, OutcomeOverAskCap,
			fmt.Sprintf("ERROR: Over budget, wanted %d lines, but one ask may return at most %d", lines, s.opts.PerAskLines), 0)
	case budget.OverBudget:
		return s.record(ask, OutcomeOverBudget,
			fmt.Sprintf("ERROR: Over budget, wanted %d lines, but only %d available", lines, s.budget.RemainingLines), 0)
	}

	s.budget = decision.Budget
	s.consumed += decision.Cost
	fmt.Fprintf(&s.evidence, "%s %s\n%s", prompt.AskPrefix, ask, result)
	if !strings.HasSuffix(result, "\n") {
		s.evidence.WriteString("\n")
	}
	return s.record(ask, OutcomeAccepted, result, decision.Cost)
}

// reject records a turn that produced no usable ask.
func (s *Session) reject(ask Ask, outcome Outcome, msg string) Exchange {
	if next, ok := s.budget.Turn(); ok {
		s.budget = next
	}
	return s.record(ask, outcome, msg, 0)
}

func (s *Session) record(ask Ask, outcome Outcome, result string, cost int) Exchange {
	e := Exchange{
		Turn:    len(s.exchanges) + 1,
		Ask:     ask.String(),
		Outcome: outcome,
		Result:  result,
		Cost:    cost,
		Budget:  s.budget,
	}
	s.exchanges = append(s.exchanges, e)

	s.tr.Ask(e.Ask, e.Budget.String())
	switch {
	case outcome == OutcomeAccepted:
		s.tr.Block("evidence", result)
		s.logger.Debug("ask accepted", "ask", e.Ask, "cost", cost, "budget_left", e.Budget.String())
	case outcome.Rejected():
		s.tr.Rejected(string(outcome), "%s", result)
		s.logger.Info("ask rejected", "ask", e.Ask, "reason", string(outcome), "message", result)
	default:
		s.logger.Debug("ask session closed by model", "turn", e.Turn)
	}
	return e
}

// Gather runs a complete session over common and returns the evidence
// together with the session for inspection.
func Gather(ctx context.Context, repo Repository, client llm.Client, common string, opts Options, logger *logging.Logger, tr *transcript.Transcript) (string, *Session, error) {
	s := NewSession(repo, client, opts, logger, tr)
	evidence, err := s.Run(ctx, common)
	return evidence, s, err
}
