package pipeline

// Stage is one step of the pipeline. Serve runs on the way in and decides
// whether the request continues.
type Stage interface {
	Name() string
	Serve(ex *Exchange) Outcome
}

// Finisher is implemented by stages with work on the way out. Finish runs
// for every entered stage, in reverse order, after the handler or the
// terminator and before the response is written.
type Finisher interface {
	Finish(ex *Exchange)
}

// Completer is implemented by stages that observe the committed response.
// Complete runs after the response has been written (or discarded).
type Completer interface {
	Complete(ex *Exchange)
}

// StageFunc adapts a function to a Stage with no outbound work.
type StageFunc struct {
	StageName string
	Fn        func(ex *Exchange) Outcome
}

func (f StageFunc) Name() string               { return f.StageName }
func (f StageFunc) Serve(ex *Exchange) Outcome { return f.Fn(ex) }

type outcomeKind uint8

const (
	outcomeContinue outcomeKind = iota
	outcomeHalt
	outcomeFail
)

// Outcome is the result of Stage.Serve.
type Outcome struct {
	kind outcomeKind
	err  error
}

// Continue passes the request to the next stage.
func Continue() Outcome { return Outcome{} }

// Halt stops the forward walk. The stage has already populated the response.
func Halt() Outcome { return Outcome{kind: outcomeHalt} }

// Fail stops the forward walk and hands err to the terminator. A nil err is
// treated as an internal failure.
func Fail(err error) Outcome { return Outcome{kind: outcomeFail, err: err} }

func (o Outcome) IsContinue() bool { return o.kind == outcomeContinue }
func (o Outcome) IsHalt() bool     { return o.kind == outcomeHalt }
func (o Outcome) IsFail() bool     { return o.kind == outcomeFail }
func (o Outcome) Err() error       { return o.err }
