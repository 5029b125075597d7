package depex

import "github.com/appkins-org/go-uefi-fv/internal/firmware/efi"

// Kind tells how a Result is to be applied by a scheduler.
type Kind int

const (
	// Boolean results gate dispatch on Value.
	Boolean Kind = iota
	// Before results place the file immediately ahead of Target.
	Before
	// After results place the file immediately behind Target.
	After
)

// Result is the outcome of evaluating an expression.
type Result struct {
	Kind   Kind
	Value  bool
	Target efi.GUID
	// ScheduleOnRequest is set when the expression starts with SOR.
	ScheduleOnRequest bool
}

// Satisfier reports whether the producer of a GUID is already installed.
type Satisfier func(efi.GUID) bool

// Evaluate runs the expression against installed. BEFORE and AFTER short
// circuit into an ordering directive. The expression must have passed Validate.
func Evaluate(e Expression, installed Satisfier) (Result, error) {
	if err := e.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	body := e[:len(e)-1]
	if len(body) > 0 {
		switch body[0].Op {
		case OpBefore:
			return Result{Kind: Before, Target: body[0].GUID}, nil
		case OpAfter:
			return Result{Kind: After, Target: body[0].GUID}, nil
		case OpSOR:
			res.ScheduleOnRequest = true
			body = body[1:]
		}
	}
	if len(body) == 0 {
		res.Value = true
		return res, nil
	}

	stack := make([]bool, 0, len(body))
	pop := func() bool {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	for _, ins := range body {
		switch ins.Op {
		case OpPush:
			stack = append(stack, installed(ins.GUID))
		case OpTrue:
			stack = append(stack, true)
		case OpFalse:
			stack = append(stack, false)
		case OpNot:
			stack = append(stack, !pop())
		case OpAnd:
			a, b := pop(), pop()
			stack = append(stack, a && b)
		case OpOr:
			a, b := pop(), pop()
			stack = append(stack, a || b)
		}
	}
	res.Value = pop()
	return res, nil
}
