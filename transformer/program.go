package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/data-ingest/logger"
)

// DefaultBudget bounds a single rule evaluation.
const DefaultBudget = 250 * time.Millisecond

// ErrBudgetExceeded is returned when a rule runs past its time budget.
var ErrBudgetExceeded = errors.New("parse rule exceeded its time budget")

// Program is a compiled parse rule. A rule is either a JavaScript expression
// over the variable data, such as JSON.parse(data), or a script defining a
// transform(data) function.
type Program struct {
	source string

	mu        sync.Mutex
	vm        *goja.Runtime
	transform goja.Callable
}

// Compile prepares rule for evaluation.
func Compile(rule string) (*Program, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, fmt.Errorf("parse rule is empty")
	}

	vm := newRuntime()
	var fn goja.Callable
	var err error
	if strings.Contains(rule, "transform") {
		fn, err = compileScript(vm, rule)
	}
	if fn == nil {
		var exprErr error
		fn, exprErr = compileExpression(vm, rule)
		if exprErr != nil {
			if err != nil && strings.Contains(rule, "function transform") {
				return nil, err
			}
			return nil, exprErr
		}
	}

	return &Program{source: rule, vm: vm, transform: fn}, nil
}

func compileExpression(vm *goja.Runtime, rule string) (goja.Callable, error) {
	v, err := vm.RunString("(function(data) { return (" + rule + "\n); })")
	if err != nil {
		return nil, fmt.Errorf("failed to compile parse rule: %v", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("parse rule did not compile to a function")
	}
	return fn, nil
}

func compileScript(vm *goja.Runtime, script string) (goja.Callable, error) {
	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("failed to execute script: %v", err)
	}
	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, fmt.Errorf("script does not define a 'transform' function")
	}
	fn, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}
	return fn, nil
}

// Source returns the rule text.
func (p *Program) Source() string { return p.source }

// Run evaluates the rule against data. The result is normalized to plain JSON
// values: maps, slices, float64, string, bool and nil.
func (p *Program) Run(data string, budget time.Duration) (interface{}, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fired := make(chan struct{})
	timer := time.AfterFunc(budget, func() {
		p.vm.Interrupt(ErrBudgetExceeded)
		close(fired)
	})
	result, err := p.transform(goja.Undefined(), p.vm.ToValue(data))
	if !timer.Stop() {
		<-fired
	}
	p.vm.ClearInterrupt()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrBudgetExceeded
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("%s", exc.Value().String())
		}
		return nil, err
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	jsonData, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize rule result: %v", err)
	}
	var out interface{}
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("failed to decode rule result: %v", err)
	}
	return out, nil
}

// newRuntime creates a runtime with the helper functions rules may call.
func newRuntime() *goja.Runtime {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("failed to parse JSON: %v", err)
			return nil
		}
		return data
	})

	_ = vm.Set("parseXML", func(xmlStr string) interface{} {
		data, err := ParseXML(xmlStr)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return data
	})

	// Date formatting
	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	return vm
}

func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
	fromUnit = strings.ToUpper(fromUnit)
	toUnit = strings.ToUpper(toUnit)

	var celsius float64
	switch fromUnit {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value // unknown unit
	}

	switch toUnit {
	case "C":
		return celsius
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}
