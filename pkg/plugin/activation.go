package plugin

import "fmt"

// Predicate decides from the settings source whether a plugin applies.
type Predicate func(src Source) (bool, error)

// Activation gates whether a plugin is applied during a configure pass.
// The zero value is Always.
type Activation struct {
	key  string
	pred Predicate
}

// Always applies on every configure pass.
var Always = Activation{}

// IfSet applies only when key is present in the source. Presence is what
// counts: a key explicitly set to false still activates the plugin.
func IfSet(key string) Activation {
	return Activation{key: key}
}

// When applies when pred returns true.
func When(pred Predicate) Activation {
	return Activation{pred: pred}
}

// Evaluate reports whether the plugin should apply for src. Errors from a
// custom predicate are returned as-is.
func (a Activation) Evaluate(src Source) (bool, error) {
	switch {
	case a.pred != nil:
		return a.pred(src)
	case a.key != "":
		return src.IsSet(KeyFor(a.key)), nil
	default:
		return true, nil
	}
}

func (a Activation) String() string {
	switch {
	case a.pred != nil:
		return "custom"
	case a.key != "":
		return fmt.Sprintf("if_set(%s)", a.key)
	default:
		return "always"
	}
}
